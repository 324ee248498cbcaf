package ingest

import (
	"sort"

	"github.com/ashita-ai/kiroku/internal/model"
)

// kindRank orders events that share a timestamp so a run is always created
// before anything else touches it and closed last.
var kindRank = map[model.EventKind]int{
	model.KindStart:    0,
	model.KindStream:   1,
	model.KindComplete: 2,
	model.KindChat:     3,
	model.KindFeedback: 4,
	model.KindLog:      5,
	model.KindEnd:      6,
	model.KindError:    7,
}

func rank(k model.EventKind) int {
	if r, ok := kindRank[k]; ok {
		return r
	}
	return kindRank[model.KindLog]
}

// Indexed is an event paired with its position in the submitted batch.
type Indexed struct {
	Index int
	Event model.Event
}

// Sort returns the events ordered by timestamp, then by kind rank. Ties
// keep their submission order. The input slice is not modified.
func Sort(events []model.Event) []Indexed {
	out := make([]Indexed, len(events))
	for i, e := range events {
		out[i] = Indexed{Index: i, Event: e}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Event, out[j].Event
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return rank(a.Kind) < rank(b.Kind)
	})
	return out
}

// InsertedSet records the run ids a batch has written. It is informational;
// nothing gates on membership.
type InsertedSet struct {
	ids map[string]struct{}
}

// NewInsertedSet returns an empty set.
func NewInsertedSet() *InsertedSet {
	return &InsertedSet{ids: make(map[string]struct{})}
}

func (s *InsertedSet) Add(id string) {
	if id != "" {
		s.ids[id] = struct{}{}
	}
}

func (s *InsertedSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *InsertedSet) Len() int { return len(s.ids) }
