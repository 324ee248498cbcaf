package ingest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/ashita-ai/kiroku/internal/ingest"
	"github.com/ashita-ai/kiroku/internal/model"
)

func TestSortByTimestampThenKind(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindEnd, RunID: "a", Timestamp: t0},
		{Kind: model.KindFeedback, RunID: "b", Timestamp: t0},
		{Kind: model.KindStart, RunID: "c", Timestamp: t0},
		{Kind: model.KindStart, RunID: "d", Timestamp: t0.Add(-time.Second)},
		{Kind: model.KindError, RunID: "e", Timestamp: t0},
	}

	got := ingest.Sort(events)

	var ids []string
	var idx []int
	for _, ix := range got {
		ids = append(ids, ix.Event.RunID)
		idx = append(idx, ix.Index)
	}
	assert.Equal(t, []string{"d", "c", "b", "a", "e"}, ids)
	assert.Equal(t, []int{3, 2, 1, 0, 4}, idx)
	assert.Equal(t, model.KindEnd, events[0].Kind, "input is not reordered")
}

func TestSortIsStableForTies(t *testing.T) {
	events := []model.Event{
		{Kind: model.KindStart, RunID: "1", Timestamp: t0},
		{Kind: model.KindStart, RunID: "2", Timestamp: t0},
		{Kind: model.KindStart, RunID: "3", Timestamp: t0},
	}
	got := ingest.Sort(events)
	assert.Equal(t, "1", got[0].Event.RunID)
	assert.Equal(t, "2", got[1].Event.RunID)
	assert.Equal(t, "3", got[2].Event.RunID)
}

func TestSortProperties(t *testing.T) {
	kinds := []model.EventKind{model.KindStart, model.KindEnd, model.KindError, model.KindFeedback, model.KindLog, model.KindStream}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		events := make([]model.Event, n)
		for i := range events {
			events[i] = model.Event{
				Kind:      rapid.SampledFrom(kinds).Draw(t, "kind"),
				Timestamp: t0.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "offset")) * time.Second),
			}
		}

		got := ingest.Sort(events)
		if len(got) != n {
			t.Fatalf("len = %d, want %d", len(got), n)
		}
		seen := make(map[int]bool, n)
		for i, ix := range got {
			if seen[ix.Index] {
				t.Fatalf("index %d appears twice", ix.Index)
			}
			seen[ix.Index] = true
			if i > 0 && ix.Event.Timestamp.Before(got[i-1].Event.Timestamp) {
				t.Fatalf("timestamps out of order at %d", i)
			}
		}
	})
}

func TestInsertedSet(t *testing.T) {
	s := ingest.NewInsertedSet()
	s.Add("a")
	s.Add("a")
	s.Add("")
	s.Add("b")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))
}
