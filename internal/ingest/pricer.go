package ingest

import (
	"strings"
	"time"
)

// minBillableDuration filters out calls served from a provider or client
// cache, which are not billed.
const minBillableDuration = 10 * time.Millisecond

// ModelCost is the price of a model family in USD per 1000 tokens.
type ModelCost struct {
	Models     []string
	InputCost  float64
	OutputCost float64
}

// DefaultModelCosts is evaluated top to bottom and the first entry with a
// model contained in the run name wins, so more specific names come first.
var DefaultModelCosts = []ModelCost{
	{Models: []string{"gpt-4o-mini"}, InputCost: 0.00015, OutputCost: 0.0006},
	{Models: []string{"gpt-4o"}, InputCost: 0.005, OutputCost: 0.015},
	{Models: []string{"ft:gpt-3.5-turbo"}, InputCost: 0.003, OutputCost: 0.006},
	{Models: []string{"gpt-3.5-turbo-0613", "gpt-3.5-turbo-0301"}, InputCost: 0.0015, OutputCost: 0.002},
	{Models: []string{"gpt-3.5-turbo-instruct"}, InputCost: 0.0015, OutputCost: 0.002},
	{Models: []string{"gpt-3.5-turbo-16k"}, InputCost: 0.003, OutputCost: 0.004},
	{Models: []string{"gpt-3.5-turbo-1106"}, InputCost: 0.001, OutputCost: 0.002},
	{Models: []string{"gpt-3.5-turbo", "gpt-3.5-turbo-0125"}, InputCost: 0.0005, OutputCost: 0.0015},
	{Models: []string{"text-davinci-003"}, InputCost: 0.02, OutputCost: 0.02},
	{Models: []string{"gpt-4-turbo", "gpt-4-vision", "gpt-4-1106", "gpt-4-1106-vision", "gpt-4-0125"}, InputCost: 0.01, OutputCost: 0.03},
	{Models: []string{"gpt-4-32k"}, InputCost: 0.06, OutputCost: 0.12},
	{Models: []string{"gpt-4", "gpt-4-0613", "gpt-4-0314"}, InputCost: 0.03, OutputCost: 0.06},
	{Models: []string{"claude-instant-1", "claude-instant-v1", "claude-instant-1.2"}, InputCost: 0.0008, OutputCost: 0.0024},
	{Models: []string{"claude-2", "claude-v2", "claude-1", "claude-v1", "claude-2.1"}, InputCost: 0.008, OutputCost: 0.024},
	{Models: []string{"claude-3-opus"}, InputCost: 0.015, OutputCost: 0.075},
	{Models: []string{"claude-3-5-sonnet"}, InputCost: 0.003, OutputCost: 0.015},
	{Models: []string{"claude-3-sonnet"}, InputCost: 0.003, OutputCost: 0.075},
	{Models: []string{"claude-3-haiku"}, InputCost: 0.00025, OutputCost: 0.00125},
	{Models: []string{"text-bison", "chat-bison", "code-bison", "codechat-bison"}, InputCost: 0.0005, OutputCost: 0.0005},
	{Models: []string{"command-nightly", "command"}, InputCost: 0.015, OutputCost: 0.015},
	{Models: []string{"mistral-tiny"}, InputCost: 0.00014, OutputCost: 0.00042},
	{Models: []string{"mistral-small"}, InputCost: 0.0006, OutputCost: 0.0018},
	{Models: []string{"mistral-medium"}, InputCost: 0.0006, OutputCost: 0.0018},
}

// Pricer prices LLM calls from a static cost table.
type Pricer struct {
	costs []ModelCost
}

// NewPricer returns a Pricer over costs, or DefaultModelCosts when costs is nil.
func NewPricer(costs []ModelCost) *Pricer {
	if costs == nil {
		costs = DefaultModelCosts
	}
	return &Pricer{costs: costs}
}

// Cost implements CostModel. A zero duration means unknown and is billed.
func (p *Pricer) Cost(name string, promptTokens, completionTokens int, duration time.Duration) (float64, bool) {
	if name == "" {
		return 0, false
	}
	if duration > 0 && duration < minBillableDuration {
		return 0, false
	}
	mc, ok := p.lookup(name)
	if !ok {
		return 0, false
	}
	return (mc.InputCost*float64(promptTokens) + mc.OutputCost*float64(completionTokens)) / 1000, true
}

func (p *Pricer) lookup(name string) (ModelCost, bool) {
	cleaned := cleanModelName(name)
	for _, mc := range p.costs {
		for _, m := range mc.Models {
			// Azure deployments wrap the model name, hence contains.
			if strings.Contains(cleaned, m) {
				return mc, true
			}
		}
	}
	return ModelCost{}, false
}

// modelNameFixes run in order; "gpt35" becomes "gpt-35" and then "gpt-3.5".
var modelNameFixes = [][2]string{
	{"gpt4", "gpt-4"},
	{"gpt3", "gpt-3"},
	{"gpt-35", "gpt-3.5"},
	{"claude3", "claude-3"},
	{"claude2", "claude-2"},
	{"claude1", "claude-1"},
}

func cleanModelName(name string) string {
	name = strings.ToLower(name)
	for _, f := range modelNameFixes {
		name = strings.ReplaceAll(name, f[0], f[1])
	}
	return name
}
