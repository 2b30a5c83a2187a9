package agent

import (
	"context"
	"strings"
)

// StaticAgent is an in-process planner for local runs and tests. It
// pattern-matches the input against a few destinations and otherwise
// returns a generic planning response, so the streaming path always has
// something multi-sentence to chunk.
type StaticAgent struct{}

func NewStaticAgent() *StaticAgent {
	return &StaticAgent{}
}

func (a *StaticAgent) Name() string { return "static" }

var cannedResponses = map[string]string{
	"tokyo": "Tokyo works well as a five day trip. Base yourself in Shinjuku for transit access, " +
		"spend day one around Asakusa and the Senso-ji temple, day two in Shibuya and Harajuku, " +
		"and keep one day free for a side trip to Kamakura or Nikko. Book the teamLab tickets " +
		"ahead of time since they sell out most weekends.",
	"paris": "For Paris, three or four nights covers the essentials without rushing. Stay near " +
		"the Marais, do the Louvre early on a weekday, walk the Seine to the Eiffel Tower at " +
		"dusk, and reserve a long lunch in the 11th arrondissement. The museum pass pays for " +
		"itself after two entries.",
	"lisbon": "Lisbon is a strong shoulder-season pick. Alfama and Baixa fill two days, then " +
		"take the train out to Sintra for the palaces and Cascais for the coast. Wear real " +
		"shoes, the hills and cobbles are no joke.",
}

func (a *StaticAgent) RunWithTools(ctx context.Context, input string, tctx Context, tools []string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lowered := strings.ToLower(input)
	for key, resp := range cannedResponses {
		if strings.Contains(lowered, key) {
			return &Result{
				Content:   resp,
				ToolCalls: []ToolCall{{Name: "destination_lookup", Arguments: map[string]any{"query": key}}},
			}, nil
		}
	}

	return &Result{
		Content: "Happy to help plan that. Tell me roughly when you want to travel, for how " +
			"long, and what kind of trip you are after, and I will sketch an itinerary with " +
			"day-by-day suggestions.",
	}, nil
}
