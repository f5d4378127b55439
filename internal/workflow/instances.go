// ABOUTME: Built-in workflow instances over the concepts and questions tables.
// ABOUTME: Each entry is configuration data; the engine in internal/worker is shared.
package workflow

import (
	"fmt"
	"strings"

	"github.com/hummingbirdtestai/gapfill/internal/decode"
)

// buzzwordCount is the fixed list size the buzzword prompt asks for; the
// decoder enforces it so a rambling reply fails the row instead of storing a
// wrong-shaped list.
const buzzwordCount = 10

const summaryPrompt = `You are an expert medical educator preparing exam revision material.

Summarize the concept below for a postgraduate entrance exam aspirant.
Respond with a single JSON object of this exact shape:
{"summary": "<3-4 sentence summary>", "key_points": ["<point>", ...]}

Concept title: %s

Concept body:
%s`

const buzzwordPrompt = `You are an expert medical educator.

Extract exactly %d exam buzzwords from the concept below. A buzzword is a
short phrase an examiner uses as a pathognomonic cue. Respond with a JSON
array of exactly %d strings and nothing else.

Concept title: %s

Concept body:
%s`

const explanationPrompt = `You are an expert medical educator writing answer explanations.

Write a Markdown explanation for the exam question below. Structure it as:
a one-line answer, a "Why" section, and a "Rule out" section covering the
distractor options. Do not wrap the reply in a code fence.

Question:
%s

Options (JSON):
%s`

const highYieldPrompt = `You are an expert medical educator.

From the exam question below, produce a JSON array of 3 to 8 high-yield fact
objects of the shape {"fact": "<statement>", "tag": "<one-word topic>"}.
Respond with the JSON array and nothing else.

Question:
%s

Options (JSON):
%s`

// BuiltIn returns a registry populated with the shipped workflow instances.
func BuiltIn() (*Registry, error) {
	r := NewRegistry()
	for _, wf := range []*Workflow{
		{
			Name:         "concept-summary",
			Table:        "concepts",
			InputColumns: []string{"title", "body"},
			OutputColumn: "summary",
			JSONOutput:   true,
			Prompt: func(item Item) string {
				return fmt.Sprintf(summaryPrompt, item.Inputs["title"], item.Inputs["body"])
			},
			Decode: func(raw string) (string, error) {
				payload, err := decode.Object(raw)
				if err != nil {
					return "", err
				}
				// The summary object is useless without both fields.
				for _, field := range []string{`"summary"`, `"key_points"`} {
					if !strings.Contains(payload, field) {
						return "", fmt.Errorf("missing %s field", field)
					}
				}
				return payload, nil
			},
		},
		{
			Name:         "concept-buzzwords",
			Table:        "concepts",
			InputColumns: []string{"title", "body"},
			OutputColumn: "buzzwords",
			JSONOutput:   true,
			Prompt: func(item Item) string {
				return fmt.Sprintf(buzzwordPrompt, buzzwordCount, buzzwordCount, item.Inputs["title"], item.Inputs["body"])
			},
			Decode: func(raw string) (string, error) {
				return decode.ArrayLen(raw, buzzwordCount)
			},
		},
		{
			Name:            "question-explanation",
			Table:           "questions",
			InputColumns:    []string{"stem", "options"},
			OutputColumn:    "explanation",
			LockOwnerColumn: "explanation_lock_owner",
			LockTimeColumn:  "explanation_locked_at",
			Prompt: func(item Item) string {
				return fmt.Sprintf(explanationPrompt, item.Inputs["stem"], item.Inputs["options"])
			},
			Decode: decode.Markdown,
		},
		{
			Name:         "question-high-yield",
			Table:        "questions",
			InputColumns: []string{"stem", "options"},
			OutputColumn: "high_yield",
			JSONOutput:   true,
			Prompt: func(item Item) string {
				return fmt.Sprintf(highYieldPrompt, item.Inputs["stem"], item.Inputs["options"])
			},
			Decode: decode.Array,
		},
	} {
		if err := r.Register(wf); err != nil {
			return nil, err
		}
	}
	return r, nil
}
