package provider

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

const summarySystemPrompt = "You extract durable long-term memories about a user from conversation transcripts. Reply with JSON only."

const summaryInstructions = `Analyze the following conversation and extract important long-term insights about the user:

%s

Extract:
1. User preferences (things they like or dislike)
2. Important facts about the user
3. Goals or aspirations mentioned
4. Triggers or challenges (anxiety, stress causes)
5. Coping strategies that work for them
6. General context worth remembering

For each insight provide:
- type: preference|fact|goal|trigger|coping|context
- content: the insight itself (1-2 sentences)
- summary: a brief label (5-10 words)
- importance: a score from 0.0 to 1.0

Format as a JSON array:
[
  {
    "type": "preference",
    "content": "User prefers morning therapy sessions",
    "summary": "Prefers morning sessions",
    "importance": 0.7
  }
]

Return ONLY a valid JSON array, nothing else.`

const defaultInsightImportance = 0.5

// BuildSummaryPrompt renders turns as a transcript sorted by turn number.
func BuildSummaryPrompt(turns []Turn) string {
	ordered := make([]Turn, len(turns))
	copy(ordered, turns)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TurnNumber < ordered[j].TurnNumber })

	lines := make([]string, 0, len(ordered))
	for _, t := range ordered {
		lines = append(lines, fmt.Sprintf("[%s]: %s", strings.ToUpper(t.Role), t.Content))
	}
	return fmt.Sprintf(summaryInstructions, strings.Join(lines, "\n\n"))
}

// ParseInsights decodes a model reply into insights. Markdown fences are
// stripped; either a bare array or an object with an "insights" array is
// accepted. Anything else is ErrMalformedOutput. Entries without content
// are skipped.
func ParseInsights(raw string) ([]Insight, error) {
	cleaned := stripFences(raw)
	if !gjson.Valid(cleaned) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedOutput)
	}

	doc := gjson.Parse(cleaned)
	if doc.IsObject() {
		doc = doc.Get("insights")
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: expected a json array", ErrMalformedOutput)
	}

	out := make([]Insight, 0)
	doc.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		content := strings.TrimSpace(item.Get("content").String())
		if content == "" {
			return true
		}
		importance := defaultInsightImportance
		if v := item.Get("importance"); v.Exists() && v.Type == gjson.Number && !math.IsNaN(v.Float()) {
			importance = v.Float()
		}
		out = append(out, Insight{
			Type:       strings.ToLower(strings.TrimSpace(item.Get("type").String())),
			Content:    content,
			Summary:    strings.TrimSpace(item.Get("summary").String()),
			Importance: importance,
		})
		return true
	})
	return out, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "```"), "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
