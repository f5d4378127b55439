// ABOUTME: Strict decoder for LLM text replies: fence stripping, brace location, shape checks.
// ABOUTME: Shared by every workflow so response parsing is written (and tested) exactly once.
package decode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON object or array out of a model reply.
// Models routinely wrap structured output in Markdown code fences or preface
// it with prose; this strips a leading fence block and then falls back to
// first/last brace or bracket matching. The boolean is false when no JSON
// payload could be located.
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return "", false
		}
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "{") {
		if end := strings.LastIndexByte(s, '}'); end > 0 {
			return s[:end+1], true
		}
	}
	if strings.HasPrefix(s, "[") {
		if end := strings.LastIndexByte(s, ']'); end > 0 {
			return s[:end+1], true
		}
	}

	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start != -1 && end > start {
		return s[start : end+1], true
	}
	if start, end := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); start != -1 && end > start {
		return s[start : end+1], true
	}
	return "", false
}

// Object extracts and strictly parses a single JSON object.
func Object(raw string) (string, error) {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return "", fmt.Errorf("no JSON payload in reply")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return "", fmt.Errorf("parse object: %w", err)
	}
	return payload, nil
}

// Array extracts and strictly parses a JSON array, requiring at least one
// element.
func Array(raw string) (string, error) {
	payload, elems, err := parseArray(raw)
	if err != nil {
		return "", err
	}
	if len(elems) == 0 {
		return "", fmt.Errorf("empty array in reply")
	}
	return payload, nil
}

// ArrayLen extracts a JSON array and requires exactly n elements. Workflows
// that ask the model for a fixed-size list use this as their shape check.
func ArrayLen(raw string, n int) (string, error) {
	payload, elems, err := parseArray(raw)
	if err != nil {
		return "", err
	}
	if len(elems) != n {
		return "", fmt.Errorf("expected array of length %d, got %d", n, len(elems))
	}
	return payload, nil
}

func parseArray(raw string) (string, []json.RawMessage, error) {
	payload, ok := ExtractJSON(raw)
	if !ok {
		return "", nil, fmt.Errorf("no JSON payload in reply")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &elems); err != nil {
		return "", nil, fmt.Errorf("parse array: %w", err)
	}
	return payload, elems, nil
}

// Markdown unwraps an optional code fence and requires non-empty prose. Used
// by workflows whose output column holds Markdown rather than JSON.
func Markdown(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return "", fmt.Errorf("empty reply")
	}
	return s, nil
}
