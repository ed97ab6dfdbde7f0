package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats records what was done to a tool-call argument string
type RepairStats struct {
	OriginalBytes int      `json:"original_bytes"`
	RepairedBytes int      `json:"repaired_bytes"`
	Strategies    []string `json:"strategies"`
	WasRepaired   bool     `json:"was_repaired"`
}

var (
	codeFence     = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// RepairToolArguments returns raw as a valid JSON object, fixing what models commonly get wrong:
// empty arguments, markdown fences, trailing commas and unclosed braces.
// Anything else is handed to jsonrepair.
func RepairToolArguments(raw string) (string, RepairStats, error) {
	stats := RepairStats{OriginalBytes: len(raw)}
	s := strings.TrimSpace(raw)

	if s == "" {
		stats.WasRepaired = raw != "{}"
		stats.Strategies = append(stats.Strategies, "empty")
		stats.RepairedBytes = 2
		return "{}", stats, nil
	}
	if isJSONObject(s) {
		stats.RepairedBytes = len(s)
		return s, stats, nil
	}

	stats.WasRepaired = true

	if m := codeFence.FindStringSubmatch(s); m != nil {
		s = m[1]
		stats.Strategies = append(stats.Strategies, "code_fence")
	}
	if trailingComma.MatchString(s) {
		s = trailingComma.ReplaceAllString(s, "$1")
		stats.Strategies = append(stats.Strategies, "trailing_commas")
	}
	if closed := closeBrackets(s); closed != s {
		s = closed
		stats.Strategies = append(stats.Strategies, "completion")
	}

	if !isJSONObject(s) {
		repaired, err := jsonrepair.JSONRepair(s)
		if err == nil {
			s = repaired
			stats.Strategies = append(stats.Strategies, "jsonrepair_library")
		}
	}

	stats.RepairedBytes = len(s)
	if !isJSONObject(s) {
		return s, stats, fmt.Errorf("tool arguments are not a JSON object after %d repair strategies", len(stats.Strategies))
	}
	return s, stats, nil
}

func isJSONObject(s string) bool {
	var obj map[string]any
	return json.Unmarshal([]byte(s), &obj) == nil
}

// closeBrackets appends the closers of any braces or brackets left open, ignoring ones inside strings
func closeBrackets(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}
