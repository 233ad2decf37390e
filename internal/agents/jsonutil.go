package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// fencedObjectPattern matches an object inside a markdown code block
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// objectPattern is the greedy fallback for bare objects
	objectPattern        = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

var errNoJSON = errors.New("no JSON object in model output")

// ExtractJSON pulls the first JSON object out of model output, tolerating
// markdown fences and trailing commas.
func ExtractJSON(content string) string {
	raw := ""
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := objectPattern.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return ""
	}
	return trailingCommaPattern.ReplaceAllString(strings.TrimSpace(raw), "$1")
}

// decodeModelJSON extracts and unmarshals a JSON object from model output.
func decodeModelJSON(content string, dest any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("malformed model JSON: %w", err)
	}
	return nil
}
