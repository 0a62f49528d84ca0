package inference

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ashita-ai/tabi/internal/model"
)

// braceRe matches from the first '{' to the last '}'.
var braceRe = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractOutput parses a model reply as an Output. The whole reply is tried
// first; on failure the first brace-delimited substring is parsed instead,
// which tolerates prose or code fences around the object.
func ExtractOutput(text string) (model.Output, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyCompletion
	}
	out, err := model.UnmarshalOutput([]byte(trimmed))
	if err == nil {
		return out, nil
	}
	m := braceRe.FindString(trimmed)
	if m == "" || m == trimmed {
		return nil, fmt.Errorf("inference: parse output: %w", err)
	}
	out, err2 := model.UnmarshalOutput([]byte(m))
	if err2 != nil {
		return nil, fmt.Errorf("inference: parse extracted output: %w", err2)
	}
	return out, nil
}
