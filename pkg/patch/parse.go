package patch

import (
	"encoding/json"
	"strings"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Format discriminates the two accepted patch wire formats.
type Format string

const (
	FormatStructured Format = "structured"
	FormatUnified    Format = "unified"
)

// Edit is one structured search/replace operation against a block or the
// whole file.
type Edit struct {
	Block   string `json:"block"`
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// Patch is a parsed patch in either wire format.
type Patch struct {
	Format  Format
	Edits   []Edit // structured variant
	Unified string // unified variant, raw diff text
}

// structuredWire is the JSON envelope: {"diffs": [{"block","search","replace"}]}.
type structuredWire struct {
	Diffs []Edit `json:"diffs"`
}

// Parse interprets raw LLM output as a patch. A body that parses as a JSON
// mapping with a "diffs" key becomes structured edits; anything else is
// treated as a unified diff. Markdown code fences around either format are
// stripped.
func Parse(body string) (*Patch, error) {
	text := stripFences(strings.ReplaceAll(body, "\r\n", "\n"))
	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.PatchParseError, "empty patch body")
	}

	var wire structuredWire
	decoder := json.NewDecoder(strings.NewReader(text))
	if err := decoder.Decode(&wire); err == nil {
		var raw map[string]json.RawMessage
		if json.Unmarshal([]byte(text), &raw) == nil {
			if _, ok := raw["diffs"]; ok {
				for i, edit := range wire.Diffs {
					if edit.Block == "" {
						return nil, errors.WithFields(
							errors.New(errors.PatchParseError, "edit missing block name"),
							errors.Fields{"index": i},
						)
					}
				}
				return &Patch{Format: FormatStructured, Edits: wire.Diffs}, nil
			}
		}
	}

	if !looksLikeUnifiedDiff(text) {
		return nil, errors.New(errors.PatchParseError, "patch is neither structured edits nor a unified diff")
	}
	return &Patch{Format: FormatUnified, Unified: text}, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(lines[len(lines)-1], "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func looksLikeUnifiedDiff(text string) bool {
	return strings.Contains(text, "---") &&
		strings.Contains(text, "+++") &&
		strings.Contains(text, "@@")
}
