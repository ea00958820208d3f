package patch

import (
	"fmt"
	"strings"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Marker substrings matched against trimmed lines. The comment leader is the
// task file's own, so detection is a literal substring match, not a prefix
// match.
const (
	BlockStartMarker = "EVOLVE-BLOCK-START"
	BlockEndMarker   = "EVOLVE-BLOCK-END"
)

// WholeFile is the pseudo block name addressing the entire target file.
const WholeFile = "__whole__"

// EvolveBlock is a named, marker-delimited region of the target file.
// StartLine and EndLine are the zero-based marker line indexes; Content is
// the body between them.
type EvolveBlock struct {
	Name      string
	StartLine int
	EndLine   int
	Content   string
}

// ExtractBlocks scans source for evolve blocks. The marker sequence must be
// well-matched and non-nested; any stray or unterminated marker rejects the
// whole file.
func ExtractBlocks(source string) ([]EvolveBlock, error) {
	lines := strings.Split(source, "\n")
	var blocks []EvolveBlock
	activeStart := -1
	var blockLines []string
	blockName := ""

	for idx, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.Contains(trimmed, BlockStartMarker):
			if activeStart >= 0 {
				return nil, errors.WithFields(
					errors.New(errors.PatchApplyError, "nested evolve block"),
					errors.Fields{"line": idx + 1},
				)
			}
			activeStart = idx
			blockLines = nil
			blockName = blockNameFromMarker(trimmed, len(blocks))
		case strings.Contains(trimmed, BlockEndMarker):
			if activeStart < 0 {
				return nil, errors.WithFields(
					errors.New(errors.PatchApplyError, "evolve block end without start"),
					errors.Fields{"line": idx + 1},
				)
			}
			blocks = append(blocks, EvolveBlock{
				Name:      blockName,
				StartLine: activeStart,
				EndLine:   idx,
				Content:   strings.Join(blockLines, "\n"),
			})
			activeStart = -1
			blockLines = nil
		default:
			if activeStart >= 0 {
				blockLines = append(blockLines, line)
			}
		}
	}

	if activeStart >= 0 {
		return nil, errors.WithFields(
			errors.New(errors.PatchApplyError, "unterminated evolve block"),
			errors.Fields{"block": blockName, "line": activeStart + 1},
		)
	}
	return blocks, nil
}

// blockNameFromMarker extracts the name following the start marker, falling
// back to a positional name for anonymous blocks.
func blockNameFromMarker(trimmed string, ordinal int) string {
	pos := strings.Index(trimmed, BlockStartMarker)
	rest := strings.TrimSpace(trimmed[pos+len(BlockStartMarker):])
	if rest == "" {
		return fmt.Sprintf("block_%d", ordinal)
	}
	return strings.Fields(rest)[0]
}

// ReplaceBlock returns source with the named block's body swapped for
// newContent, markers preserved.
func ReplaceBlock(source string, block EvolveBlock, newContent string) string {
	lines := strings.Split(source, "\n")
	head := lines[:block.StartLine+1]
	tail := lines[block.EndLine:]

	var replacement []string
	if newContent != "" {
		replacement = strings.Split(strings.TrimRight(newContent, "\n"), "\n")
	}

	combined := make([]string, 0, len(head)+len(replacement)+len(tail))
	combined = append(combined, head...)
	combined = append(combined, replacement...)
	combined = append(combined, tail...)
	return strings.Join(combined, "\n")
}
