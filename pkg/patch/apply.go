package patch

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Scope limits which regions a patch may touch.
type Scope string

const (
	ScopeBlocks    Scope = "blocks"
	ScopeWholeFile Scope = "wholefile"
)

// applyStructured applies edits in order. Each search must match exactly once
// in its target region; blocks are re-extracted after every edit because line
// offsets shift.
func applyStructured(source string, edits []Edit, scope Scope) (string, error) {
	updated := source
	for i, edit := range edits {
		var err error
		updated, err = applyOneEdit(updated, edit, scope)
		if err != nil {
			return "", errors.WithFields(err, errors.Fields{"edit": i})
		}
	}
	return updated, nil
}

func applyOneEdit(source string, edit Edit, scope Scope) (string, error) {
	if edit.Block == WholeFile {
		if scope == ScopeBlocks {
			return "", errors.New(errors.PatchApplyError, "whole-file edit attempted in block scope")
		}
		return replaceInRegion(source, edit.Search, edit.Replace)
	}

	blocks, err := ExtractBlocks(source)
	if err != nil {
		return "", err
	}
	var target *EvolveBlock
	for i := range blocks {
		if blocks[i].Name == edit.Block {
			target = &blocks[i]
			break
		}
	}
	if target == nil {
		return "", errors.WithFields(
			errors.New(errors.PatchApplyError, "block not found"),
			errors.Fields{"block": edit.Block},
		)
	}

	newContent, err := replaceInRegion(target.Content, edit.Search, edit.Replace)
	if err != nil {
		return "", errors.WithFields(err, errors.Fields{"block": edit.Block})
	}
	return ReplaceBlock(source, *target, newContent), nil
}

// replaceInRegion swaps search for replace within region. An empty search
// replaces the whole region; otherwise the search must occur exactly once.
func replaceInRegion(region, search, replace string) (string, error) {
	if search == "" {
		return replace, nil
	}
	switch strings.Count(region, search) {
	case 0:
		return "", errors.New(errors.PatchApplyError, "search text not found")
	case 1:
		return strings.Replace(region, search, replace, 1), nil
	default:
		return "", errors.New(errors.PatchApplyError, "search text is ambiguous")
	}
}

// applyUnified applies a standard unified diff. Context and deletion lines
// must match the original exactly; fuzzy matching is not permitted.
func applyUnified(source, diffText string) (string, error) {
	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return "", errors.Wrap(err, errors.PatchParseError, "failed to parse unified diff")
	}

	origLines := strings.Split(source, "\n")
	newLines := make([]string, 0, len(origLines))
	origIdx := 0

	for _, hunk := range fileDiff.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return "", errors.WithFields(
				errors.New(errors.PatchApplyError, "hunk start out of range"),
				errors.Fields{"line": hunk.OrigStartLine},
			)
		}
		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		body := strings.Split(strings.TrimSuffix(string(hunk.Body), "\n"), "\n")
		for _, line := range body {
			if line == `\ No newline at end of file` {
				continue
			}
			var op byte = ' '
			content := ""
			if len(line) > 0 {
				op = line[0]
				content = line[1:]
			}
			switch op {
			case '+':
				newLines = append(newLines, content)
			case '-':
				if origIdx >= len(origLines) || origLines[origIdx] != content {
					return "", errors.WithFields(
						errors.New(errors.PatchApplyError, "deletion does not match original"),
						errors.Fields{"line": origIdx + 1},
					)
				}
				origIdx++
			case ' ':
				if origIdx >= len(origLines) || origLines[origIdx] != content {
					return "", errors.WithFields(
						errors.New(errors.PatchApplyError, "context does not match original"),
						errors.Fields{"line": origIdx + 1},
					)
				}
				newLines = append(newLines, origLines[origIdx])
				origIdx++
			default:
				return "", errors.WithFields(
					errors.New(errors.PatchParseError, "unrecognised hunk line prefix"),
					errors.Fields{"prefix": string(op)},
				)
			}
		}
	}

	newLines = append(newLines, origLines[origIdx:]...)
	return strings.Join(newLines, "\n"), nil
}
