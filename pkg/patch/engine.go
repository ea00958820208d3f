package patch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

// Engine applies parsed patches to the target file with snapshot and revert.
// The target file is shared mutable state: Lock is held by the caller for the
// whole snapshot, apply, evaluate, commit-or-revert window.
type Engine struct {
	scope Scope
	mu    sync.Mutex
}

// NewEngine creates a patch engine for the given scope.
func NewEngine(scope Scope) *Engine {
	return &Engine{scope: scope}
}

// Lock acquires the run-scoped target file lock.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock releases the run-scoped target file lock.
func (e *Engine) Unlock() { e.mu.Unlock() }

// Outcome is the result of one safe apply.
type Outcome struct {
	// Snapshot holds the target file's bytes before application.
	Snapshot []byte

	// NewSource is the file content after a successful application.
	NewSource string
}

// Apply snapshots the target file, applies the patch to a working copy, and
// atomically replaces the file. On any application error the file on disk is
// untouched. The caller must hold Lock.
func (e *Engine) Apply(path string, p *Patch) (*Outcome, error) {
	snapshot, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.PatchApplyError, "failed to read target file"),
			errors.Fields{"path": path},
		)
	}
	source := string(snapshot)

	// Marker well-formedness is checked up front even for whole-file patches
	// so a corrupted target is rejected before any bytes change.
	if _, err := ExtractBlocks(source); err != nil {
		return nil, err
	}

	var updated string
	switch p.Format {
	case FormatStructured:
		updated, err = applyStructured(source, p.Edits, e.scope)
	case FormatUnified:
		updated, err = applyUnified(source, p.Unified)
	default:
		err = errors.New(errors.PatchParseError, "unknown patch format")
	}
	if err != nil {
		return nil, err
	}

	if err := atomicWrite(path, []byte(updated)); err != nil {
		return nil, err
	}
	return &Outcome{Snapshot: snapshot, NewSource: updated}, nil
}

// Revert restores the pre-apply snapshot bit-exact. A failed revert is fatal
// for the run.
func (e *Engine) Revert(path string, snapshot []byte) error {
	if err := atomicWriteCode(path, snapshot, errors.PatchRevertError); err != nil {
		return err
	}
	return nil
}

func atomicWrite(path string, content []byte) error {
	return atomicWriteCode(path, content, errors.PatchApplyError)
}

// atomicWriteCode writes via a temp file in the target's directory followed
// by rename, so readers never observe a half-written file. The target's
// permission bits carry over.
func atomicWriteCode(path string, content []byte, code errors.ErrorCode) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".evolve-*")
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, code, "failed to create temp file"),
			errors.Fields{"path": path},
		)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WithFields(
			errors.Wrap(err, code, "failed to set temp file mode"),
			errors.Fields{"path": path},
		)
	}

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WithFields(
			errors.Wrap(err, code, "failed to write temp file"),
			errors.Fields{"path": path},
		)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WithFields(
			errors.Wrap(err, code, "failed to close temp file"),
			errors.Fields{"path": path},
		)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.WithFields(
			errors.Wrap(err, code, "failed to replace target file"),
			errors.Fields{"path": path},
		)
	}
	return nil
}
