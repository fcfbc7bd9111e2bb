package hotswap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Module is a unit that is rebuilt and patched as a whole.
type Module struct {
	Name string

	// Sources are the files the module is built from. When set, Rebuild
	// does nothing unless one of them changed since the last patch.
	Sources []string

	Builder Builder
}

// Builder produces a fresh image of a module and returns its path.
type Builder interface {
	Build(ctx context.Context, m Module) (string, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, m Module) (string, error)

func (f BuilderFunc) Build(ctx context.Context, m Module) (string, error) {
	return f(ctx, m)
}

// CommandBuilder runs an external toolchain.
type CommandBuilder struct {
	// Command is the program and its arguments.
	Command []string

	// Dir is the working directory. Output is relative to it.
	Dir string

	// Output is the image the command writes.
	Output string

	// Env is added to the environment of the current process.
	Env []string
}

func (b *CommandBuilder) Build(ctx context.Context, m Module) (string, error) {
	if len(b.Command) == 0 {
		return "", fmt.Errorf("%w: %s: no build command", ErrBuild, m.Name)
	}

	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	if len(b.Env) > 0 {
		cmd.Env = append(os.Environ(), b.Env...)
	}

	log.Debugf("building %s: %v", m.Name, b.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		out = bytes.TrimSpace(out)
		if len(out) > 0 {
			return "", fmt.Errorf("%w: %s: %v\n%s", ErrBuild, m.Name, err, out)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrBuild, m.Name, err)
	}

	output := b.Output
	if !filepath.IsAbs(output) && b.Dir != "" {
		output = filepath.Join(b.Dir, output)
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("%w: %s: no output: %v", ErrBuild, m.Name, err)
	}
	return output, nil
}

// Rebuild builds m and patches the functions that changed. A module whose
// sources are older than its last batch without failures is reported up
// to date without building.
//
// A build failure is returned in the result and as the error, and leaves
// every function of the module as it was.
func (s *Session) Rebuild(ctx context.Context, m Module) (*Result, error) {
	start := time.Now()

	changed, err := s.sourcesChanged(m)
	if err != nil {
		return s.abort(m, err)
	}
	if !changed {
		s.trace(m.Name + ": up to date")
		return &Result{Module: m.Name, UpToDate: true}, nil
	}

	if m.Builder == nil {
		return s.abort(m, fmt.Errorf("%w: %s has no builder", ErrBuild, m.Name))
	}
	path, err := m.Builder.Build(ctx, m)
	if err != nil {
		if !errors.Is(err, ErrBuild) {
			err = fmt.Errorf("%w: %s: %w", ErrBuild, m.Name, err)
		}
		return s.abort(m, err)
	}

	r, err := s.Patch(ctx, path)
	r.Module = m.Name
	// A batch with failures leaves the module stale, so they are retried
	// even when no source changes.
	if err == nil && len(r.Failures) == 0 {
		s.mu.Lock()
		s.lastPatch[m.Name] = start
		s.mu.Unlock()
	}
	return r, err
}

// RebuildAll rebuilds every module in order. A module that fails does not
// stop the others; cancellation does.
func (s *Session) RebuildAll(ctx context.Context, mods []Module) ([]*Result, error) {
	results := make([]*Result, 0, len(mods))
	for _, m := range mods {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := s.Rebuild(ctx, m)
		results = append(results, r)
		if err != nil && ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (s *Session) abort(m Module, err error) (*Result, error) {
	r := &Result{Module: m.Name, Err: err}
	s.trace(m.Name + ": " + r.Status())
	return r, err
}

func (s *Session) sourcesChanged(m Module) (bool, error) {
	if len(m.Sources) == 0 {
		return true, nil
	}

	s.mu.Lock()
	last, ok := s.lastPatch[m.Name]
	s.mu.Unlock()
	if !ok {
		return true, nil
	}

	for _, src := range m.Sources {
		info, err := os.Stat(src)
		if err != nil {
			return false, fmt.Errorf("%s: %w", m.Name, err)
		}
		if info.ModTime().After(last) {
			log.Debugf("%s changed since %s", src, last.Format(time.RFC3339))
			return true, nil
		}
	}
	return false, nil
}
