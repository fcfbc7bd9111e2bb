package hotswap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/demo"
	"github.com/pboyd/hotswap/live"
)

func TestRebuild(t *testing.T) {
	s, _ := open(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "widget.src")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))

	builds := 0
	m := Module{
		Name:    "demo",
		Sources: []string{src},
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			builds++
			img := demo.Image(demo.RebuiltName)
			demo.WidgetF(img.Function(funcF), img.Identity, "c", "d")
			out := filepath.Join(dir, "demo--hotpatch.img")
			return out, image.WriteFile(out, img)
		}),
	}

	r, err := s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
	assert.Equal(t, "demo", r.Module)
	assert.Equal(t, []string{funcF}, r.Patched)
	assert.Equal(t, "cd", call(t, s, funcF, &demo.Widget{}))

	r, err = s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
	assert.True(t, r.UpToDate)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, later, later))
	r, err = s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.False(t, r.UpToDate)
	assert.Empty(t, r.Patched)
	assert.Equal(t, 12, r.Unchanged)
}

type missing struct{}

func TestRebuildRetriesFailures(t *testing.T) {
	s, _ := open(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "widget.src")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, past, past))

	builds := 0
	m := Module{
		Name:    "demo",
		Sources: []string{src},
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			builds++
			out := filepath.Join(dir, "demo--hotpatch.img")
			return out, image.WriteFile(out, rebuilt())
		}),
	}

	r, err := s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "patched 4 functions, 1 failed", r.Status())

	// Widget::Get can resolve once the module it calls is loaded.
	other := s.Runtime().Load("other, Version=1.0.0.0")
	live.Class[missing](other, demo.Namespace, "Missing").StaticMethod("Get", func() int { return 99 })

	r, err = s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.False(t, r.UpToDate)
	assert.Equal(t, []string{funcGet}, r.Patched)
	assert.Empty(t, r.Failures)
	assert.Equal(t, 99, call(t, s, funcGet, &demo.Widget{}))

	r, err = s.Rebuild(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.True(t, r.UpToDate)
}

func TestRebuildWithoutSources(t *testing.T) {
	s, _ := open(t)

	builds := 0
	m := Module{
		Name: "demo",
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			builds++
			out := filepath.Join(t.TempDir(), "demo.img")
			return out, image.WriteFile(out, demo.Image(demo.RebuiltName))
		}),
	}
	for range 2 {
		r, err := s.Rebuild(context.Background(), m)
		require.NoError(t, err)
		assert.Equal(t, "no changes", r.Status())
	}
	assert.Equal(t, 2, builds)
}

func TestRebuildFailure(t *testing.T) {
	s, tr := open(t)

	r, err := s.Rebuild(context.Background(), Module{
		Name: "demo",
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			return "", errors.New("syntax error")
		}),
	})
	assert.ErrorIs(t, err, ErrBuild)
	assert.ErrorIs(t, r.Err, ErrBuild)
	assert.Equal(t, "failed: build failure: demo: syntax error", r.Status())
	assert.Contains(t, tr.text(), "demo: failed: build failure")
	assert.Equal(t, "ab", call(t, s, funcF, &demo.Widget{}))

	_, err = s.Rebuild(context.Background(), Module{Name: "nobuilder"})
	assert.ErrorIs(t, err, ErrBuild)

	_, err = s.Rebuild(context.Background(), Module{
		Name:    "missing",
		Sources: []string{filepath.Join(t.TempDir(), "gone.src")},
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			return "", nil
		}),
	})
	// Sources are only checked once the module has been patched.
	assert.Error(t, err)
}

func TestRebuildAll(t *testing.T) {
	s, _ := open(t)

	fail := Module{
		Name: "broken",
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			return "", errors.New("no compiler")
		}),
	}
	ok := Module{
		Name: "demo",
		Builder: BuilderFunc(func(ctx context.Context, m Module) (string, error) {
			out := filepath.Join(t.TempDir(), "demo.img")
			return out, image.WriteFile(out, rebuilt())
		}),
	}

	results, err := s.RebuildAll(context.Background(), []Module{fail, ok})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrBuild)
	assert.Len(t, results[1].Patched, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = s.RebuildAll(ctx, []Module{ok})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestCommandBuilder(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cp, true and false")
	}
	s, _ := open(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "built.img")
	require.NoError(t, image.WriteFile(src, rebuilt()))

	r, err := s.Rebuild(context.Background(), Module{
		Name: "demo",
		Builder: &CommandBuilder{
			Command: []string{"cp", src, "out.img"},
			Dir:     dir,
			Output:  "out.img",
		},
	})
	require.NoError(t, err)
	assert.Len(t, r.Patched, 4)

	tests := map[string]*CommandBuilder{
		"no command":     {},
		"command fails":  {Command: []string{"false"}, Dir: dir, Output: "out.img"},
		"missing output": {Command: []string{"true"}, Dir: dir, Output: "nothing.img"},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build(context.Background(), Module{Name: "demo"})
			assert.ErrorIs(t, err, ErrBuild)
		})
	}
}
