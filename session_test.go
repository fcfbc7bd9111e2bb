package hotswap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/fingerprint"
	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/demo"
	"github.com/pboyd/hotswap/journal"
	"github.com/pboyd/hotswap/live"
	"github.com/pboyd/hotswap/patch"
)

const (
	funcF        = "string demo.Widget::F()"
	funcGet      = "int demo.Widget::Get()"
	funcBoth     = "string demo.Calc::Both(int,int,string,string)"
	funcTriangle = "int demo.Calc::Triangle(int)"
	funcMax      = "int demo.Calc::Max(int,int)"
	funcBoxed    = "int demo.Calc::Boxed(int)"
	funcScale    = "int demo.Counter::Scale(int)"
)

type tracer struct {
	lines []string
	hook  func(line string)
}

func (tr *tracer) trace(line string) {
	tr.lines = append(tr.lines, line)
	if tr.hook != nil {
		tr.hook(line)
	}
}

func (tr *tracer) text() string {
	return strings.Join(tr.lines, "\n")
}

// open starts a session on an instrumented copy of the demo module.
func open(t *testing.T, opts ...Option) (*Session, *tracer) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "demo.img")
	require.NoError(t, image.WriteFile(path, demo.Image("demo")))

	tr := &tracer{}
	s := NewSession(demo.Runtime(), append([]Option{WithTrace(tr.trace)}, opts...)...)
	report, err := s.Open(path, true)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	return s, tr
}

func method(t *testing.T, s *Session, name string) *live.Method {
	t.Helper()
	fn := demo.Image("demo").Function(name)
	require.NotNil(t, fn, name)
	m, err := s.res.Method(fn.Ref())
	require.NoError(t, err)
	return m
}

func call(t *testing.T, s *Session, name string, args ...any) any {
	t.Helper()
	v, err := method(t, s, name).Call(args...)
	require.NoError(t, err)
	return v
}

// rebuilt returns a rebuild of the demo module with five changed
// functions. Widget::Get now calls into a module that isn't loaded.
func rebuilt() *image.Image {
	img := demo.Image(demo.RebuiltName)
	scope := img.Identity

	demo.WidgetF(img.Function(funcF), scope, "c", "d")
	demo.CalcTriangle(img.Function(funcTriangle), 2)
	demo.Rewrite(img.Function(funcGet), func(a *image.Asm) {
		missing := demo.Ref("other, Version=1.0.0.0", "Missing")
		a.Call(image.MethodRef(missing, "Get", demo.Int)).Ret()
	})
	demo.Rewrite(img.Function(funcMax), func(a *image.Asm) {
		second := a.NewLabel()
		a.Ldarg(1).Ldarg(2).Call(demo.CompareRef(scope, demo.Int))
		a.LdcI4(0).Branch(image.Bgt, second)
		a.Ldarg(1).Ret()
		a.Mark(second)
		a.Ldarg(2).Ret()
	})
	demo.Rewrite(img.Function(funcBoxed), func(a *image.Asm) {
		a.Ldarg(1).LdcI4(1).Op(image.Add).Ret()
	})
	return img
}

func TestOpen(t *testing.T) {
	s, _ := open(t)

	snaps := s.Snapshots()
	assert.Len(t, snaps, 12)
	for _, snap := range snaps {
		assert.NotNil(t, snap.Method, snap.Func)
		assert.Equal(t, patch.StrategyNone, snap.Strategy, snap.Func)
	}

	snap, ok := s.Snapshot(funcF)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Of(demo.Image("demo").Function(funcF)), snap.Fingerprint)

	w := &demo.Widget{}
	assert.Equal(t, "ab", call(t, s, funcF, w))
	assert.Equal(t, 1, w.A())
}

func TestTrackKeepsFirstSnapshot(t *testing.T) {
	s, _ := open(t)
	before, _ := s.Snapshot(funcF)

	assert.Zero(t, s.Track(rebuilt()))
	after, _ := s.Snapshot(funcF)
	assert.Equal(t, before.Fingerprint, after.Fingerprint)
}

func TestFailureContainment(t *testing.T) {
	s, tr := open(t)

	r, err := s.PatchImage(context.Background(), rebuilt())
	require.NoError(t, err)

	assert.Equal(t, demo.RebuiltName, r.Module)
	assert.Equal(t, []string{funcF, funcTriangle, funcMax, funcBoxed}, r.Patched)
	assert.Equal(t, 7, r.Unchanged)
	assert.Zero(t, r.Skipped)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, funcGet, r.Failures[0].Func)
	assert.ErrorIs(t, r.Failures[0], ErrUnresolvable)
	assert.ErrorIs(t, r.Errors(), ErrUnresolvable)
	assert.Equal(t, "patched 4 functions, 1 failed", r.Status())

	w := &demo.Widget{}
	assert.Equal(t, "cd", call(t, s, funcF, w))
	assert.Equal(t, 1, call(t, s, funcGet, w))
	c := &demo.Calc{}
	assert.Equal(t, 6, call(t, s, funcTriangle, c, 4))
	assert.Equal(t, 7, call(t, s, funcMax, c, 7, 9))
	assert.Equal(t, 6, call(t, s, funcBoxed, c, 5))
	assert.Equal(t, "9!?", call(t, s, funcBoth, c, 4, 5, "!", "?"))

	snap, _ := s.Snapshot(funcF)
	assert.Equal(t, patch.StrategySlot, snap.Strategy)
	assert.NotNil(t, snap.Unit)
	snap, _ = s.Snapshot(funcGet)
	assert.Nil(t, snap.Unit)
	assert.Equal(t, fingerprint.Of(demo.Image("demo").Function(funcGet)), snap.Fingerprint)

	assert.Contains(t, tr.text(), "patched "+funcF+" (slot)")
	assert.Contains(t, tr.text(), "failed "+funcGet+": ")
	assert.Contains(t, tr.text(), "unresolvable reference")
	assert.Contains(t, tr.text(), "unchanged "+funcBoth)

	// Only the failed function is attempted again.
	r, err = s.PatchImage(context.Background(), rebuilt())
	require.NoError(t, err)
	assert.Empty(t, r.Patched)
	assert.Equal(t, 11, r.Unchanged)
	require.Len(t, r.Failures, 1)
	assert.True(t, strings.HasPrefix(r.Status(), "failed: "+funcGet))
}

func TestPatchChain(t *testing.T) {
	s, _ := open(t)

	for _, label := range []string{"x", "y", "z"} {
		img := demo.Image(demo.RebuiltName)
		demo.WidgetF(img.Function(funcF), img.Identity, label, "!")
		r, err := s.PatchImage(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, []string{funcF}, r.Patched)
		assert.Equal(t, label+"!", call(t, s, funcF, &demo.Widget{}))
	}
}

func TestPatchSkipsUntracked(t *testing.T) {
	s, tr := open(t)

	img := demo.Image(demo.RebuiltName)
	extra := img.Type("demo.Calc").AddFunction("Extra", demo.Int)
	demo.Rewrite(extra, func(a *image.Asm) { a.LdcI4(1).Ret() })

	r, err := s.PatchImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 12, r.Unchanged)
	assert.Equal(t, "no changes", r.Status())
	assert.Contains(t, tr.text(), "skipped int demo.Calc::Extra(): not loaded")
}

func TestPatchCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, tr := open(t)
	tr.hook = func(line string) {
		if strings.HasPrefix(line, "patched ") {
			cancel()
		}
	}

	r, err := s.PatchImage(ctx, rebuilt())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{funcF}, r.Patched)
	assert.Equal(t, "cd", call(t, s, funcF, &demo.Widget{}))
	assert.Equal(t, 10, call(t, s, funcTriangle, &demo.Calc{}, 4))

	tr.hook = nil
	r, err = s.PatchImage(context.Background(), rebuilt())
	require.NoError(t, err)
	assert.Equal(t, []string{funcTriangle, funcMax, funcBoxed}, r.Patched)
	assert.Len(t, r.Failures, 1)
	assert.Equal(t, 6, call(t, s, funcTriangle, &demo.Calc{}, 4))
}

func TestPatchFile(t *testing.T) {
	s, _ := open(t)

	path := filepath.Join(t.TempDir(), "rebuilt.img")
	require.NoError(t, image.WriteFile(path, rebuilt()))
	r, err := s.Patch(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, r.Patched, 4)

	r, err = s.Patch(context.Background(), filepath.Join(t.TempDir(), "missing.img"))
	assert.Error(t, err)
	assert.Equal(t, err, r.Err)
	assert.True(t, strings.HasPrefix(r.Status(), "failed: "))
}

func TestSlotModeWithoutSlot(t *testing.T) {
	s, _ := open(t, WithMode(patch.ModeSlot))

	img := demo.Image(demo.RebuiltName)
	demo.Rewrite(img.Function(funcScale), func(a *image.Asm) {
		a.Ldarg(1).LdcI4(3).Op(image.Mul).Ret()
	})

	r, err := s.PatchImage(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, r.Failures, 1)
	assert.ErrorIs(t, r.Failures[0], ErrUnsupported)
	snap, _ := s.Snapshot(funcScale)
	assert.Equal(t, patch.StrategyNone, snap.Strategy)
}

func TestJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	s, _ := open(t, WithJournal(j))
	_, err = s.PatchImage(context.Background(), rebuilt())
	require.NoError(t, err)

	entries, err := j.History(context.Background(), journal.Filter{Session: j.Session()})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	failed := 0
	for _, e := range entries {
		assert.Equal(t, demo.RebuiltName, e.Module)
		if !e.OK() {
			failed++
			assert.Equal(t, funcGet, e.Func)
			assert.Equal(t, "none", e.Strategy)
			continue
		}
		assert.Equal(t, "slot", e.Strategy)
	}
	assert.Equal(t, 1, failed)

	entries, err = j.History(context.Background(), journal.Filter{Func: funcF})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	snap, _ := s.Snapshot(funcF)
	assert.Equal(t, snap.Fingerprint.Hash.String(), entries[0].Hash)
}
