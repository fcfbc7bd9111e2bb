package hotswap

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/config"
	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/demo"
	"github.com/pboyd/hotswap/journal"
	"github.com/pboyd/hotswap/patch"
)

const sessionConfig = `
[session]
mode = "slot"
journal = "state/journal.db"

[[module]]
name = "demo"
image = "demo.img"
instrument = true
build = ["cp", "built.img", "out/demo.img"]
output = "out/demo.img"
sources = ["widget.src"]

[[module]]
name = "prebuilt"
image = "demo.img"
`

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(sessionConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget.src"), []byte("v2"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, image.WriteFile(filepath.Join(dir, "demo.img"), demo.Image("demo")))
	require.NoError(t, image.WriteFile(filepath.Join(dir, "built.img"), rebuilt()))

	cfg, err := config.Find(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	return cfg
}

func TestModules(t *testing.T) {
	cfg := loadConfig(t)

	mods := Modules(cfg)
	require.Len(t, mods, 2)
	assert.Equal(t, "demo", mods[0].Name)
	assert.Equal(t, []string{filepath.Join(cfg.Dir, "widget.src")}, mods[0].Sources)
	b, ok := mods[0].Builder.(*CommandBuilder)
	require.True(t, ok)
	assert.Equal(t, cfg.Dir, b.Dir)
	assert.Equal(t, "out/demo.img", b.Output)
	assert.Nil(t, mods[1].Builder)

	m, ok := ConfigModule(cfg, "demo")
	require.True(t, ok)
	assert.Equal(t, mods[0].Sources, m.Sources)
	_, ok = ConfigModule(cfg, "nope")
	assert.False(t, ok)
}

func TestSessionFromConfig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cp")
	}
	cfg := loadConfig(t)

	tr := &tracer{}
	s, err := NewSessionFromConfig(demo.Runtime(), cfg, WithTrace(tr.trace))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, patch.ModeSlot, s.mode)
	require.NotNil(t, s.journal)

	reports, err := s.OpenConfig(cfg)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Len(t, s.Snapshots(), 12)

	results, err := s.RebuildAll(context.Background(), Modules(cfg)[:1])
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "patched 4 functions, 1 failed", results[0].Status())
	assert.Equal(t, "cd", call(t, s, funcF, &demo.Widget{}))

	entries, err := s.journal.History(context.Background(), journal.Filter{Session: s.journal.Session()})
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.FileExists(t, filepath.Join(cfg.Dir, "state", "journal.db"))

	results, err = s.RebuildAll(context.Background(), Modules(cfg)[1:])
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrBuild)
}

func TestSessionFromConfigKeepsCallerJournal(t *testing.T) {
	cfg := loadConfig(t)

	j, err := journal.Open(filepath.Join(t.TempDir(), "mine.db"))
	require.NoError(t, err)
	defer j.Close()

	s, err := NewSessionFromConfig(demo.Runtime(), cfg, WithJournal(j))
	require.NoError(t, err)
	assert.Same(t, j, s.journal)
	require.NoError(t, s.Close())

	_, err = j.History(context.Background(), journal.Filter{})
	assert.NoError(t, err)
}
