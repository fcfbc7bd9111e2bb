//go:build amd64

package hotswap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/hotswap/image"
	"github.com/pboyd/hotswap/internal/demo"
	"github.com/pboyd/hotswap/patch"
)

func TestPatchNative(t *testing.T) {
	s, tr := open(t)
	c := &demo.Counter{}
	assert.Equal(t, 10, c.Scale(5))

	img := demo.Image(demo.RebuiltName)
	demo.Rewrite(img.Function(funcScale), func(a *image.Asm) {
		a.Ldarg(1).LdcI4(3).Op(image.Mul).Ret()
	})

	r, err := s.PatchImage(context.Background(), img)
	require.NoError(t, err)
	require.NoError(t, r.Errors())
	assert.Equal(t, []string{funcScale}, r.Patched)
	assert.Contains(t, tr.text(), "patched "+funcScale+" (direct)")

	// Go callers now run the new body.
	assert.Equal(t, 15, c.Scale(5))

	snap, _ := s.Snapshot(funcScale)
	assert.Equal(t, patch.StrategyDirect, snap.Strategy)
}
