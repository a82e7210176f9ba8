package eject

import (
	"context"
	"errors"
	"testing"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/platform/platformtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPatterns = []string{`USBSTOR\`, `USB\VID_`}

// chain 建立 leaf -> iface -> dev -> hub 的设备树
func chain(t *testing.T) *platformtest.Backend {
	t.Helper()
	b := platformtest.NewBackend()
	b.SetNode("hub", "", `USB\ROOT_HUB30\4&1`)
	b.SetNode("dev", "hub", `USB\VID_0781&PID_5567\4C53`)
	b.SetNode("iface", "dev", `USBSTOR\DISK&VEN_SANDISK`)
	b.SetNode("leaf", "iface", `STORAGE\VOLUME\1`)
	return b
}

func TestAncestry_StartsAtNearestRemovalUnit(t *testing.T) {
	t.Parallel()

	it := NewAncestry(chain(t), "leaf", testPatterns, 8)
	var got []model.NodeID
	for n, ok := it.Next(); ok; n, ok = it.Next() {
		got = append(got, n)
	}
	assert.Equal(t, []model.NodeID{"iface", "dev", "hub"}, got)
}

func TestAncestry_NoRemovalUnitUsesLeaf(t *testing.T) {
	t.Parallel()

	b := platformtest.NewBackend()
	b.SetNode("p", "", `PCI\VEN_8086`)
	b.SetNode("x", "p", `HID\VID_1`)
	it := NewAncestry(b, "x", testPatterns, 8)

	n, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, model.NodeID("x"), n)
	n, ok = it.Next()
	require.True(t, ok)
	assert.Equal(t, model.NodeID("p"), n)
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestAncestry_HopBound(t *testing.T) {
	t.Parallel()

	it := NewAncestry(chain(t), "leaf", testPatterns, 2)
	count := 0
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		count++
	}
	assert.Equal(t, 2, count)

	_, ok := NewAncestry(chain(t), "", testPatterns, 8).Next()
	assert.False(t, ok, "empty leaf yields nothing")
}

func TestIsRemovalUnit_CaseInsensitive(t *testing.T) {
	t.Parallel()

	b := platformtest.NewBackend()
	b.SetNode("n", "", `usb\vid_0781&pid_5567\x`)
	assert.True(t, IsRemovalUnit(b, "n", testPatterns))
	assert.False(t, IsRemovalUnit(b, "missing", testPatterns))
	assert.False(t, IsRemovalUnit(b, "n", nil))
}

func TestWalk_LeafVetoedParentAccepts(t *testing.T) {
	t.Parallel()

	b := chain(t)
	b.SetEjectErr("iface", &platform.VetoError{Node: "iface", Reason: "in use", Holder: "vim (pid 9)"})

	res := Walk(context.Background(), b, "leaf", testPatterns, 8)
	require.Equal(t, WalkSuccess, res.Kind)
	assert.Equal(t, model.NodeID("dev"), res.Node)
	assert.False(t, res.Fallback)
	require.Len(t, res.Vetoes, 1)
	assert.Equal(t, "vim (pid 9)", res.Vetoes[0].Holder)

	ejects, removes := b.Calls()
	assert.Equal(t, []model.NodeID{"iface", "dev"}, ejects)
	assert.Empty(t, removes)
}

func TestWalk_FallbackOnLastCandidate(t *testing.T) {
	t.Parallel()

	b := chain(t)
	for _, n := range []model.NodeID{"iface", "dev", "hub"} {
		b.SetEjectErr(n, errors.New("denied"))
	}

	res := Walk(context.Background(), b, "leaf", testPatterns, 8)
	require.Equal(t, WalkSuccess, res.Kind)
	assert.True(t, res.Fallback)
	assert.Equal(t, model.NodeID("hub"), res.Node)
	assert.Len(t, res.Vetoes, 3)

	_, removes := b.Calls()
	assert.Equal(t, []model.NodeID{"hub"}, removes, "one subtree removal only")
}

func TestWalk_Exhausted(t *testing.T) {
	t.Parallel()

	b := chain(t)
	for _, n := range []model.NodeID{"iface", "dev", "hub"} {
		b.SetEjectErr(n, errors.New("denied"))
	}
	b.SetRemoveErr("hub", &platform.VetoError{Node: "hub", Reason: "volume mounted at /media/x"})

	res := Walk(context.Background(), b, "leaf", testPatterns, 8)
	assert.Equal(t, WalkExhausted, res.Kind)
	assert.NoError(t, res.Err)
	require.Len(t, res.Vetoes, 4)
	assert.Equal(t, "volume mounted at /media/x", res.Vetoes[3].Reason)
}

func TestWalk_RespectsHopBound(t *testing.T) {
	t.Parallel()

	b := chain(t)
	for _, n := range []model.NodeID{"iface", "dev", "hub"} {
		b.SetEjectErr(n, errors.New("denied"))
	}

	Walk(context.Background(), b, "leaf", testPatterns, 2)
	ejects, removes := b.Calls()
	assert.Equal(t, []model.NodeID{"iface", "dev"}, ejects)
	assert.Equal(t, []model.NodeID{"dev"}, removes)
}

func TestWalk_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := chain(t)
	res := Walk(ctx, b, "leaf", testPatterns, 8)
	assert.Equal(t, WalkExhausted, res.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)

	ejects, removes := b.Calls()
	assert.Empty(t, ejects)
	assert.Empty(t, removes)
}
