package ringbuffer

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foam-ao/core/internal/frame"
)

func mkFrame(w, h int, val uint16) *frame.Frame {
	pix := make([]uint16, w*h)
	for i := range pix {
		pix[i] = val
	}
	return &frame.Frame{W: w, H: h, Pix: pix}
}

func TestPush_TracksCountAndBytes(t *testing.T) {
	r := New(4, 2)
	require.NoError(t, r.Push(mkFrame(2, 2, 1)))
	require.NoError(t, r.Push(mkFrame(2, 2, 1)))

	n, used := r.Stats()
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2*4*2), used) // 2 frames * 4 pixels * 2 bytes/sample
}

func TestPush_RejectsResolutionMismatch(t *testing.T) {
	r := New(4, 2)
	require.NoError(t, r.Push(mkFrame(2, 2, 1)))
	err := r.Push(mkFrame(3, 3, 1))
	assert.Error(t, err)
}

func TestPush_GrowsOnCapacity(t *testing.T) {
	r := New(1, 1)
	require.NoError(t, r.Push(mkFrame(1, 1, 1)))
	require.NoError(t, r.Push(mkFrame(1, 1, 1))) // triggers growLocked
	n, _ := r.Stats()
	assert.Equal(t, 2, n)
	assert.True(t, r.Enabled())
}

func TestPush_DisablesOnGrowthFailure(t *testing.T) {
	r := New(1, 0) // non-positive increment makes growth impossible
	require.NoError(t, r.Push(mkFrame(1, 1, 1)))
	err := r.Push(mkFrame(1, 1, 1))
	assert.Error(t, err)
	assert.False(t, r.Enabled())
}

func TestPush_DisabledBufferSilentlyDropsFrames(t *testing.T) {
	r := New(1, 0)
	require.NoError(t, r.Push(mkFrame(1, 1, 1)))
	require.Error(t, r.Push(mkFrame(1, 1, 1)))
	require.False(t, r.Enabled())

	assert.NoError(t, r.Push(mkFrame(1, 1, 1)), "a disabled buffer must not error on further pushes")
}

func TestDump_WritesOnePGMPerFrameAndResetsStats(t *testing.T) {
	dir := t.TempDir()
	r := New(4, 2)
	require.NoError(t, r.Push(mkFrame(2, 2, 300))) // clamps to 255 in the PGM
	require.NoError(t, r.Push(mkFrame(2, 2, 5)))

	n, err := r.Dump(filepath.Join(dir, "test"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	imgused, used := r.Stats()
	assert.Zero(t, imgused)
	assert.Zero(t, used)

	f, err := os.Open(filepath.Join(dir, "test-bufdump-00001.pgm"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	assert.Equal(t, "P2", sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, "2 2", sc.Text())
}

func TestDump_SeqNeverResetsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	r := New(4, 2)
	require.NoError(t, r.Push(mkFrame(1, 1, 1)))
	_, err := r.Dump(filepath.Join(dir, "a"))
	require.NoError(t, err)

	require.NoError(t, r.Push(mkFrame(1, 1, 1)))
	_, err = r.Dump(filepath.Join(dir, "a"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "a-bufdump-00002.pgm"))
	assert.NoError(t, err)
}
