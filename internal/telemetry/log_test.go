package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_RejectsReadMode(t *testing.T) {
	l := New("", "")
	err := l.Init(filepath.Join(t.TempDir(), "x.log"), "r")
	assert.Error(t, err)
}

func TestInit_RejectsUnknownMode(t *testing.T) {
	l := New("", "")
	err := l.Init(filepath.Join(t.TempDir(), "x.log"), Mode("bogus"))
	assert.Error(t, err)
}

func TestNew_DefaultsSeparatorAndComment(t *testing.T) {
	l := New("", "")
	assert.Equal(t, " ", l.sep)
	assert.Equal(t, "#", l.comment)
}

func TestMessage_WritesTaggedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.Message("O", "1 2 3"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "O 1 2 3\n", string(data))
}

func TestComment_UsesConfiguredLeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", ";")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.Comment("hello"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "; hello\n", string(data))
}

func TestSetEnabled_SuppressesWritesWithoutClosing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	l.SetEnabled(false)
	assert.False(t, l.Enabled())
	require.NoError(t, l.Message("O", "dropped"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWriteBeforeInit_ReturnsError(t *testing.T) {
	l := New(" ", "#")
	err := l.Message("O", "x")
	assert.Error(t, err)
}

func TestReset_TruncatesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.Message("O", "first"))
	require.NoError(t, l.Reset())
	require.NoError(t, l.Message("O", "second"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "O second\n", string(data))
}

func TestPTC_FormatsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.PTC(Snapshot{
		Mode: "open", CalMode: "none", Frames: 42, FPS: 100.5,
		WFSLines: []string{"wfs0line"}, WFCLines: []string{"wfc0line", "wfc1line"},
	}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PTC open none 42 100.500 1 2 0\nWFS wfs0line\nWFC wfc0line\nWFC wfc1line\n", string(data))
}

func TestVector_WritesSpaceSeparatedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.Vector("D", []float64{1.5, -2.25}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "D 1.5000000000 -2.2500000000\n", string(data))
}

func TestGSLVector_WritesLengthHeaderThenOnePerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeWriteCreate))
	require.NoError(t, l.GSLVector("D", []float64{1, 2}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "D 2\n1.0000000000\n2.0000000000\n", string(data))
}

func TestClose_IsIdempotentWhenNeverInitialised(t *testing.T) {
	l := New(" ", "#")
	assert.NoError(t, l.Close())
}

func TestInit_AppendModePreservesExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	l := New(" ", "#")
	require.NoError(t, l.Init(path, ModeAppend))
	require.NoError(t, l.Message("O", "new"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nO new\n", string(data))
}
