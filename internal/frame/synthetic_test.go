package frame

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthetic_AcquireBeforeStartTimesOut(t *testing.T) {
	s := NewSynthetic(32, 32, 2, 2)
	_, err := s.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSynthetic_AcquireProducesSpotGrid(t *testing.T) {
	s := NewSynthetic(32, 32, 2, 2)
	require.NoError(t, s.Start(context.Background()))

	f, err := s.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 32, f.W)
	assert.Equal(t, 32, f.H)
	assert.Equal(t, uint64(1), f.Seq)

	// Cell centres should be near peak intensity, corners near background.
	assert.Greater(t, f.Pixel(8, 8), uint16(100))
	assert.Less(t, f.Pixel(0, 0), uint16(50))
}

func TestSynthetic_SeqIncrementsPerAcquire(t *testing.T) {
	s := NewSynthetic(16, 16, 1, 1)
	require.NoError(t, s.Start(context.Background()))

	f1, err := s.Acquire(context.Background(), 0)
	require.NoError(t, err)
	f2, err := s.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, f1.Seq+1, f2.Seq)
}

func TestSynthetic_StopThenAcquireTimesOut(t *testing.T) {
	s := NewSynthetic(16, 16, 1, 1)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	_, err := s.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrTimeout)
}
