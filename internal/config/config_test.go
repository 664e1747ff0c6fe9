package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PopulatesBuiltins(t *testing.T) {
	c := Default()
	w, h := c.GetCells()
	assert.Equal(t, 8, w)
	assert.Equal(t, 8, h)
	assert.Equal(t, 20.0, c.GetSamini())
	assert.Equal(t, GainFieldD, c.GetGainField())
	assert.Equal(t, ":6660", c.GetListenAddr())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 20, c.GetFieldFrames())
}

func TestLoad_MergesOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"samini": 30.5, "cells_w": 16}`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30.5, c.GetSamini())
	w, h := c.GetCells()
	assert.Equal(t, 16, w)
	assert.Equal(t, 8, h, "unset fields keep their default")
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSave_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	c := Default()
	c.SetSamini(42)
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.GetSamini())
}

func TestSave_RoundTripsUntouchedDefaultsFieldForField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	c := Default()
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(c, loaded, cmpopts.IgnoreUnexported(Config{})); diff != "" {
		t.Errorf("round-tripped config diverged from the original (-want +got):\n%s", diff)
	}
}

func TestGetGainField_InvalidValueFallsBackToD(t *testing.T) {
	c := Default()
	bogus := "bogus"
	c.GainField = &bogus
	assert.Equal(t, GainFieldD, c.GetGainField())
}

func TestGetLogFraction_ZeroTreatedAsUnset(t *testing.T) {
	c := Default()
	c.SetLogFraction(0)
	assert.Equal(t, uint32(100), c.GetLogFraction())
}

func TestSetters_AreConcurrencySafe(t *testing.T) {
	c := Default()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.SetSamini(float64(i))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		c.GetSamini()
	}
	<-done
}
