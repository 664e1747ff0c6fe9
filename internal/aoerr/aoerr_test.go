package aoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Transient:          "transient",
		ConfigInvalid:      "config_invalid",
		CalibrationMissing: "calibration_missing",
		HardwareFailure:    "hardware_failure",
		Fatal:              "fatal",
		Kind(99):           "unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

func TestError_FormatsOpKindAndCause(t *testing.T) {
	err := ConfigInvalidf("loop.SetMode", "bad transition %s->%s", "open", "closed")
	assert.Equal(t, "loop.SetMode: config_invalid: bad transition open->closed", err.Error())
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(Transient, "frame.Acquire", cause)
	assert.ErrorIs(t, err, cause)
}

func TestKindOf_ClassifiedError(t *testing.T) {
	err := HardwareFailuref("hardware.Apply", "write failed")
	assert.Equal(t, HardwareFailure, KindOf(err))
}

func TestKindOf_UnclassifiedErrorDefaultsToFatal(t *testing.T) {
	assert.Equal(t, Fatal, KindOf(errors.New("plain")))
}

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := CalibrationMissingf("loop.RequireCalibrated", "no SVD artefact")
	assert.True(t, Is(err, CalibrationMissing))
	assert.False(t, Is(err, Fatal))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), Fatal))
}
