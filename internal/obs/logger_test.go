package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withCapturedLog(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	SetLogger(func(format string, v ...interface{}) { lines = append(lines, format) })
	t.Cleanup(func() {
		SetLogger(nil)
		SetLevel(LevelInfo)
	})
	return &lines
}

func TestSetLogger_NilInstallsNoop(t *testing.T) {
	SetLogger(nil)
	t.Cleanup(func() { SetLevel(LevelInfo) })
	assert.NotPanics(t, func() { Infof("should not panic") })
}

func TestInfof_EmitsAtDefaultLevel(t *testing.T) {
	lines := withCapturedLog(t)
	Infof("hello %d", 1)
	assert.Equal(t, []string{"[info] hello %d"}, *lines)
}

func TestTracef_SilentAtDefaultLevel(t *testing.T) {
	lines := withCapturedLog(t)
	Tracef("per-frame noise")
	assert.Empty(t, *lines)
}

func TestSetLevel_LoweringRevealsTrace(t *testing.T) {
	lines := withCapturedLog(t)
	SetLevel(LevelTrace)
	Tracef("now visible")
	assert.Equal(t, []string{"[trace] now visible"}, *lines)
}

func TestSetLevel_RaisingSuppressesLowerLevels(t *testing.T) {
	lines := withCapturedLog(t)
	SetLevel(LevelError)
	Infof("suppressed")
	Warnf("suppressed too")
	Errorf("visible")
	assert.Equal(t, []string{"[error] visible"}, *lines)
}
