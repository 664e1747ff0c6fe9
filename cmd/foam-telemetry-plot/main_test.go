package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeLog(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telem.log")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write fixture log: %v", err)
	}
	return path
}

func TestReadDispRMS_ComputesPerLineRMS(t *testing.T) {
	path := writeLog(t, "C 3 4\nC 0 0\n")
	rms, err := readDispRMS(path, "C")
	if err != nil {
		t.Fatalf("readDispRMS: %v", err)
	}
	if len(rms) != 2 {
		t.Fatalf("got %d points, want 2", len(rms))
	}
	if math.Abs(rms[0]-3.5355339059327378) > 1e-9 {
		t.Errorf("rms[0] = %v, want sqrt((9+16)/2)", rms[0])
	}
	if rms[1] != 0 {
		t.Errorf("rms[1] = %v, want 0", rms[1])
	}
}

func TestReadDispRMS_SkipsCommentsAndOtherTags(t *testing.T) {
	path := writeLog(t, "# comment\nO 1 1\nC 1 1\n")
	rms, err := readDispRMS(path, "C")
	if err != nil {
		t.Fatalf("readDispRMS: %v", err)
	}
	if len(rms) != 1 {
		t.Fatalf("got %d points, want 1 (only the C-tagged line)", len(rms))
	}
}

func TestReadDispRMS_MissingFileErrors(t *testing.T) {
	_, err := readDispRMS(filepath.Join(t.TempDir(), "nope.log"), "C")
	if err == nil {
		t.Fatal("expected an error for a missing log file")
	}
}

func TestReadDispRMS_NoMatchingTagReturnsEmpty(t *testing.T) {
	path := writeLog(t, "O 1 2\n")
	rms, err := readDispRMS(path, "C")
	if err != nil {
		t.Fatalf("readDispRMS: %v", err)
	}
	if len(rms) != 0 {
		t.Errorf("got %d points, want 0", len(rms))
	}
}
