package main

import "testing"

// TestFlagDefaults verifies the package-level flag vars exist and carry
// the expected defaults, mirroring cmd/radar's flag default checks.
func TestFlagDefaults(t *testing.T) {
	if configFile == nil || *configFile == "" {
		t.Fatal("configFile flag default must not be empty")
	}
	if storeDir == nil || *storeDir != "." {
		t.Errorf("storeDir default = %q, want \".\"", *storeDir)
	}
	if storePrefix == nil || *storePrefix != "foam" {
		t.Errorf("storePrefix default = %q, want \"foam\"", *storePrefix)
	}
	if simulate == nil || *simulate != true {
		t.Errorf("simulate default = %v, want true", *simulate)
	}
	if ttPort == nil || *ttPort != "" {
		t.Errorf("tiptilt-port default = %q, want \"\"", *ttPort)
	}
	if debugAddr == nil || *debugAddr != "" {
		t.Errorf("debug-addr default = %q, want \"\" (disabled)", *debugAddr)
	}
}

// TestRun_NoSourceConfiguredErrorsWithoutSimulateOrPcap mirrors radar's table
// of startup-condition checks: asserts the "no frame source" guard
// fires when both -simulate and -pcap are unset.
func TestRun_NoSourceConfiguredErrorsWithoutSimulateOrPcap(t *testing.T) {
	origSimulate, origPcap := *simulate, *pcapPath
	*simulate, *pcapPath = false, ""
	defer func() { *simulate, *pcapPath = origSimulate, origPcap }()

	err := run()
	if err == nil {
		t.Fatal("expected an error when neither -simulate nor -pcap is set")
	}
}
