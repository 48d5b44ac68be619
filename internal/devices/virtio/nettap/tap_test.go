package nettap

import "testing"

func TestOpenRequiresTunDevice(t *testing.T) {
	tap, err := Open("")
	if err != nil {
		t.Skipf("skipping: no /dev/net/tun access in this environment: %v", err)
	}
	defer tap.Close()

	if tap.Name() == "" {
		t.Fatalf("expected kernel-assigned tap name, got empty string")
	}
}
