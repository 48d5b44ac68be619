package arm64

import (
	"bytes"
	"testing"
)

func TestBuildDeviceTreeIncludesPCIHostBridge(t *testing.T) {
	dtb, err := buildDeviceTree(deviceTreeConfig{
		MemoryBase: 0,
		MemorySize: 0x40000000,
		NumCPUs:    1,
		PCI: &PCIConfig{
			ConfigBase: 0x30000000,
			ConfigSize: 1 << 20,
			MMIOBase:   0x40000000,
			MMIOSize:   0x10000000,
			MaxBus:     0,
		},
	})
	if err != nil {
		t.Fatalf("buildDeviceTree returned error: %v", err)
	}

	if !bytes.Contains(dtb, []byte("pci-host-ecam-generic")) {
		t.Fatalf("device tree missing pci-host-ecam-generic compatible string")
	}
	if !bytes.Contains(dtb, []byte("pcie@30000000")) {
		t.Fatalf("device tree missing pcie node name")
	}
}

func TestBuildDeviceTreeOmitsPCINodeWhenUnset(t *testing.T) {
	dtb, err := buildDeviceTree(deviceTreeConfig{
		MemoryBase: 0,
		MemorySize: 0x40000000,
		NumCPUs:    1,
	})
	if err != nil {
		t.Fatalf("buildDeviceTree returned error: %v", err)
	}

	if bytes.Contains(dtb, []byte("pci-host-ecam-generic")) {
		t.Fatalf("device tree unexpectedly contains a pci node with no PCI config")
	}
}
