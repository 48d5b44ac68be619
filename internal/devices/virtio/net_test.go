package virtio

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
)

type netBackendStub struct {
	packets [][]byte
}

func (n *netBackendStub) HandleTx(packet []byte, release func()) error {
	n.packets = append(n.packets, append([]byte(nil), packet...))
	if release != nil {
		release()
	}
	return nil
}

// mockVM implements hv.VirtualMachine for testing
type mockVM struct {
	mem  []byte
	base uint64
}

// SetIRQ implements [hv.VirtualMachine].
func (m *mockVM) SetIRQ(irqLine uint32, level bool) error {
	panic("unimplemented")
}

func newMockVM() *mockVM {
	return &mockVM{
		mem:  make([]byte, 0x1000000), // 16MB
		base: 0,
	}
}

func (m *mockVM) ReadAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(m.base))
	if idx < 0 || idx >= len(m.mem) {
		return 0, nil
	}
	if idx+len(p) > len(m.mem) {
		p = p[:len(m.mem)-idx]
	}
	return copy(p, m.mem[idx:]), nil
}

func (m *mockVM) WriteAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(m.base))
	if idx < 0 {
		return 0, nil
	}
	if idx >= len(m.mem) {
		return 0, nil
	}
	if idx+len(p) > len(m.mem) {
		p = p[:len(m.mem)-idx]
	}
	return copy(m.mem[idx:], p), nil
}

func (m *mockVM) Close() error {
	return nil
}

func (m *mockVM) Hypervisor() hv.Hypervisor {
	return nil
}

func (m *mockVM) MemorySize() uint64 {
	return uint64(len(m.mem))
}

func (m *mockVM) MemoryBase() uint64 {
	return m.base
}

func (m *mockVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return nil
}

func (m *mockVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return nil
}

func (m *mockVM) AddDevice(dev hv.Device) error {
	return nil
}

func (m *mockVM) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	return nil, nil
}

func (m *mockVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, nil
}

func newTestHostBridge() *pci.HostBridge {
	return pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: 0x30000000,
		ConfigSize: 1 << 20,
		MMIOBase:   0x40000000,
		MMIOSize:   0x10000000,
	})
}

func newTestNetPCI(t *testing.T, mac net.HardwareAddr, backend NetBackend) (*Net, *pci.HostBridge) {
	t.Helper()
	vm := newMockVM()
	host := newTestHostBridge()
	netdev, err := NewNetPCI(vm, host, 0, 1, 0, mac, backend)
	if err != nil {
		t.Fatalf("NewNetPCI failed: %v", err)
	}
	return netdev, host
}

// readPCIConfig16 reads a little-endian 16-bit PCI config-space field through
// the endpoint registered on the host bridge.
func readPCIConfig16(t *testing.T, netdev *Net, offset uint16) uint16 {
	t.Helper()
	pciDev := netdev.device.(*VirtioPCIDevice)
	value, err := pciDev.ReadConfig(offset, 2)
	if err != nil {
		t.Fatalf("PCI config read failed at offset %#x: %v", offset, err)
	}
	return uint16(value)
}

func TestNetIdentification(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	netdev, _ := newTestNetPCI(t, mac, &netBackendStub{})

	// Standard PCI config header: vendor ID at 0x00, device ID at 0x02.
	if got := readPCIConfig16(t, netdev, 0x00); got != uint16(VIRTIO_PCI_VENDOR_ID) {
		t.Fatalf("vendor id = %#x, want %#x", got, uint16(VIRTIO_PCI_VENDOR_ID))
	}
	if got := readPCIConfig16(t, netdev, 0x02); got == 0 {
		t.Fatalf("device id = %#x, want non-zero", got)
	}
}

func TestNetBackend(t *testing.T) {
	backend := &netBackendStub{}
	mac, _ := net.ParseMAC("02:00:00:00:00:02")
	netdev, _ := newTestNetPCI(t, mac, backend)

	// Test that backend is properly set
	if netdev.backend != backend {
		t.Fatalf("backend not properly set")
	}

	// Test MAC address
	if !bytes.Equal(netdev.mac, mac) {
		t.Fatalf("MAC address mismatch")
	}
}
