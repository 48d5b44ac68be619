package virtio

import (
	"fmt"

	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
)

// PCIDeviceConfig holds the virtio device identification and queue
// configuration shared by every virtio-PCI device. Device-specific
// constants are provided here to avoid interface pollution.
type PCIDeviceConfig struct {
	// Virtio device identification
	DeviceID uint32
	VendorID uint32
	Version  uint32

	// Queue configuration
	QueueCount   int
	QueueMaxSize uint16

	// Feature bits
	FeatureBits []uint64

	// Device name for error messages
	DeviceName string
}

// PCIDeviceTemplateBase provides shared implementation for virtio device
// templates (hv.DeviceTemplate). Device templates should embed this type.
type PCIDeviceTemplateBase struct {
	Arch hv.CpuArchitecture

	Bus      uint8
	Device   uint8
	Function uint8

	Config *PCIDeviceConfig
}

// ArchOrDefault returns the architecture, defaulting to the VM's architecture.
func (b PCIDeviceTemplateBase) ArchOrDefault(vm hv.VirtualMachine) hv.CpuArchitecture {
	if b.Arch != "" && b.Arch != hv.ArchitectureInvalid {
		return b.Arch
	}
	if vm != nil && vm.Hypervisor() != nil {
		return vm.Hypervisor().Architecture()
	}
	return hv.ArchitectureInvalid
}

// PCIDeviceBase provides shared implementation for virtio-PCI devices.
// Device structs should embed this type.
type PCIDeviceBase struct {
	dev    *VirtioPCIDevice
	config *PCIDeviceConfig
}

// NewPCIDeviceBase creates a new PCIDeviceBase with the given configuration.
func NewPCIDeviceBase(config *PCIDeviceConfig) PCIDeviceBase {
	return PCIDeviceBase{config: config}
}

// InitPCI creates the underlying virtio-PCI transport and registers it on
// the host bridge at the given bus/device/function, with the embedding
// device itself as handler. Blk calls it when BlkTemplate.Create builds the
// device; Blk.Init does nothing.
func (b *PCIDeviceBase) InitPCI(vm hv.VirtualMachine, host *pci.HostBridge, busNum, devNum, funcNum uint8, subsystemDeviceID uint16, handler deviceHandler) error {
	if b.config == nil {
		return fmt.Errorf("virtio-pci device: configuration is nil")
	}
	if b.dev != nil {
		return nil
	}
	if vm == nil {
		return fmt.Errorf("%s: virtual machine is nil", b.config.DeviceName)
	}

	dev, err := NewVirtioPCIDevice(vm, host, busNum, devNum, funcNum, uint16(b.config.DeviceID), subsystemDeviceID, b.config.FeatureBits, handler)
	if err != nil {
		return fmt.Errorf("%s: %w", b.config.DeviceName, err)
	}
	b.dev = dev
	return nil
}

// RequireDevice returns the underlying transport or an error if not initialized.
func (b *PCIDeviceBase) RequireDevice() (device, error) {
	if b.dev == nil {
		return nil, fmt.Errorf("%s: device not initialized", b.config.DeviceName)
	}
	return b.dev, nil
}

// Device returns the underlying transport, or nil if not yet initialized.
func (b *PCIDeviceBase) Device() device {
	if b.dev == nil {
		return nil
	}
	return b.dev
}

// PCIDevice returns the underlying virtio-PCI transport, or nil if not yet
// initialized.
func (b *PCIDeviceBase) PCIDevice() *VirtioPCIDevice {
	return b.dev
}

// MMIORegions implements hv.MemoryMappedIODevice, exposing the BAR windows
// the underlying virtio-PCI transport was allocated.
func (b *PCIDeviceBase) MMIORegions() []hv.MMIORegion {
	if b.dev == nil {
		return nil
	}
	return b.dev.MMIORegions()
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (b *PCIDeviceBase) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.(*VirtioPCIDevice).ReadMMIO(addr, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (b *PCIDeviceBase) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.(*VirtioPCIDevice).WriteMMIO(addr, data)
}

// NumQueues implements deviceHandler (returns the configured queue count).
func (b *PCIDeviceBase) NumQueues() int {
	return b.config.QueueCount
}

// QueueMaxSize implements deviceHandler (returns the configured queue depth).
func (b *PCIDeviceBase) QueueMaxSize(int) uint16 {
	return b.config.QueueMaxSize
}

// Stoppable is implemented by devices that have background resources to clean up.
type Stoppable interface {
	Stop() error
}
