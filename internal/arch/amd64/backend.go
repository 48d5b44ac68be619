// Package amd64 assembles the x86_64 guest boot backend: parsing and
// placing the Linux kernel image, then wiring the legacy chipset and PCI
// root complex a guest expects to find.
package amd64

import (
	"fmt"
	"io"

	corechipset "github.com/kvm-host/kvm-host/internal/chipset"
	chipset "github.com/kvm-host/kvm-host/internal/devices/amd64/chipset"
	amd64serial "github.com/kvm-host/kvm-host/internal/devices/amd64/serial"
	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
	kernelboot "github.com/kvm-host/kvm-host/internal/linux/boot/amd64"
)

const (
	consoleSerialPort = 0x3F8
	consoleSerialIRQ  = 4
	auxSerialPort     = 0x2F8
	auxSerialIRQ      = 3

	defaultPCIConfigBase = 0xB0000000
	defaultPCIConfigSize = 1 << 20
	defaultPCIMMIOBase   = 0xC0000000
	defaultPCIMMIOSize   = 0x10000000
)

// BootConfig describes an x86_64 Linux guest boot request.
type BootConfig struct {
	Cmdline string
	Initrd  []byte

	SerialStdout io.Writer

	// PCIHost, if set, is used as the root complex instead of a bridge
	// built with default windows. Callers that pre-build device templates
	// referencing a *pci.HostBridge must supply that same pointer here so
	// the bridge ends up registered on the VM.
	PCIHost *pci.HostBridge

	Devices []hv.DeviceTemplate
}

// Plan captures the vCPU entry state derived from a Load call.
type Plan struct {
	boot *kernelboot.BootPlan
}

// ConfigureVCPU implements the loader's bootPlan contract.
func (p *Plan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	return p.boot.ConfigureVCPU(vcpu)
}

// Load parses kernelReader as a bzImage or ELF x86_64 kernel, places it (and
// the optional initrd) into guest RAM, and registers the legacy ISA chipset:
// two 16550 UARTs, CMOS/RTC, the reset control port, a PCI root complex, and
// a block of stub legacy I/O ports real kernels probe at boot. The guest's
// PIC, IOAPIC and PIT are provided by the hypervisor's in-kernel irqchip, not
// emulated here.
func Load(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, cfg BootConfig) (*Plan, error) {
	kernelImage, err := kernelboot.LoadKernel(kernelReader, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	bootPlan, err := kernelImage.Prepare(vm, kernelboot.BootOptions{
		Cmdline: cfg.Cmdline,
		Initrd:  cfg.Initrd,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare kernel: %w", err)
	}

	irqLine := func(line uint8) corechipset.LineInterrupt {
		return corechipset.LineInterruptFromFunc(func(high bool) {
			_ = vm.SetIRQ(uint32(line), high)
		})
	}

	serialOut := cfg.SerialStdout
	if serialOut == nil {
		serialOut = io.Discard
	}

	consoleSerial := amd64serial.NewSerial16550(consoleSerialPort, irqLine(consoleSerialIRQ), &crlfWriter{serialOut}, nil)
	if err := vm.AddDevice(consoleSerial); err != nil {
		return nil, fmt.Errorf("add serial device: %w", err)
	}

	auxSerial := amd64serial.NewSerial16550(auxSerialPort, irqLine(auxSerialIRQ), io.Discard, nil)
	if err := vm.AddDevice(auxSerial); err != nil {
		return nil, fmt.Errorf("add aux serial device: %w", err)
	}

	cmosIRQ := chipset.IRQLineFunc(func(line uint8, level bool) {
		_ = vm.SetIRQ(uint32(line), level)
	})
	if err := vm.AddDevice(chipset.NewCMOS(cmosIRQ)); err != nil {
		return nil, fmt.Errorf("add CMOS/RTC: %w", err)
	}

	if err := vm.AddDevice(chipset.NewResetControlPort()); err != nil {
		return nil, fmt.Errorf("add reset control port: %w", err)
	}

	host := cfg.PCIHost
	if host == nil {
		host = pci.NewHostBridge(pci.HostBridgeConfig{
			ConfigBase: defaultPCIConfigBase,
			ConfigSize: defaultPCIConfigSize,
			MMIOBase:   defaultPCIMMIOBase,
			MMIOSize:   defaultPCIMMIOSize,
		})
	}
	if err := vm.AddDevice(host); err != nil {
		return nil, fmt.Errorf("add pci host bridge: %w", err)
	}

	if err := vm.AddDevice(legacyPortStubs()); err != nil {
		return nil, fmt.Errorf("add legacy port stub: %w", err)
	}

	for _, dev := range cfg.Devices {
		if _, err := vm.AddDeviceFromTemplate(dev); err != nil {
			return nil, fmt.Errorf("add device from template: %w", err)
		}
	}

	return &Plan{boot: bootPlan}, nil
}

// legacyPortStubs returns a "return zero, do nothing" handler covering the
// legacy ISA ports (DMA controller and page registers, i8042, the serial
// UARTs at 0x3e8 and 0x2e8, and a few other ranges) that real BIOSes own and
// that guest kernels probe at boot without us wiring up a full emulation for
// each. A read of port 0x12 is the exception: it requests a guest reboot.
func legacyPortStubs() hv.Device {
	var ports []uint16
	for _, rng := range [][2]uint16{
		{0x0, 0xf},
		{0x11, 0x1f},
		{0x60, 0x6f}, // i8042 keyboard/aux controller
		{0x80, 0x8f},
		{0xBD, 0xBD}, // scratch port
		{0x2e8, 0x2ef},
		{0x3e8, 0x3ef},
		{0xbb00, 0xbbff},
	} {
		for port := rng[0]; port <= rng[1]; port++ {
			ports = append(ports, port)
		}
	}

	return hv.SimpleX86IOPortDevice{
		Ports: ports,
		ReadFunc: func(ctx hv.ExitContext, port uint16, data []byte) error {
			if port == 0x12 {
				return hv.ErrGuestRequestedReboot
			}
			for i := range data {
				data[i] = 0
			}
			return nil
		},
		WriteFunc: func(ctx hv.ExitContext, port uint16, data []byte) error {
			return nil
		},
	}
}

// crlfWriter converts bare newlines to CRLF for the serial console, matching
// what a real terminal expects from a 16550.
type crlfWriter struct {
	io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	var converted []byte
	for i := range p {
		if p[i] == '\n' {
			converted = append(converted, '\r')
		}
		converted = append(converted, p[i])
	}
	return c.Writer.Write(converted)
}
