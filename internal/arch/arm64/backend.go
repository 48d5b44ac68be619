// Package arm64 assembles the arm64 guest boot backend: parsing and
// placing the Linux Image, building its device tree, and wiring the PL011
// console a guest expects to find.
package arm64

import (
	"fmt"
	"io"

	"github.com/kvm-host/kvm-host/internal/devices/arm64/serial"
	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
	kernelboot "github.com/kvm-host/kvm-host/internal/linux/boot/arm64"
)

const (
	uartMMIOBase = 0x09000000
	uartMMIOSize = 0x1000
	uartClockHz  = 24000000

	defaultPCIConfigBase = 0x30000000
	defaultPCIConfigSize = 1 << 20
	defaultPCIMMIOBase   = 0x40000000
	defaultPCIMMIOSize   = 0x10000000
)

// BootConfig describes an arm64 Linux guest boot request.
type BootConfig struct {
	Cmdline string
	Initrd  []byte
	NumCPUs int

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

// Load parses kernelReader as an arm64 Image, places it (and the optional
// initrd) into guest RAM along with a generated device tree, and registers
// a PL011 console. PSCI is advertised via the device tree and serviced by
// the hypervisor; no in-process GIC model is required here.
func Load(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, cfg BootConfig) (*Plan, error) {
	kernelImage, err := kernelboot.LoadKernel(kernelReader, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	numCPUs := cfg.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
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

	bootPlan, err := kernelImage.Prepare(vm, kernelboot.BootOptions{
		Cmdline: cfg.Cmdline,
		Initrd:  cfg.Initrd,
		NumCPUs: numCPUs,
		UART: &kernelboot.UARTConfig{
			Base:    uartMMIOBase,
			Size:    uartMMIOSize,
			ClockHz: uartClockHz,
		},
		PCI: &kernelboot.PCIConfig{
			ConfigBase: host.ConfigBase(),
			ConfigSize: host.ConfigSize(),
			MMIOBase:   host.MMIOBase(),
			MMIOSize:   host.MMIOSize(),
			MaxBus:     host.MaxBus(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("prepare kernel: %w", err)
	}

	serialOut := cfg.SerialStdout
	if serialOut == nil {
		serialOut = io.Discard
	}

	console := serial.NewPL011(uartMMIOBase, uartMMIOSize, &crlfWriter{serialOut})
	if err := vm.AddDevice(console); err != nil {
		return nil, fmt.Errorf("add pl011 console: %w", err)
	}

	if err := vm.AddDevice(host); err != nil {
		return nil, fmt.Errorf("add pci host bridge: %w", err)
	}

	for _, dev := range cfg.Devices {
		if _, err := vm.AddDeviceFromTemplate(dev); err != nil {
			return nil, fmt.Errorf("add device from template: %w", err)
		}
	}

	return &Plan{boot: bootPlan}, nil
}

// crlfWriter converts bare newlines to CRLF for the serial console, matching
// what a real terminal expects from a UART.
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
