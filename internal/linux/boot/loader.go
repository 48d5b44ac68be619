package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
	amd64arch "github.com/kvm-host/kvm-host/internal/arch/amd64"
	arm64arch "github.com/kvm-host/kvm-host/internal/arch/arm64"
)

type bootPlan interface {
	ConfigureVCPU(vcpu hv.VirtualCPU) error
}

type programRunner struct {
	loader *LinuxLoader
	linux  io.ReaderAt
}

// Run implements hv.RunConfig.
func (p *programRunner) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if err := p.loader.plan.ConfigureVCPU(vcpu); err != nil {
		return fmt.Errorf("configure vCPU: %w", err)
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			if errors.Is(err, hv.ErrVMHalted) {
				return nil
			}
			if errors.Is(err, hv.ErrGuestRequestedReboot) {
				return nil
			}
			return fmt.Errorf("run vCPU: %w", err)
		}
	}
}

var (
	_ hv.RunConfig = &programRunner{}
)

// LinuxLoader boots a Linux kernel directly, without firmware: it places the
// kernel image, an optional initrd, and a derived set of boot parameters
// into guest RAM, then wires up the legacy/platform devices each guest
// architecture expects to find at startup.
type LinuxLoader struct {
	NumCPUs int
	MemSize uint64
	MemBase uint64

	GetCmdline         func(arch hv.CpuArchitecture) ([]string, error)
	GetKernel          func() (io.ReaderAt, int64, error)
	GetInitrd          func() ([]byte, error)
	CreateVM           func(vm hv.VirtualMachine) error
	CreateVMWithMemory func(vm hv.VirtualMachine) error

	SerialStdout io.Writer

	// PCIHost, when set, is registered as the guest's PCI root complex.
	// Callers that pre-build virtio device templates referencing a
	// *pci.HostBridge must supply that same pointer here so it ends up
	// wired onto the VM, on both amd64 (I/O-port config access) and arm64
	// (ECAM, memory-mapped config access).
	PCIHost *pci.HostBridge

	Devices []hv.DeviceTemplate

	AdditionalFiles []InitFile

	plan         bootPlan
	kernelReader io.ReaderAt
}

func (l *LinuxLoader) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if l.plan == nil {
		return errors.New("linux loader not loaded")
	}

	return l.plan.ConfigureVCPU(vcpu)
}

// OnCreateVCPU implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVCPU(vCpu hv.VirtualCPU) error {
	return nil
}

// OnCreateVM implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVM(vm hv.VirtualMachine) error {
	if l.CreateVM != nil {
		return l.CreateVM(vm)
	}

	return nil
}

// OnCreateVMWithMemory implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVMWithMemory(vm hv.VirtualMachine) error {
	if l.CreateVMWithMemory != nil {
		return l.CreateVMWithMemory(vm)
	}
	return nil
}

// implements hv.VMConfig.
func (l *LinuxLoader) CPUCount() int               { return l.NumCPUs }
func (l *LinuxLoader) Callbacks() hv.VMCallbacks   { return l }
func (l *LinuxLoader) Loader() hv.VMLoader         { return l }
func (l *LinuxLoader) MemoryBase() uint64          { return l.MemBase }
func (l *LinuxLoader) MemorySize() uint64          { return l.MemSize }
func (l *LinuxLoader) NeedsInterruptSupport() bool { return true }

// Load implements hv.VMLoader.
func (l *LinuxLoader) Load(vm hv.VirtualMachine) error {
	if l.GetKernel == nil {
		return errors.New("linux loader missing kernel provider")
	}

	kernelReader, kernelSize, err := l.GetKernel()
	if err != nil {
		return fmt.Errorf("get kernel: %w", err)
	}

	l.kernelReader = kernelReader

	arch := vm.Hypervisor().Architecture()

	initrd, err := l.buildInitrd()
	if err != nil {
		return err
	}

	cmdline, err := l.GetCmdline(arch)
	if err != nil {
		return fmt.Errorf("get cmdline: %w", err)
	}
	cmdlineStr := strings.Join(cmdline, " ")

	switch arch {
	case hv.ArchitectureX86_64:
		plan, err := amd64arch.Load(vm, kernelReader, kernelSize, amd64arch.BootConfig{
			Cmdline:      cmdlineStr,
			Initrd:       initrd,
			SerialStdout: l.SerialStdout,
			PCIHost:      l.PCIHost,
			Devices:      l.Devices,
		})
		if err != nil {
			return err
		}
		l.plan = plan
		return nil
	case hv.ArchitectureARM64:
		plan, err := arm64arch.Load(vm, kernelReader, kernelSize, arm64arch.BootConfig{
			Cmdline:      cmdlineStr,
			Initrd:       initrd,
			NumCPUs:      l.NumCPUs,
			SerialStdout: l.SerialStdout,
			PCIHost:      l.PCIHost,
			Devices:      l.Devices,
		})
		if err != nil {
			return err
		}
		l.plan = plan
		return nil
	default:
		return fmt.Errorf("unsupported architecture: %v", arch)
	}
}

// buildInitrd returns the guest-visible initrd: either a blob supplied
// directly via GetInitrd, or one assembled from AdditionalFiles.
func (l *LinuxLoader) buildInitrd() ([]byte, error) {
	if l.GetInitrd != nil {
		initrd, err := l.GetInitrd()
		if err != nil {
			return nil, fmt.Errorf("get initrd: %w", err)
		}
		return initrd, nil
	}

	if len(l.AdditionalFiles) == 0 {
		return nil, nil
	}

	files := append([]InitFile{
		// add /dev/mem as /mem
		{Path: "/mem", Data: nil, Mode: os.FileMode(0o600), DevMajor: 1, DevMinor: 1},
	}, l.AdditionalFiles...)

	initrd, err := buildInitramfs(files)
	if err != nil {
		return nil, fmt.Errorf("build initramfs: %w", err)
	}
	return initrd, nil
}

func (l *LinuxLoader) RunConfig() (hv.RunConfig, error) {
	loader := &programRunner{loader: l, linux: l.kernelReader}

	return loader, nil
}

var (
	_ hv.VMLoader    = &LinuxLoader{}
	_ hv.VMConfig    = &LinuxLoader{}
	_ hv.VMCallbacks = &LinuxLoader{}
)
