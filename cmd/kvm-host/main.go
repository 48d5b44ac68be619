// Command kvm-host boots a Linux kernel directly under KVM: no firmware, no
// disk image required beyond an optional virtio-blk backing file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/devices/virtio"
	"github.com/kvm-host/kvm-host/internal/devices/virtio/nettap"
	"github.com/kvm-host/kvm-host/internal/hv"
	"github.com/kvm-host/kvm-host/internal/hv/kvm"
	"github.com/kvm-host/kvm-host/internal/linux/boot"
)

// config mirrors the command-line flags and can additionally be loaded from
// a YAML file via -config, with flags taking precedence over file values
// that were left at their zero value.
type config struct {
	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd"`
	Cmdline string `yaml:"cmdline"`
	Disk    string `yaml:"disk"`
	ReadOnly bool  `yaml:"readonly"`
	Tap     string `yaml:"tap"`
	CPUs    int    `yaml:"cpus"`
	MemMB   int    `yaml:"memory_mb"`
}

func loadConfigFile(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kvm-host: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config

	configPath := flag.String("config", "", "Load base settings from a YAML config file; flags override them")
	flag.StringVar(&cfg.Kernel, "kernel", "", "Path to a Linux kernel image (bzImage, ELF, or arm64 Image)")
	flag.StringVar(&cfg.Initrd, "initrd", "", "Path to an initrd/initramfs image")
	flag.StringVar(&cfg.Cmdline, "cmdline", "console=ttyS0 root=/dev/vda rw", "Kernel command line")
	flag.StringVar(&cfg.Disk, "disk", "", "Path to a raw disk image exposed as a virtio-blk device")
	flag.BoolVar(&cfg.ReadOnly, "readonly", false, "Expose -disk as a read-only virtio-blk device")
	flag.StringVar(&cfg.Tap, "tap", "", "Name of a host TAP device to expose as a virtio-net device (empty: no network)")
	flag.IntVar(&cfg.CPUs, "cpus", 1, "Number of virtual CPUs")
	flag.IntVar(&cfg.MemMB, "memory", 512, "Guest memory size in MiB")
	flag.Parse()

	if *configPath != "" {
		fileCfg, err := loadConfigFile(*configPath)
		if err != nil {
			return err
		}
		// Flag defaults only fill what the file leaves unset.
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if !explicit["cmdline"] && fileCfg.Cmdline != "" {
			cfg.Cmdline = fileCfg.Cmdline
		}
		if !explicit["cpus"] && fileCfg.CPUs != 0 {
			cfg.CPUs = fileCfg.CPUs
		}
		if !explicit["memory"] && fileCfg.MemMB != 0 {
			cfg.MemMB = fileCfg.MemMB
		}
		cfg = mergeConfig(fileCfg, cfg)
	}

	if cfg.Kernel == "" {
		flag.Usage()
		return fmt.Errorf("missing -kernel")
	}

	hypervisor, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hypervisor.Close()

	loader, cleanup, err := buildLoader(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	vm, err := hypervisor.NewVirtualMachine(loader)
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	runConfig, err := loader.RunConfig()
	if err != nil {
		return fmt.Errorf("build run config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if stdinFd := int(os.Stdin.Fd()); term.IsTerminal(stdinFd) {
		priorState, err := term.MakeRaw(stdinFd)
		if err == nil {
			defer term.Restore(stdinFd, priorState)
		}
	}

	if err := vm.Run(ctx, runConfig); err != nil {
		return fmt.Errorf("run virtual machine: %w", err)
	}
	return nil
}

// mergeConfig overlays override onto base: any zero-valued override field
// falls back to the base (file-provided) value.
func mergeConfig(base, override config) config {
	merged := base
	if override.Kernel != "" {
		merged.Kernel = override.Kernel
	}
	if override.Initrd != "" {
		merged.Initrd = override.Initrd
	}
	if override.Cmdline != "" {
		merged.Cmdline = override.Cmdline
	}
	if override.Disk != "" {
		merged.Disk = override.Disk
	}
	if override.ReadOnly {
		merged.ReadOnly = true
	}
	if override.Tap != "" {
		merged.Tap = override.Tap
	}
	if override.CPUs != 0 {
		merged.CPUs = override.CPUs
	}
	if override.MemMB != 0 {
		merged.MemMB = override.MemMB
	}
	return merged
}

// buildLoader assembles a *boot.LinuxLoader from cfg, opening the kernel,
// initrd, disk, and TAP files it references. The returned cleanup function
// must be called once the VM has stopped running.
func buildLoader(cfg config) (*boot.LinuxLoader, func(), error) {
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	kernelFile, err := os.Open(cfg.Kernel)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open kernel: %w", err)
	}
	closers = append(closers, kernelFile)

	kernelInfo, err := kernelFile.Stat()
	if err != nil {
		return nil, cleanup, fmt.Errorf("stat kernel: %w", err)
	}

	host := pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: 0xB0000000,
		ConfigSize: 1 << 20,
		MMIOBase:   0xC0000000,
		MMIOSize:   0x10000000,
	})

	var devices []hv.DeviceTemplate
	// PCI device 0 is the host bridge itself; guest-visible virtio
	// endpoints start at slot 1 and each takes the next free slot on bus 0.
	nextSlot := uint8(1)

	if cfg.Disk != "" {
		flags := os.O_RDWR
		if cfg.ReadOnly {
			flags = os.O_RDONLY
		}
		diskFile, err := os.OpenFile(cfg.Disk, flags, 0)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open disk image: %w", err)
		}
		closers = append(closers, diskFile)

		blkTemplate := virtio.NewBlkTemplate(diskFile, cfg.ReadOnly)
		blkTemplate.Host = host
		blkTemplate.Device = nextSlot
		nextSlot++
		devices = append(devices, blkTemplate)
	}

	if cfg.Tap != "" {
		tap, err := nettap.Open(cfg.Tap)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open tap device: %w", err)
		}
		closers = append(closers, tap)

		stop := make(chan struct{})
		closers = append(closers, closerFunc(func() error {
			close(stop)
			return nil
		}))
		go func() {
			if err := tap.Run(stop); err != nil {
				log.Printf("nettap %s: %v", tap.Name(), err)
			}
		}()

		devices = append(devices, virtio.NetTemplate{
			Host:    host,
			Device:  nextSlot,
			Backend: tap,
			MAC:     defaultGuestMAC(),
		})
		nextSlot++
	}

	var initrdData []byte
	if cfg.Initrd != "" {
		data, err := os.ReadFile(cfg.Initrd)
		if err != nil {
			return nil, cleanup, fmt.Errorf("read initrd: %w", err)
		}
		initrdData = data
	}

	loader := &boot.LinuxLoader{
		NumCPUs: cfg.CPUs,
		MemSize: uint64(cfg.MemMB) << 20,
		MemBase: 0,

		GetCmdline: func(arch hv.CpuArchitecture) ([]string, error) {
			if arch == hv.ArchitectureX86_64 {
				return []string{cfg.Cmdline, "pci=conf1"}, nil
			}
			return []string{cfg.Cmdline}, nil
		},
		GetKernel: func() (io.ReaderAt, int64, error) {
			return kernelFile, kernelInfo.Size(), nil
		},
		GetInitrd: func() ([]byte, error) {
			return initrdData, nil
		},

		SerialStdout: os.Stdout,
		PCIHost:      host,
		Devices:      devices,
	}

	return loader, cleanup, nil
}

func defaultGuestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
