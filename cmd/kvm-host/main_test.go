package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kvm-host/kvm-host/internal/devices/virtio"
)

func TestMergeConfigPrefersOverrideOverBase(t *testing.T) {
	base := config{Kernel: "/base/vmlinux", Cmdline: "console=ttyS0", CPUs: 1, MemMB: 256}
	override := config{Cmdline: "console=ttyAMA0", Disk: "/disk.img", CPUs: 4}

	got := mergeConfig(base, override)

	if got.Kernel != base.Kernel {
		t.Errorf("Kernel = %q, want base value %q", got.Kernel, base.Kernel)
	}
	if got.Cmdline != override.Cmdline {
		t.Errorf("Cmdline = %q, want override value %q", got.Cmdline, override.Cmdline)
	}
	if got.Disk != override.Disk {
		t.Errorf("Disk = %q, want override value %q", got.Disk, override.Disk)
	}
	if got.CPUs != override.CPUs {
		t.Errorf("CPUs = %d, want override value %d", got.CPUs, override.CPUs)
	}
	if got.MemMB != base.MemMB {
		t.Errorf("MemMB = %d, want base value %d (override left at zero value)", got.MemMB, base.MemMB)
	}
}

func TestMergeConfigLeavesBaseWhenOverrideIsZeroValued(t *testing.T) {
	base := config{Kernel: "/base/vmlinux", ReadOnly: true, Tap: "tap0"}
	override := config{}

	got := mergeConfig(base, override)

	if got != base {
		t.Fatalf("mergeConfig with zero-valued override = %+v, want unchanged base %+v", got, base)
	}
}

func TestLoadConfigFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvm-host.yaml")
	contents := "kernel: /boot/vmlinuz\ncmdline: console=ttyS0 root=/dev/vda rw\ncpus: 2\nmemory_mb: 1024\ntap: tap0\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}

	if cfg.Kernel != "/boot/vmlinuz" {
		t.Errorf("Kernel = %q, want /boot/vmlinuz", cfg.Kernel)
	}
	if cfg.CPUs != 2 {
		t.Errorf("CPUs = %d, want 2", cfg.CPUs)
	}
	if cfg.MemMB != 1024 {
		t.Errorf("MemMB = %d, want 1024", cfg.MemMB)
	}
	if cfg.Tap != "tap0" {
		t.Errorf("Tap = %q, want tap0", cfg.Tap)
	}
}

func TestLoadConfigFileMissingFile(t *testing.T) {
	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBuildLoaderRequiresExistingKernel(t *testing.T) {
	_, cleanup, err := buildLoader(config{Kernel: filepath.Join(t.TempDir(), "missing-vmlinux")})
	defer cleanup()
	if err == nil {
		t.Fatal("expected an error when the kernel file does not exist")
	}
}

func TestBuildLoaderAssignsDiskItsOwnPCISlot(t *testing.T) {
	dir := t.TempDir()
	kernelPath := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernelPath, []byte("not a real kernel image"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	diskPath := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(diskPath, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// -tap is left unset: opening a real TAP device needs root/CAP_NET_ADMIN,
	// which this test environment cannot assume.
	loader, cleanup, err := buildLoader(config{
		Kernel: kernelPath,
		Disk:   diskPath,
		CPUs:   1,
		MemMB:  128,
	})
	defer cleanup()
	if err != nil {
		t.Fatalf("buildLoader: %v", err)
	}
	if len(loader.Devices) != 1 {
		t.Fatalf("Devices = %v, want exactly the disk template", loader.Devices)
	}
	blk, ok := loader.Devices[0].(virtio.BlkTemplate)
	if !ok {
		t.Fatalf("Devices[0] = %T, want virtio.BlkTemplate", loader.Devices[0])
	}
	if blk.Device != 1 {
		t.Errorf("blk.Device = %d, want 1 (slot 0 is reserved for the host bridge)", blk.Device)
	}
}

func TestBuildLoaderWithBareKernelOnly(t *testing.T) {
	dir := t.TempDir()
	kernelPath := filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernelPath, []byte("not a real kernel image"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loader, cleanup, err := buildLoader(config{Kernel: kernelPath, Cmdline: "console=ttyS0", CPUs: 1, MemMB: 128})
	defer cleanup()
	if err != nil {
		t.Fatalf("buildLoader: %v", err)
	}
	if loader.MemSize != 128<<20 {
		t.Errorf("MemSize = %d, want %d", loader.MemSize, 128<<20)
	}
	if len(loader.Devices) != 0 {
		t.Errorf("Devices = %v, want none without -disk/-tap", loader.Devices)
	}
}
