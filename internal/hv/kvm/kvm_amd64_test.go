//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kvm-host/kvm-host/internal/hv"
)

// rawCodeLoader places a flat byte sequence at a fixed guest physical
// address and starts the vCPU there in 32-bit protected mode.
type rawCodeLoader struct {
	baseAddr uint64
	code     []byte
}

func (l *rawCodeLoader) Load(vm hv.VirtualMachine) error {
	if _, err := vm.WriteAt(l.code, int64(l.baseAddr)); err != nil {
		return fmt.Errorf("write guest code: %w", err)
	}

	return vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64vcpu, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("vCPU does not implement VirtualCPUAmd64")
		}
		if err := amd64vcpu.SetProtectedMode(); err != nil {
			return fmt.Errorf("set protected mode: %w", err)
		}

		return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:    hv.Register64(l.baseAddr),
			hv.RegisterAMD64Rflags: hv.Register64(0x2),
		})
	})
}

func (l *rawCodeLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	return vcpu.Run(ctx)
}

func TestRunSimpleHalt(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := &rawCodeLoader{
		baseAddr: 0x100000,
		code:     []byte{0xf4}, // hlt
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0x100000,
		VMLoader: loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}
}

func TestRunSimpleAddition(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	loader := &rawCodeLoader{
		baseAddr: 0x100000,
		code: []byte{
			0xb8, 0x28, 0x00, 0x00, 0x00, // mov eax, 40
			0x83, 0xc0, 0x02, // add eax, 2
			0xf4, // hlt
		},
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  0x200000,
		MemBase:  0x100000,
		VMLoader: loader,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.Run(context.Background(), loader)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Run KVM virtual machine: %v", err)
	}

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0),
		}

		if err := vcpu.GetRegisters(regs); err != nil {
			return fmt.Errorf("get RAX register: %w", err)
		}

		rax := uint64(regs[hv.RegisterAMD64Rax].(hv.Register64))
		if rax != 42 {
			return fmt.Errorf("unexpected RAX value: got %d, want 42", rax)
		}

		return nil
	}); err != nil {
		t.Fatalf("sync vCPU registers: %v", err)
	}
}
