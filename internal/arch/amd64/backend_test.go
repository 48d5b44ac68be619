package amd64

import (
	"bytes"
	"testing"

	"github.com/kvm-host/kvm-host/internal/hv"
)

func TestLegacyPortStubsReadsZeroAndHandlesReboot(t *testing.T) {
	dev := legacyPortStubs().(hv.SimpleX86IOPortDevice)

	found := false
	for _, port := range dev.Ports {
		if port == 0x61 {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected legacy port stub range to cover the i8042 window (0x61)")
	}

	buf := make([]byte, 1)
	buf[0] = 0xff
	if err := dev.ReadFunc(nil, 0x80, buf); err != nil {
		t.Fatalf("ReadFunc: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("expected read to zero out unhandled legacy port, got %#x", buf[0])
	}

	if err := dev.ReadFunc(nil, 0x12, buf); err != hv.ErrGuestRequestedReboot {
		t.Fatalf("ReadFunc(0x12) = %v, want ErrGuestRequestedReboot", err)
	}

	if err := dev.WriteFunc(nil, 0x80, buf); err != nil {
		t.Fatalf("WriteFunc: %v", err)
	}
}

func TestCrlfWriterConvertsBareNewlines(t *testing.T) {
	var out bytes.Buffer
	w := &crlfWriter{&out}

	if _, err := w.Write([]byte("hello\nworld\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "hello\r\nworld\r\n"
	if out.String() != want {
		t.Fatalf("Write output = %q, want %q", out.String(), want)
	}
}
