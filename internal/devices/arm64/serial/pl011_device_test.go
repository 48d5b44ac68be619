package serial

import (
	"bytes"
	"testing"
)

func TestPL011WriteDREmitsByte(t *testing.T) {
	var out bytes.Buffer
	p := NewPL011(0x09000000, 0x1000, &out)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := p.WriteMMIO(nil, 0x09000000, []byte{'A'}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	if out.String() != "A" {
		t.Fatalf("output = %q, want %q", out.String(), "A")
	}
}

func TestPL011FlagRegisterReportsFifosEmpty(t *testing.T) {
	p := NewPL011(0x09000000, 0x1000, nil)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data := make([]byte, 4)
	if err := p.ReadMMIO(nil, 0x09000018, data); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}

	got := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	want := uint32(pl011FlagTxEmpty | pl011FlagRxEmpty)
	if got != want {
		t.Fatalf("FR = %#x, want %#x", got, want)
	}
}

func TestPL011ChecksBounds(t *testing.T) {
	p := NewPL011(0x09000000, 0x1000, nil)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := p.ReadMMIO(nil, 0x09001000, make([]byte, 4)); err == nil {
		t.Fatalf("expected out-of-range read to fail")
	}
}
