// Package nettap implements a virtio-net backend that passes guest traffic
// through a Linux TAP interface, rather than terminating it in a userspace
// network stack.
package nettap

import (
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvm-host/kvm-host/internal/devices/virtio"
)

const (
	tunDevicePath = "/dev/net/tun"

	iffTap   = 0x0002
	iffNoPI  = 0x1000
	ifnamsiz = 16
)

// ifReq mirrors struct ifreq's name+flags prefix, as used by TUNSETIFF.
type ifReq struct {
	name  [ifnamsiz]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Tap is a virtio-net backend bound to a host TAP device. Packets
// transmitted by the guest are written to the TAP fd; packets read from the
// TAP fd are injected back into the guest as receive traffic.
type Tap struct {
	file *os.File
	name string

	net *virtio.Net
}

// Open creates (or attaches to, if name already exists) a TAP device. An
// empty name lets the kernel choose one (e.g. "tap0").
func Open(name string) (*Tap, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}
	file := os.NewFile(uintptr(fd), tunDevicePath)

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		file.Close()
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}

	actualName := nullTerminatedString(req.name[:])

	t := &Tap{file: file, name: actualName}
	return t, nil
}

// Name returns the TAP interface name the kernel assigned.
func (t *Tap) Name() string {
	return t.name
}

// Close releases the TAP file descriptor.
func (t *Tap) Close() error {
	return t.file.Close()
}

// BindNetDevice implements the virtio package's internal netDeviceBinder
// interface, giving this backend a handle to enqueue received packets.
func (t *Tap) BindNetDevice(n *virtio.Net) {
	t.net = n
}

// HandleTx implements virtio.NetBackend: writes a guest-transmitted frame
// to the TAP device.
func (t *Tap) HandleTx(packet []byte, release func()) error {
	defer release()
	if _, err := t.file.Write(packet); err != nil {
		return fmt.Errorf("write to tap %s: %w", t.name, err)
	}
	return nil
}

// Run reads frames from the TAP device and injects them into the guest as
// receive traffic until stop is closed or a read from the device fails. The
// stop channel is checked between reads. Callers run this in its own
// goroutine.
func (t *Tap) Run(stop <-chan struct{}) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := t.file.Read(buf)
		if err != nil {
			return fmt.Errorf("read from tap %s: %w", t.name, err)
		}
		if t.net == nil {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		if err := t.net.EnqueueRxPacket(packet); err != nil {
			log.Printf("nettap: enqueue rx packet: %v", err)
		}
	}
}

var _ virtio.NetBackend = (*Tap)(nil)

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
