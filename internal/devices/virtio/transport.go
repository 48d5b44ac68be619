package virtio

import (
	"fmt"

	"github.com/kvm-host/kvm-host/internal/hv"
)

// virtqDescFNext marks a descriptor as chained to the next ring slot.
// virtqDescFWrite marks a descriptor as device-writable (guest-readable otherwise).
// virtqDescFIndirect marks a descriptor as a pointer to an indirect table.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4
)

// Packed ring availability/completion bits of a descriptor's flags field
// (AVAIL is bit 7, USED is bit 15). A descriptor is available to the device when
// its AVAIL bit equals the ring's current wrap counter and its USED bit
// does not; the device hands it back by writing both bits to that same
// wrap value.
const (
	virtqPackedDescFAvail = 1 << 7
	virtqPackedDescFUsed  = 1 << 15
)

// Driver/device event suppression structure flag values (vring_packed_desc_event.flags).
const (
	virtqPackedEventFlagEnable  uint16 = 0x0
	virtqPackedEventFlagDisable uint16 = 0x1
)

// VIRTIO_MMIO_CONFIG is retained only so device-config offset math written
// against the legacy MMIO transport offset convention keeps working
// unmodified on the PCI transport, where device-config offsets already
// arrive zero-based.
const VIRTIO_MMIO_CONFIG = 0

// virtioFeatureVersion1 is VIRTIO_F_VERSION_1 (bit 32): required of every
// modern (non-transitional) virtio device.
const virtioFeatureVersion1 = uint64(1) << 32

// virtioFeatureRingPacked is VIRTIO_F_RING_PACKED (bit 34). Every device
// built on this transport negotiates it: the transport below only knows
// how to drive a packed ring, so a driver that doesn't ack this feature
// has nothing workable to fall back to.
const virtioFeatureRingPacked = uint64(1) << 34

// virtqDescriptor mirrors one entry of a packed virtqueue ring: a single
// interleaved table of descriptors whose flags field carries both the
// split-ring-style NEXT/WRITE/INDIRECT bits and the packed-ring AVAIL/USED
// bits the driver and device use to hand buffers back and forth without a
// separate avail/used ring.
type virtqDescriptor struct {
	addr   uint64
	length uint32
	id     uint16
	flags  uint16
}

// queue holds per-virtqueue bookkeeping shared between a virtio-PCI
// transport and the device-specific logic driving it. The ring is packed:
// there is one descriptor table, and next_avail_idx/used_wrap_count walk it
// exactly once per lap, flipping the wrap bit every time the index rolls
// over the end of the ring.
type queue struct {
	size    uint16
	maxSize uint16
	ready   bool
	enable  bool

	descAddr   uint64
	driverAddr uint64 // driver_addr: Driver Event Suppression, written by the driver
	deviceAddr uint64 // device_addr: Device Event Suppression, written by the device

	msixVector uint16
	notifyOff  uint16

	nextAvailIdx  uint16
	usedWrapCount bool
}

func (q *queue) reset() {
	q.size = 0
	q.ready = false
	q.enable = false
	q.descAddr = 0
	q.driverAddr = 0
	q.deviceAddr = 0
	q.nextAvailIdx = 0
	// A freshly enabled packed ring starts with its wrap counter set, per
	// virtq_init: every descriptor begins unavailable until the driver
	// flips its AVAIL bit to match.
	q.usedWrapCount = true
}

// device is the transport-facing surface a virtio device handler drives.
// A virtio-PCI endpoint implements this directly.
type device interface {
	queue(index int) *queue

	// readDescriptorAt returns the packed-ring descriptor at the given
	// ring index, regardless of whether it is currently available.
	readDescriptorAt(q *queue, index uint16) (virtqDescriptor, error)

	// writeUsedDescriptor marks the descriptor at ringIndex (the head of
	// a consumed chain) complete: it writes back id and length and sets
	// both the AVAIL and USED bits to wrap, handing the slot back to the
	// driver for reuse once the ring laps again.
	writeUsedDescriptor(q *queue, ringIndex uint16, id uint16, length uint32, wrap bool) error

	readGuest(addr uint64, length uint32) ([]byte, error)
	writeGuest(addr uint64, data []byte) error

	// memSlice returns a copy of length bytes of guest memory at addr;
	// writes to the returned slice do not reach the guest.
	memSlice(addr uint64, length uint64) ([]byte, error)

	raiseInterrupt(bit uint32)

	// driverEventsEnabled reports whether the driver's event-suppression
	// structure currently asks for notification on the next completion
	// (VRING_PACKED_EVENT_FLAG_ENABLE), mirroring virtq_handle_avail's
	// guest_event->flags check.
	driverEventsEnabled(q *queue) (bool, error)

	readMMIO(addr uint64, data []byte) error
	writeMMIO(addr uint64, data []byte) error
}

// deviceHandler is implemented by a concrete virtio device (block, net, ...)
// and driven by the transport through the device interface above.
type deviceHandler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16

	OnReset(dev device)
	OnQueueNotify(dev device, queue int) error

	ReadConfig(dev device, offset uint64) (uint32, bool, error)
	WriteConfig(dev device, offset uint64, value uint32) (bool, error)
}

func ensureQueueReady(q *queue) error {
	if q == nil || !q.ready || q.size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative access length")
	}
	end := addr + uint64(length)
	if end < addr {
		return 0, fmt.Errorf("virtio: guest address overflow at %#x", addr)
	}
	return int64(addr), nil
}

func littleEndianValue(data []byte, width uint32) uint32 {
	var v uint32
	for i := uint32(0); i < width && i < uint32(len(data)); i++ {
		v |= uint32(data[i]) << (8 * i)
	}
	return v
}

func storeLittleEndian(data []byte, width uint32, value uint32) {
	for i := uint32(0); i < width && i < uint32(len(data)); i++ {
		data[i] = byte(value >> (8 * i))
	}
}

// EncodeIRQLineForArch normalizes an already arch-selected IRQ line. It
// exists so device templates have one call site to route IRQ encoding
// through regardless of architecture, even though neither supported
// architecture currently needs to transform the value further.
func EncodeIRQLineForArch(arch hv.CpuArchitecture, irqLine uint32) uint32 {
	return irqLine
}
