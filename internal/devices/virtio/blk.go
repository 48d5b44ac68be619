package virtio

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/kvm-host/kvm-host/internal/devices/pci"
	"github.com/kvm-host/kvm-host/internal/hv"
)

const (
	blkQueueCount   = 1
	blkQueueNumMax  = 128
	blkVendorID     = 0x554d4551 // "QEMU"
	blkVersion      = 2
	blkDeviceID     = 2
	blkInterruptBit = 0x1

	blkQueueRequest = 0
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN          = 0 // Read
	VIRTIO_BLK_T_OUT         = 1 // Write
	VIRTIO_BLK_T_FLUSH       = 4 // Flush
	VIRTIO_BLK_T_GET_ID      = 8 // Get device ID
	VIRTIO_BLK_T_DISCARD     = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_SIZE_MAX  = 1 << 1  // Max size of any single segment
	VIRTIO_BLK_F_SEG_MAX   = 1 << 2  // Max number of segments
	VIRTIO_BLK_F_GEOMETRY  = 1 << 4  // Disk geometry available
	VIRTIO_BLK_F_RO        = 1 << 5  // Read-only device
	VIRTIO_BLK_F_BLK_SIZE  = 1 << 6  // Block size available
	VIRTIO_BLK_F_FLUSH     = 1 << 9  // Flush command supported
	VIRTIO_BLK_F_TOPOLOGY  = 1 << 10 // Topology info available
	VIRTIO_BLK_F_CONFIG_WCE = 1 << 11 // Writeback mode available
)

// blkDeviceConfig is the shared configuration for block devices.
var blkDeviceConfig = &PCIDeviceConfig{
	DeviceID:     blkDeviceID,
	VendorID:     blkVendorID,
	Version:      blkVersion,
	QueueCount:   blkQueueCount,
	QueueMaxSize: blkQueueNumMax,
	FeatureBits:  []uint64{virtioFeatureVersion1 | VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH},
	DeviceName:   "virtio-blk",
}

// BlkDeviceConfig returns the shared configuration for block devices.
func BlkDeviceConfig() *PCIDeviceConfig {
	return blkDeviceConfig
}

// BlkTemplate is the template for creating virtio-blk devices on the PCI bus.
type BlkTemplate struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	Config *PCIDeviceConfig

	File     *os.File
	ReadOnly bool
}

// NewBlkTemplate creates a BlkTemplate with proper configuration.
func NewBlkTemplate(file *os.File, readonly bool) BlkTemplate {
	return BlkTemplate{
		Config:   blkDeviceConfig,
		File:     file,
		ReadOnly: readonly,
	}
}

func (t BlkTemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	config := t.Config
	if config == nil {
		config = blkDeviceConfig
	}

	blk := &Blk{
		PCIDeviceBase: NewPCIDeviceBase(config),
		file:          t.File,
		readonly:      t.ReadOnly,
	}
	if err := blk.InitPCI(vm, t.Host, t.Bus, t.Device, t.Function); err != nil {
		return nil, fmt.Errorf("virtio-blk: initialize device: %w", err)
	}
	return blk, nil
}

var _ hv.DeviceTemplate = BlkTemplate{}

// Blk implements a virtio block device.
type Blk struct {
	PCIDeviceBase
	mu       sync.Mutex
	file     *os.File
	readonly bool
	capacity uint64 // in 512-byte sectors
}

// blkConfig is the virtio-blk configuration structure.
type blkConfig struct {
	capacity  uint64 // Number of 512-byte sectors
	sizeMax   uint32 // Max size of any single segment
	segMax    uint32 // Max number of segments
	cylinders uint16 // Geometry: cylinders
	heads     uint8  // Geometry: heads
	sectors   uint8  // Geometry: sectors
	blkSize   uint32 // Block size
}

// InitPCI creates the underlying virtio-PCI transport, deriving block
// capacity from the backing file first. Device is driven by itself as
// the deviceHandler.
func (b *Blk) InitPCI(vm hv.VirtualMachine, host *pci.HostBridge, busNum, devNum, funcNum uint8) error {
	if b.Device() != nil {
		return nil
	}
	if b.file != nil {
		fi, err := b.file.Stat()
		if err != nil {
			return fmt.Errorf("virtio-blk: stat file: %w", err)
		}
		b.capacity = uint64(fi.Size()) / 512
	}
	return b.PCIDeviceBase.InitPCI(vm, host, busNum, devNum, funcNum, blkDeviceID, b)
}

// Init implements hv.Device. Construction happens in InitPCI during
// BlkTemplate.Create; there is nothing left to wire up here.
func (b *Blk) Init(vm hv.VirtualMachine) error {
	return nil
}

// Stop implements Stoppable.
func (b *Blk) Stop() error {
	return nil
}

func (b *Blk) OnReset(device) {
	// Nothing to reset
}

func (b *Blk) OnQueueNotify(dev device, queue int) error {
	if queue != blkQueueRequest {
		return nil
	}
	return b.processRequestQueue(dev, dev.queue(queue))
}

func (b *Blk) ReadConfig(dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, b.configBytes())
}

func (b *Blk) WriteConfig(dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

func (b *Blk) processRequestQueue(dev device, q *queue) error {
	processed, err := ProcessQueueNotifications(dev, q, b.processRequest)
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(dev, q, processed) {
		dev.raiseInterrupt(blkInterruptBit)
	}
	return nil
}

// virtioBlkReqHdr is the request header structure
type virtioBlkReqHdr struct {
	reqType  uint32
	reserved uint32
	sector   uint64
}

func (b *Blk) processRequest(dev device, q *queue, chain []virtqDescriptor) (uint32, error) {
	// A virtio-blk request chain is always [header] [data...] [status]:
	// header is read-only and carries the request type and sector, data
	// descriptors are read-only for writes and write-only for reads, and
	// the trailing status descriptor is a single writable byte.
	if len(chain) < 2 {
		return 0, fmt.Errorf("virtio-blk: request chain too short: %d descriptors", len(chain))
	}

	headerDesc := chain[0]
	if headerDesc.flags&virtqDescFWrite != 0 {
		return 0, fmt.Errorf("virtio-blk: header descriptor is writable")
	}
	if headerDesc.length < 16 {
		return 0, fmt.Errorf("virtio-blk: header too short: %d", headerDesc.length)
	}
	hdrData, err := dev.readGuest(headerDesc.addr, 16)
	if err != nil {
		return 0, err
	}
	hdr := virtioBlkReqHdr{
		reqType:  binary.LittleEndian.Uint32(hdrData[0:4]),
		reserved: binary.LittleEndian.Uint32(hdrData[4:8]),
		sector:   binary.LittleEndian.Uint64(hdrData[8:16]),
	}

	dataDescs := chain[1 : len(chain)-1]
	statusDesc := chain[len(chain)-1]

	status := b.executeRequest(dev, hdr, dataDescs)

	if err := dev.writeGuest(statusDesc.addr, []byte{status}); err != nil {
		return 0, err
	}

	written := uint32(1) // status byte
	if status == VIRTIO_BLK_S_OK && hdr.reqType == VIRTIO_BLK_T_IN {
		for _, d := range dataDescs {
			written += d.length
		}
	}
	return written, nil
}

func (b *Blk) executeRequest(dev device, hdr virtioBlkReqHdr, dataDescs []virtqDescriptor) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return VIRTIO_BLK_S_IOERR
	}

	offset := int64(hdr.sector) * 512

	switch hdr.reqType {
	case VIRTIO_BLK_T_IN: // Read
		for _, desc := range dataDescs {
			if desc.flags&virtqDescFWrite == 0 {
				// Read request should have writable data descriptors
				return VIRTIO_BLK_S_IOERR
			}
			data := make([]byte, desc.length)
			n, err := b.file.ReadAt(data, offset)
			if err != nil && n == 0 {
				log.Printf("virtio-blk: read err=%v offset=%d len=%d", err, offset, desc.length)
				return VIRTIO_BLK_S_IOERR
			}
			if err := dev.writeGuest(desc.addr, data[:n]); err != nil {
				return VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_OUT: // Write
		if b.readonly {
			return VIRTIO_BLK_S_IOERR
		}
		for _, desc := range dataDescs {
			if desc.flags&virtqDescFWrite != 0 {
				// Write request should have read-only data descriptors
				return VIRTIO_BLK_S_IOERR
			}
			data, err := dev.readGuest(desc.addr, desc.length)
			if err != nil {
				return VIRTIO_BLK_S_IOERR
			}
			n, err := b.file.WriteAt(data, offset)
			if err != nil {
				log.Printf("virtio-blk: write err=%v offset=%d len=%d", err, offset, desc.length)
				return VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_FLUSH:
		if err := b.file.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_GET_ID:
		// Return device ID (20 bytes, null-padded)
		id := make([]byte, 20)
		copy(id, "virtio-blk")
		if len(dataDescs) > 0 && dataDescs[0].flags&virtqDescFWrite != 0 {
			if err := dev.writeGuest(dataDescs[0].addr, id); err != nil {
				return VIRTIO_BLK_S_IOERR
			}
		}
		return VIRTIO_BLK_S_OK

	default:
		return VIRTIO_BLK_S_UNSUPP
	}
}

func (b *Blk) configBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	cfg := blkConfig{
		capacity: capacity,
		sizeMax:  1 << 20,    // 1MB max segment
		segMax:   128,        // Max segments
		blkSize:  512,        // Block size
	}

	// Serialize config to bytes
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], cfg.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], cfg.sizeMax)
	binary.LittleEndian.PutUint32(buf[12:16], cfg.segMax)
	binary.LittleEndian.PutUint16(buf[16:18], cfg.cylinders)
	buf[18] = cfg.heads
	buf[19] = cfg.sectors
	binary.LittleEndian.PutUint32(buf[20:24], cfg.blkSize)
	return buf[:]
}

var (
	_ hv.MemoryMappedIODevice = (*Blk)(nil)
	_ deviceHandler           = (*Blk)(nil)
	_ Stoppable               = (*Blk)(nil)
)
