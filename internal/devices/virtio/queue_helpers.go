package virtio

import "fmt"

// QueueReady returns true if the queue is ready for processing.
func QueueReady(q *queue) bool {
	return q != nil && q.ready && q.size > 0
}

// packedDescAvail mirrors the availability test inside virtq_get_avail:
// a descriptor belongs to the device exactly when its AVAIL bit matches
// the ring's wrap counter and its USED bit does not.
func packedDescAvail(flags uint16, wrap bool) bool {
	avail := flags&virtqPackedDescFAvail != 0
	used := flags&virtqPackedDescFUsed != 0
	return avail == wrap && used != wrap
}

// descHasNext mirrors virtq_check_next: whether this descriptor chains to
// the following ring slot.
func descHasNext(desc virtqDescriptor) bool {
	return desc.flags&virtqDescFNext != 0
}

// nextAvailDescriptor mirrors virtq_get_avail: it inspects the descriptor
// at the ring's current position and, if the driver has made it available,
// advances next_avail_idx and flips used_wrap_count on wraparound. wrap is
// the wrap-counter value in effect when head was claimed, which is what
// must be written back into the used descriptor on completion.
func nextAvailDescriptor(dev device, q *queue) (desc virtqDescriptor, head uint16, wrap bool, ok bool, err error) {
	desc, err = dev.readDescriptorAt(q, q.nextAvailIdx)
	if err != nil {
		return virtqDescriptor{}, 0, false, false, err
	}
	if !packedDescAvail(desc.flags, q.usedWrapCount) {
		return virtqDescriptor{}, 0, false, false, nil
	}

	head = q.nextAvailIdx
	wrap = q.usedWrapCount

	q.nextAvailIdx++
	if q.nextAvailIdx >= q.size {
		q.nextAvailIdx -= q.size
		q.usedWrapCount = !q.usedWrapCount
	}

	return desc, head, wrap, true, nil
}

// descriptorChain walks a packed-ring buffer starting at head, following
// VRING_DESC_F_NEXT across consecutive (wrapping) ring slots. Unlike a
// split ring, there is no per-descriptor "next" index: chained buffers
// simply occupy the following ring position.
func descriptorChain(dev device, q *queue, head uint16, first virtqDescriptor) ([]virtqDescriptor, error) {
	chain := []virtqDescriptor{first}
	index := head
	desc := first
	for descHasNext(desc) {
		index++
		if index >= q.size {
			index = 0
		}
		if len(chain) >= int(q.size) {
			return nil, fmt.Errorf("virtio: descriptor chain longer than queue size")
		}
		var err error
		desc, err = dev.readDescriptorAt(q, index)
		if err != nil {
			return nil, err
		}
		chain = append(chain, desc)
	}
	return chain, nil
}

// completeDescriptor mirrors writing the used element back in a packed
// ring: the head slot is overwritten with the buffer id and the number of
// bytes the device produced, with both AVAIL and USED flipped to wrap.
func completeDescriptor(dev device, q *queue, head uint16, wrap bool, id uint16, length uint32) error {
	return dev.writeUsedDescriptor(q, head, id, length, wrap)
}

// ChainProcessor handles one fully-collected descriptor chain and returns
// the number of bytes the device wrote into it.
type ChainProcessor func(dev device, q *queue, chain []virtqDescriptor) (written uint32, err error)

// ProcessQueueNotifications drains every descriptor chain the driver has
// made available, per virtq_handle_avail, and reports whether any chain
// was processed (the caller decides whether that warrants an interrupt).
func ProcessQueueNotifications(dev device, q *queue, processor ChainProcessor) (bool, error) {
	if !QueueReady(q) {
		return false, nil
	}

	var processed bool
	for {
		first, head, wrap, ok, err := nextAvailDescriptor(dev, q)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}

		chain, err := descriptorChain(dev, q, head, first)
		if err != nil {
			return processed, err
		}

		written, err := processor(dev, q, chain)
		if err != nil {
			return processed, err
		}

		if err := completeDescriptor(dev, q, head, wrap, first.id, written); err != nil {
			return processed, err
		}
		processed = true
	}

	return processed, nil
}

// ShouldRaiseInterrupt returns true if an interrupt should be raised, per
// virtq_handle_avail's guest_event->flags == VRING_PACKED_EVENT_FLAG_ENABLE
// check.
func ShouldRaiseInterrupt(dev device, q *queue, processed bool) bool {
	if !processed {
		return false
	}
	enabled, err := dev.driverEventsEnabled(q)
	if err != nil {
		return processed // Fall back to raising on error
	}
	return enabled
}

