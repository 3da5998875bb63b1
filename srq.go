package hwq

import (
	"fmt"
)

// SRQConfig is the capability request for one shared receive queue. MaxElems
// and MaxSGE are written back with the negotiated actual values.
type SRQConfig struct {
	MaxElems uint32
	MaxSGE   uint32
}

// SharedReceiveQueue is a receive queue shared by many queue pairs. Elements
// complete out of order, so free elements are chained on a linked free list
// and handed back one at a time.
type SharedReceiveQueue struct {
	ctx    *Context
	handle uint64
	srqn   uint32
	rsn    uint32 // index table key; srqn in direct mode, user index in slot mode

	mu optionalMutex

	buf    *Buffer
	dbrec  *DoorbellRecord
	layout wqLayout

	wrid     []uint64
	next     []int32 // free list links, -1 terminates
	freeHead int32
	freeTail int32
	counter  uint16 // total elements ever posted, forwarded to the device
}

func (s *SharedReceiveQueue) SRQN() uint32 { return s.srqn }

// CreateSRQ sizes, allocates and registers a shared receive queue. In slot
// mode the user index is reserved before the device call because the device
// needs it as part of the create command.
func (c *Context) CreateSRQ(cfg *SRQConfig) (*SharedReceiveQueue, error) {
	layout, err := calcSharedRecvQueue(&c.limits, cfg.MaxElems, cfg.MaxSGE, c.srqSignature)
	if err != nil {
		return nil, err
	}

	s := &SharedReceiveQueue{
		ctx:      c,
		layout:   layout,
		wrid:     make([]uint64, layout.elemCnt),
		next:     make([]int32, layout.elemCnt),
		freeHead: 0,
		freeTail: int32(layout.elemCnt) - 1,
	}
	s.mu.disabled = c.singleThreaded
	s.mu.mu = newSyncMutex(mutexKey{Type: "shared-receive"})
	for i := range s.next {
		s.next[i] = int32(i) + 1
	}
	s.next[len(s.next)-1] = -1

	s.buf, err = c.buffers.alloc(layout.byteSize, "srq")
	if err != nil {
		return nil, err
	}

	s.dbrec, err = c.buffers.allocDoorbellRecord()
	if err != nil {
		s.buf.release()
		return nil, err
	}
	s.dbrec.zero()

	var flags CreateFlags
	if c.srqSignature {
		flags |= FlagSignature
	}

	cmd := &CreateSRQCmd{
		Buf:         s.buf.Bytes(),
		DoorbellRec: s.dbrec.Bytes(),
		ElemCnt:     layout.elemCnt,
		ElemShift:   layout.elemShift,
		Flags:       flags,
	}

	var uidx uint32
	if c.mode == IndexModeSlot {
		uidx, err = c.uidx.reserve()
		if err != nil {
			c.buffers.freeDoorbellRecord(s.dbrec)
			s.buf.release()
			return nil, err
		}
		cmd.UserIndex = uidx
	}

	resp, err := c.cmd.CreateSRQ(cmd)
	if err != nil {
		if c.mode == IndexModeSlot {
			c.uidx.unreserve(uidx)
		}
		c.buffers.freeDoorbellRecord(s.dbrec)
		s.buf.release()
		return nil, fmt.Errorf("device rejected shared receive queue: %w", err)
	}

	s.handle = resp.Handle
	s.srqn = resp.SRQN

	if c.mode == IndexModeSlot {
		s.rsn = uidx
		err = c.uidx.insert(uidx, Resource{Type: ResourceSRQ, SRQ: s})
	} else {
		s.rsn = s.srqn
		err = c.srqs.insert(s.srqn, Resource{Type: ResourceSRQ, SRQ: s})
	}
	if err != nil {
		_ = c.cmd.DestroySRQ(s.handle)
		if c.mode == IndexModeSlot {
			c.uidx.unreserve(uidx)
		}
		c.buffers.freeDoorbellRecord(s.dbrec)
		s.buf.release()
		return nil, err
	}

	cfg.MaxElems = layout.maxPost
	cfg.MaxSGE = layout.maxSGE

	c.l.WithField("srqn", s.srqn).WithField("depth", layout.maxPost).Debug("created shared receive queue")
	return s, nil
}

// Destroy asks the device first; nothing local is freed until the device
// confirms, because completions may still arrive until it returns.
func (s *SharedReceiveQueue) Destroy() error {
	c := s.ctx

	if err := c.cmd.DestroySRQ(s.handle); err != nil {
		return fmt.Errorf("device refused to destroy srq %d: %w", s.srqn, err)
	}

	if c.mode == IndexModeSlot {
		c.uidx.remove(s.rsn)
	} else {
		c.srqs.remove(s.srqn)
	}

	c.buffers.freeDoorbellRecord(s.dbrec)
	s.buf.release()
	return nil
}

// take claims one free element for a posted receive and records the caller's
// tag against it.
func (s *SharedReceiveQueue) take(wrid uint64) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freeHead < 0 {
		return 0, fmt.Errorf("shared receive queue %d is full", s.srqn)
	}

	idx := uint16(s.freeHead)
	s.freeHead = s.next[idx]
	if s.freeHead < 0 {
		s.freeTail = -1
	}
	s.next[idx] = -1
	s.wrid[idx] = wrid
	s.counter++
	s.dbrec.setRecv(uint32(s.counter))
	return idx, nil
}

// reclaim chains a completed element back onto the free list. The completion
// scrub path calls this for records it removes on behalf of a destroyed
// queue pair.
func (s *SharedReceiveQueue) reclaim(idx uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(idx) >= len(s.next) {
		return
	}
	s.next[idx] = -1
	if s.freeTail >= 0 {
		s.next[s.freeTail] = int32(idx)
	} else {
		s.freeHead = int32(idx)
	}
	s.freeTail = int32(idx)
	s.wrid[idx] = 0
}
