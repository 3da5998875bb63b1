package hwq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

var (
	// ErrResizeInProgress is returned when a resize is requested while an
	// earlier one has not finished. Only one resize may be in flight.
	ErrResizeInProgress = errors.New("completion queue resize already in progress")

	// ErrBusy is returned when destroying a completion queue that queue
	// pairs still reference.
	ErrBusy = errors.New("completion queue is still referenced")
)

// Completion record control fields. The record is an opaque fixed-stride
// block to this core except for the producer resource key and the caller's
// request tag.
const (
	compKeyOffset  = 0 // producer resource key, 32 bit
	compCtrOffset  = 4 // element counter, 16 bit, routes shared receives
	compWRIDOffset = 8 // caller's request tag, 64 bit
)

// CompletionQueue owns a ring of fixed-stride completion records shared by
// one or more queues. Records between the consumer and producer indices are
// produced by the device and not yet harvested.
type CompletionQueue struct {
	ctx    *Context
	handle uint64
	cqn    uint32

	mu optionalMutex

	buf        *Buffer
	resizeBuf  *Buffer
	entryBytes uint32
	entries    uint32 // power of two; usable depth is entries-1
	ci         uint32 // consumer index, monotonically increasing
	pi         uint32 // producer index, advanced by the device
	dbrec      *DoorbellRecord

	refs      atomic.Int32
	destroyed bool

	scrubbed metrics.Counter
	resizes  metrics.Counter
}

// CQN is the hardware-assigned completion queue number, also the key of the
// cross-queue lock ordering.
func (cq *CompletionQueue) CQN() uint32 { return cq.cqn }

// Depth is the usable record capacity.
func (cq *CompletionQueue) Depth() uint32 { return cq.entries - 1 }

// CreateCQ allocates the record buffer and its doorbell record, then asks
// the device to bring the queue up. The requested depth is rounded up to the
// next power of two minus the reserved slot, and that actual depth is what
// Depth reports afterwards.
func (c *Context) CreateCQ(requested uint32) (*CompletionQueue, error) {
	if requested == 0 {
		return nil, fmt.Errorf("completion queue depth must be at least 1")
	}

	n, err := roundUpPowerOfTwo(int64(requested) + 1)
	if err != nil {
		return nil, err
	}
	if uint32(n) > c.limits.MaxCompEntries {
		return nil, fmt.Errorf("completion depth %d exceeds device maximum %d", requested, c.limits.MaxCompEntries)
	}

	cq := &CompletionQueue{
		ctx:        c,
		entryBytes: c.compEntryBytes,
		entries:    uint32(n),
		scrubbed:   metrics.GetOrRegisterCounter("completions.scrubbed", nil),
		resizes:    metrics.GetOrRegisterCounter("completions.resizes", nil),
	}
	cq.mu.disabled = c.singleThreaded

	cq.buf, err = c.buffers.alloc(cq.entries*cq.entryBytes, "cq")
	if err != nil {
		return nil, err
	}

	cq.dbrec, err = c.buffers.allocDoorbellRecord()
	if err != nil {
		cq.buf.release()
		return nil, err
	}
	cq.dbrec.zero()

	resp, err := c.cmd.CreateCQ(&CreateCQCmd{
		Buf:         cq.buf.Bytes(),
		DoorbellRec: cq.dbrec.Bytes(),
		EntryCnt:    cq.entries,
		EntryBytes:  cq.entryBytes,
	})
	if err != nil {
		c.buffers.freeDoorbellRecord(cq.dbrec)
		cq.buf.release()
		return nil, fmt.Errorf("device rejected completion queue: %w", err)
	}

	cq.handle = resp.Handle
	cq.cqn = resp.CQN
	cq.mu.mu = newSyncMutex(mutexKey{Type: "completion-queue", ID: cq.cqn})
	c.l.WithField("cqn", cq.cqn).WithField("depth", cq.Depth()).Debug("created completion queue")
	return cq, nil
}

// Destroy tears the queue down. The device call is the authority: local
// memory is released only after it confirms the hardware resource is gone.
func (cq *CompletionQueue) Destroy() error {
	if cq.refs.Load() != 0 {
		return ErrBusy
	}

	if err := cq.ctx.cmd.DestroyCQ(cq.handle); err != nil {
		return fmt.Errorf("device refused to destroy cq %d: %w", cq.cqn, err)
	}

	cq.mu.Lock()
	cq.destroyed = true
	cq.mu.Unlock()

	cq.ctx.buffers.freeDoorbellRecord(cq.dbrec)
	cq.buf.release()
	return nil
}

// Resize moves the queue to a new depth using a second buffer. A new depth
// that rounds to the current one is reported as success without contacting
// the device; the data plane cannot tell the difference and the original
// protocol behaves the same way. The whole copy and swap happens under the
// queue lock so no record is produced or consumed mid-resize.
func (cq *CompletionQueue) Resize(requested uint32) error {
	n64, err := roundUpPowerOfTwo(int64(requested) + 1)
	if err != nil {
		return err
	}
	n := uint32(n64)
	if n > cq.ctx.limits.MaxCompEntries {
		return fmt.Errorf("completion depth %d exceeds device maximum %d", requested, cq.ctx.limits.MaxCompEntries)
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.resizeBuf != nil {
		return ErrResizeInProgress
	}
	if n == cq.entries {
		return nil
	}
	if outstanding := cq.pi - cq.ci; outstanding > n-1 {
		return fmt.Errorf("%d unconsumed completions do not fit the requested depth %d", outstanding, requested)
	}

	cq.resizeBuf, err = cq.ctx.buffers.alloc(n*cq.entryBytes, "cq")
	if err != nil {
		return err
	}

	if err := cq.ctx.cmd.ResizeCQ(cq.handle, cq.resizeBuf.Bytes(), n); err != nil {
		cq.resizeBuf.release()
		cq.resizeBuf = nil
		return fmt.Errorf("device rejected resize of cq %d: %w", cq.cqn, err)
	}

	cq.copyRecordsLocked(cq.resizeBuf, n)
	cq.buf.release()
	cq.buf = cq.resizeBuf
	cq.resizeBuf = nil
	cq.entries = n
	cq.resizes.Inc(1)
	return nil
}

// copyRecordsLocked carries every unconsumed record into the new buffer,
// preserving the relative order and the consumer index.
func (cq *CompletionQueue) copyRecordsLocked(dst *Buffer, entries uint32) {
	oldMask := cq.entries - 1
	newMask := entries - 1
	stride := cq.entryBytes
	for i := cq.ci; i != cq.pi; i++ {
		from := (i & oldMask) * stride
		to := (i & newMask) * stride
		copy(dst.b[to:to+stride], cq.buf.b[from:from+stride])
	}
}

// Clean removes stale completions for a resource being destroyed and is the
// lock-taking wrapper around the scrub walk.
func (cq *CompletionQueue) Clean(ownerKey uint32, srq *SharedReceiveQueue) {
	cq.mu.Lock()
	cq.cleanLocked(ownerKey, srq)
	cq.mu.Unlock()
}

// cleanLocked walks the unconsumed records from newest to oldest, drops
// every record produced by ownerKey, slides the survivors toward the
// producer index so relative order is preserved, and advances the consumer
// index past the hole. Records belonging to the paired shared receive queue
// also hand their element back to its free list. Calling it again for the
// same owner removes nothing and is harmless.
func (cq *CompletionQueue) cleanLocked(ownerKey uint32, srq *SharedReceiveQueue) {
	if cq.pi == cq.ci {
		return
	}

	mask := cq.entries - 1
	stride := cq.entryBytes
	var nfreed uint32

	for i := cq.pi; i != cq.ci; {
		i--
		off := (i & mask) * stride
		rec := cq.buf.b[off : off+stride]
		key := binary.BigEndian.Uint32(rec[compKeyOffset : compKeyOffset+4])
		if key == ownerKey {
			if srq != nil {
				srq.reclaim(binary.BigEndian.Uint16(rec[compCtrOffset : compCtrOffset+2]))
			}
			nfreed++
			continue
		}
		if nfreed > 0 {
			to := ((i + nfreed) & mask) * stride
			copy(cq.buf.b[to:to+stride], rec)
		}
	}

	if nfreed > 0 {
		cq.ci += nfreed
		cq.dbrec.setRecv(cq.ci)
		cq.scrubbed.Inc(int64(nfreed))
		cq.ctx.l.WithField("cqn", cq.cqn).WithField("owner", ownerKey).
			WithField("records", nfreed).Debug("scrubbed completions")
	}
}

// post is the device side of the ring: the command channel test double and
// the privileged peer append records here. Callers outside the data plane
// must not use it.
func (cq *CompletionQueue) post(ownerKey uint32, ctr uint16, wrid uint64) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.pi-cq.ci >= cq.entries-1 {
		return fmt.Errorf("completion queue %d overflow", cq.cqn)
	}

	off := (cq.pi & (cq.entries - 1)) * cq.entryBytes
	rec := cq.buf.b[off : off+cq.entryBytes]
	binary.BigEndian.PutUint32(rec[compKeyOffset:compKeyOffset+4], ownerKey)
	binary.BigEndian.PutUint16(rec[compCtrOffset:compCtrOffset+2], ctr)
	binary.BigEndian.PutUint64(rec[compWRIDOffset:compWRIDOffset+8], wrid)
	cq.pi++
	return nil
}

// Poll harvests up to max completions in production order, returning the
// owner key and request tag of each.
func (cq *CompletionQueue) Poll(max int) []Completion {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stride := cq.entryBytes
	var out []Completion
	for len(out) < max && cq.ci != cq.pi {
		off := (cq.ci & (cq.entries - 1)) * stride
		rec := cq.buf.b[off : off+stride]
		out = append(out, Completion{
			OwnerKey: binary.BigEndian.Uint32(rec[compKeyOffset : compKeyOffset+4]),
			WRID:     binary.BigEndian.Uint64(rec[compWRIDOffset : compWRIDOffset+8]),
		})
		cq.ci++
	}
	cq.dbrec.setRecv(cq.ci)
	return out
}

// Completion is the decoded control-field view of one harvested record.
type Completion struct {
	OwnerKey uint32
	WRID     uint64
}

// outstanding reports unconsumed records; used by tests and the destroy
// paths for invariants, not by the data plane.
func (cq *CompletionQueue) outstanding() uint32 {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.pi - cq.ci
}

// lockCQs takes both completion queue locks of one queue pair in ascending
// cqn order, so two threads destroying pairs that share queues in opposite
// roles cannot deadlock.
func lockCQs(send, recv *CompletionQueue) {
	switch {
	case send != nil && recv != nil:
		if send == recv {
			send.mu.Lock()
		} else if send.cqn < recv.cqn {
			send.mu.Lock()
			recv.mu.Lock()
		} else {
			recv.mu.Lock()
			send.mu.Lock()
		}
	case send != nil:
		send.mu.Lock()
	case recv != nil:
		recv.mu.Lock()
	}
}

func unlockCQs(send, recv *CompletionQueue) {
	switch {
	case send != nil && recv != nil:
		if send == recv {
			send.mu.Unlock()
		} else if send.cqn < recv.cqn {
			recv.mu.Unlock()
			send.mu.Unlock()
		} else {
			send.mu.Unlock()
			recv.mu.Unlock()
		}
	case send != nil:
		send.mu.Unlock()
	case recv != nil:
		recv.mu.Unlock()
	}
}
