package hwq

import (
	"fmt"
)

// RawWQConfig describes a standalone receive work queue, the building block
// of receive-side scaling groups. MaxElems and MaxSGE are written back with
// the negotiated values.
type RawWQConfig struct {
	MaxElems    uint32
	MaxSGE      uint32
	MultiPacket bool
	CQ          *CompletionQueue
	Domain      *ParentDomain
}

// RawWorkQueue is a receive queue detached from any queue pair. Completion
// routing for raw work queues always runs through the user index table, so
// they only exist on contexts negotiated into slot mode.
type RawWorkQueue struct {
	ctx    *Context
	handle uint64
	wqn    uint32
	rsn    uint32

	buf    *Buffer
	dbrec  *DoorbellRecord
	layout wqLayout
	wrid   []uint64
	head   uint16

	cq     *CompletionQueue
	domain *ParentDomain
}

func (w *RawWorkQueue) WQN() uint32 { return w.wqn }

func (c *Context) CreateWQ(cfg *RawWQConfig) (*RawWorkQueue, error) {
	if c.mode != IndexModeSlot {
		return nil, fmt.Errorf("raw work queues require the slot index mode")
	}
	if cfg.CQ == nil {
		return nil, fmt.Errorf("raw work queue requires a completion queue")
	}
	if cfg.Domain == nil {
		return nil, fmt.Errorf("raw work queue requires a parent domain")
	}

	layout, err := calcRawWorkQueue(&c.limits, cfg.MaxElems, cfg.MaxSGE, c.rwqSignature, cfg.MultiPacket)
	if err != nil {
		return nil, err
	}

	w := &RawWorkQueue{
		ctx:    c,
		layout: layout,
		wrid:   make([]uint64, layout.elemCnt),
		cq:     cfg.CQ,
		domain: cfg.Domain,
	}

	w.buf, err = c.buffers.alloc(layout.byteSize, "rwq")
	if err != nil {
		return nil, err
	}

	w.dbrec, err = c.buffers.allocDoorbellRecord()
	if err != nil {
		w.buf.release()
		return nil, err
	}
	w.dbrec.zero()

	uidx, err := c.uidx.reserve()
	if err != nil {
		c.buffers.freeDoorbellRecord(w.dbrec)
		w.buf.release()
		return nil, err
	}

	var flags CreateFlags
	if c.rwqSignature {
		flags |= FlagSignature
	}

	resp, err := c.cmd.CreateWQ(&CreateWQCmd{
		Buf:         w.buf.Bytes(),
		DoorbellRec: w.dbrec.Bytes(),
		ElemCnt:     layout.elemCnt,
		ElemShift:   layout.elemShift,
		PDN:         cfg.Domain.pdn,
		CQN:         cfg.CQ.cqn,
		UserIndex:   uidx,
		MultiPacket: cfg.MultiPacket,
		Flags:       flags,
	})
	if err != nil {
		c.uidx.unreserve(uidx)
		c.buffers.freeDoorbellRecord(w.dbrec)
		w.buf.release()
		return nil, fmt.Errorf("device rejected work queue: %w", err)
	}

	w.handle = resp.Handle
	w.wqn = resp.WQN
	w.rsn = uidx

	if err := c.uidx.insert(uidx, Resource{Type: ResourceRawWQ, WQ: w}); err != nil {
		_ = c.cmd.DestroyWQ(w.handle)
		c.uidx.unreserve(uidx)
		c.buffers.freeDoorbellRecord(w.dbrec)
		w.buf.release()
		return nil, err
	}

	cfg.CQ.refs.Add(1)
	cfg.Domain.refs.Add(1)
	cfg.MaxElems = layout.maxPost
	cfg.MaxSGE = layout.maxSGE

	c.l.WithField("wqn", w.wqn).WithField("depth", layout.maxPost).Debug("created raw work queue")
	return w, nil
}

func (w *RawWorkQueue) Destroy() error {
	c := w.ctx

	if err := c.cmd.DestroyWQ(w.handle); err != nil {
		return fmt.Errorf("device refused to destroy wq %d: %w", w.wqn, err)
	}

	w.cq.Clean(w.rsn, nil)
	c.uidx.remove(w.rsn)

	c.buffers.freeDoorbellRecord(w.dbrec)
	w.buf.release()

	w.cq.refs.Add(-1)
	w.domain.refs.Add(-1)
	return nil
}
