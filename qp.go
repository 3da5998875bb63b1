package hwq

import (
	"fmt"
)

// QPState is the transport endpoint state machine. Transitions are driven by
// Modify; destroy is legal from any state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR // ready to receive
	QPStateRTS // ready to send
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "reset"
	case QPStateInit:
		return "init"
	case QPStateRTR:
		return "rtr"
	case QPStateRTS:
		return "rts"
	case QPStateError:
		return "error"
	}
	return "unknown"
}

// QPConfig describes the queue pair to create. Caps is written back with the
// negotiated actual capacities.
type QPConfig struct {
	Transport Transport
	Caps      QueueCaps
	SendCQ    *CompletionQueue
	RecvCQ    *CompletionQueue
	SRQ       *SharedReceiveQueue
	Domain    *ParentDomain

	SignalAll     bool   // every send element produces a completion
	TSOHeader     uint32 // tunneling header reservation per send element
	Underlay      bool
	TunnelOffload bool
}

// workQueue is one direction of a queue pair: the computed layout plus the
// production indices and the per-element request tags.
type workQueue struct {
	layout wqLayout
	head   uint16 // 16 bit wrapping producer counter
	tail   uint16
	wrid   []uint64
}

func (w *workQueue) reset() {
	w.head = 0
	w.tail = 0
}

// QueuePair is a matched send/receive endpoint. Both queues usually share
// one buffer; raw-packet and underlay pairs keep the send queue in a
// dedicated buffer because the device streams it separately.
type QueuePair struct {
	ctx    *Context
	handle uint64
	qpn    uint32
	rsn    uint32 // index table key
	state  QPState

	sq workQueue
	rq workQueue

	buf   *Buffer // receive queue, and send queue for ordinary transports
	sqBuf *Buffer // raw-packet/underlay send queue
	dbrec *DoorbellRecord
	reg   *DoorbellRegister

	transport Transport
	rawLike   bool
	sendCQ    *CompletionQueue
	recvCQ    *CompletionQueue
	srq       *SharedReceiveQueue
	domain    *ParentDomain
	signalAll bool
}

func (qp *QueuePair) QPN() uint32    { return qp.qpn }
func (qp *QueuePair) State() QPState { return qp.state }

// CreateQP walks the whole setup path: validate, size, allocate, lease a
// doorbell, call the device, register for completion routing. Every failure
// after allocation unwinds exactly the steps that succeeded, in reverse.
func (c *Context) CreateQP(cfg *QPConfig) (*QueuePair, error) {
	if cfg.SendCQ == nil || cfg.RecvCQ == nil {
		return nil, fmt.Errorf("queue pair requires both completion queues")
	}
	if cfg.TSOHeader > 0 && cfg.Transport != TransportRawPacket {
		return nil, fmt.Errorf("tunneling header reservation requires the raw packet transport")
	}
	if cfg.Underlay && cfg.Transport != TransportUD {
		return nil, fmt.Errorf("underlay mode requires the ud transport")
	}

	qp := &QueuePair{
		ctx:       c,
		state:     QPStateReset,
		transport: cfg.Transport,
		rawLike:   cfg.Transport == TransportRawPacket || cfg.Underlay,
		sendCQ:    cfg.SendCQ,
		recvCQ:    cfg.RecvCQ,
		srq:       cfg.SRQ,
		domain:    cfg.Domain,
		signalAll: cfg.SignalAll,
	}

	sq, rq, total, err := calcQueuePair(&c.limits, cfg.Transport, &cfg.Caps,
		cfg.TSOHeader, cfg.Underlay, cfg.SRQ != nil, c.qpSignature)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("queue pair must carry at least one element")
	}
	qp.sq.layout = sq
	qp.rq.layout = rq

	// One buffer for both queues, except for the raw/underlay family where
	// the send queue needs its own allocation.
	rqBytes := total
	var sqBytes uint32
	if qp.rawLike {
		rqBytes = sq.byteOffset
		sqBytes = total - rqBytes
		qp.sq.layout.byteOffset = 0
	}

	if rqBytes > 0 {
		qp.buf, err = c.buffers.alloc(rqBytes, "qp")
		if err != nil {
			return nil, err
		}
	}
	if sqBytes > 0 {
		qp.sqBuf, err = c.buffers.alloc(sqBytes, "qp")
	}
	if err == nil {
		if sq.elemCnt > 0 {
			qp.sq.wrid = make([]uint64, sq.maxPost)
		}
		if rq.elemCnt > 0 {
			qp.rq.wrid = make([]uint64, rq.elemCnt)
		}
		qp.sq.reset()
		qp.rq.reset()
		qp.dbrec, err = c.buffers.allocDoorbellRecord()
	}
	if err != nil {
		qp.sqBuf.release()
		qp.buf.release()
		return nil, err
	}
	qp.dbrec.zero()

	flags := c.createFlags()
	if cfg.TunnelOffload {
		flags |= FlagTunnelOffload
	}

	cmd := &CreateQPCmd{
		Transport:     cfg.Transport,
		Buf:           qp.buf.Bytes(),
		SendBuf:       qp.sqBuf.Bytes(),
		DoorbellRec:   qp.dbrec.Bytes(),
		SendElemCnt:   sq.elemCnt,
		RecvElemCnt:   rq.elemCnt,
		RecvElemShift: rq.elemShift,
		SendCQN:       cfg.SendCQ.cqn,
		RecvCQN:       cfg.RecvCQ.cqn,
		Flags:         flags,
	}
	if cfg.SRQ != nil {
		cmd.SharedQueueN = cfg.SRQ.srqn
	}
	if cfg.Domain != nil {
		cmd.PDN = cfg.Domain.pdn
		if td := cfg.Domain.td; td != nil {
			qp.reg = td.reg
			cmd.RegisterIndex = td.reg.poolIndex
			cmd.Flags |= FlagDedicatedRegister
		}
	}

	var uidx uint32
	slotMode := c.mode == IndexModeSlot
	if slotMode {
		uidx, err = c.uidx.reserve()
		if err != nil {
			qp.unwindBuffers()
			return nil, err
		}
		cmd.UserIndex = uidx
	}

	resp, err := c.cmd.CreateQP(cmd)
	if err != nil {
		if slotMode {
			c.uidx.unreserve(uidx)
		}
		qp.unwindBuffers()
		return nil, fmt.Errorf("device rejected queue pair: %w", err)
	}

	qp.handle = resp.Handle
	qp.qpn = resp.QPN

	if qp.reg == nil {
		qp.reg = c.assignedRegister(resp.RegisterIndex)
	}

	if slotMode {
		qp.rsn = uidx
		err = c.uidx.insert(uidx, Resource{Type: ResourceQP, QP: qp})
	} else {
		qp.rsn = qp.qpn
		err = c.qps.insert(qp.qpn, Resource{Type: ResourceQP, QP: qp})
	}
	if err != nil {
		_ = c.cmd.DestroyQP(qp.handle)
		if slotMode {
			c.uidx.unreserve(uidx)
		}
		qp.unwindBuffers()
		return nil, err
	}

	cfg.SendCQ.refs.Add(1)
	cfg.RecvCQ.refs.Add(1)
	if cfg.Domain != nil {
		cfg.Domain.refs.Add(1)
	}

	cfg.Caps.MaxSendElems = sq.maxPost
	cfg.Caps.MaxRecvElems = rq.maxPost
	cfg.Caps.MaxRecvSGE = rq.maxSGE

	c.l.WithField("qpn", qp.qpn).WithField("transport", cfg.Transport).
		WithField("send_depth", sq.maxPost).WithField("recv_depth", rq.maxPost).
		Debug("created queue pair")
	return qp, nil
}

// unwindBuffers releases local memory on the create failure paths, before
// the device ever saw the resource.
func (qp *QueuePair) unwindBuffers() {
	qp.ctx.buffers.freeDoorbellRecord(qp.dbrec)
	qp.sqBuf.release()
	qp.buf.release()
}

// Modify drives the state machine through the device. A transition back to
// Reset scrubs both completion queues under the paired lock ordering and
// zeroes the production indices, making the queues reusable.
func (qp *QueuePair) Modify(attr *ModifyQPAttr) error {
	if err := qp.ctx.cmd.ModifyQP(qp.handle, attr); err != nil {
		return fmt.Errorf("device rejected modify of qp %d: %w", qp.qpn, err)
	}
	if !attr.HasState {
		return nil
	}

	prev := qp.state
	qp.state = attr.State

	if attr.State == QPStateReset {
		lockCQs(qp.sendCQ, qp.recvCQ)
		qp.recvCQ.cleanLocked(qp.rsn, qp.srq)
		if qp.sendCQ != qp.recvCQ {
			qp.sendCQ.cleanLocked(qp.rsn, nil)
		}
		unlockCQs(qp.sendCQ, qp.recvCQ)

		qp.sq.reset()
		qp.rq.reset()
		qp.dbrec.zero()
	}

	// The raw-packet receive queue is live underneath as soon as the pair
	// is initialized; ringing its doorbell is deferred to RTR so nothing
	// arrives before the state machine allows it.
	if attr.State == QPStateRTR && qp.rawLike {
		qp.dbrec.setRecv(uint32(qp.rq.head))
	}

	qp.ctx.l.WithField("qpn", qp.qpn).WithField("from", prev).WithField("to", qp.state).
		Debug("modified queue pair")
	return nil
}

// Destroy tears the pair down. The device decides whether teardown is legal;
// only after it agrees are in-flight completions scrubbed, the routing entry
// dropped and local memory released.
func (qp *QueuePair) Destroy() error {
	c := qp.ctx

	if err := c.cmd.DestroyQP(qp.handle); err != nil {
		return fmt.Errorf("device refused to destroy qp %d: %w", qp.qpn, err)
	}

	lockCQs(qp.sendCQ, qp.recvCQ)
	qp.recvCQ.cleanLocked(qp.rsn, qp.srq)
	if qp.sendCQ != qp.recvCQ {
		qp.sendCQ.cleanLocked(qp.rsn, nil)
	}
	if c.mode == IndexModeDirect {
		c.qps.remove(qp.qpn)
	}
	unlockCQs(qp.sendCQ, qp.recvCQ)

	if c.mode == IndexModeSlot {
		c.uidx.remove(qp.rsn)
	}

	c.buffers.freeDoorbellRecord(qp.dbrec)
	qp.sqBuf.release()
	qp.buf.release()

	qp.sendCQ.refs.Add(-1)
	qp.recvCQ.refs.Add(-1)
	if qp.domain != nil {
		qp.domain.refs.Add(-1)
	}

	c.l.WithField("qpn", qp.qpn).Debug("destroyed queue pair")
	return nil
}
