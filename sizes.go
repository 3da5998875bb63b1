package hwq

import (
	"fmt"
	"math"
)

// Transport selects the wire protocol a queue pair speaks. It determines the
// fixed control/header overhead of every send work queue element.
type Transport int

const (
	TransportRC Transport = iota // reliable connected
	TransportUC                  // unreliable connected
	TransportUD                  // unreliable datagram
	TransportXRCSend
	TransportXRCRecv
	TransportRawPacket // raw ethernet
	TransportDCI       // dynamically connected initiator
)

func (t Transport) String() string {
	switch t {
	case TransportRC:
		return "rc"
	case TransportUC:
		return "uc"
	case TransportUD:
		return "ud"
	case TransportXRCSend:
		return "xrc_send"
	case TransportXRCRecv:
		return "xrc_recv"
	case TransportRawPacket:
		return "raw_packet"
	case TransportDCI:
		return "dci"
	}
	return "unknown"
}

// Work queue element segment sizes, fixed by the device wire format. A send
// element is a control segment followed by transport headers, then either a
// gather list or an inline data region, all padded out to whole basic blocks.
const (
	sendBasicBlock = 64 // smallest addressable send element unit

	ctrlSegSize     = 16
	dataSegSize     = 16 // one scatter/gather pointer
	raddrSegSize    = 16
	atomicSegSize   = 16
	datagramSegSize = 48
	ethSegSize      = 16
	ethPadSegSize   = 16
	xrcSegSize      = 16
	inlineHdrSize   = 4 // length word in front of inline data

	umrCtrlSegSize     = 48
	mkeyContextSegSize = 64
	umrPointerSegSize  = 64

	recvSigSize    = 16 // software signature/guard word on receive elements
	srqNextSegSize = 16 // linked-list segment for shared/multi-packet receive
)

// memory-window bind footprint, the largest thing a send element may need to
// carry besides a gather list
const bindSegSize = umrCtrlSegSize + mkeyContextSegSize + umrPointerSegSize

// DeviceLimits are the hardware maxima negotiated when the command channel is
// opened. All size calculation is performed against these.
type DeviceLimits struct {
	MaxSendElemBytes uint32 // largest send element the device accepts
	MaxRecvElemBytes uint32 // largest receive element the device accepts
	MaxSendBlocks    uint32 // basic-block capacity of one send queue
	MaxRecvElems     uint32 // element capacity of one receive queue
	MaxSharedElems   uint32 // element capacity of one shared receive queue
	MaxCompEntries   uint32 // record capacity of one completion queue
}

// QueueCaps is the caller's capability request for one queue pair. The create
// path writes the negotiated actual values back into the same struct, so the
// caller learns the rounded-up capacity it really received.
type QueueCaps struct {
	MaxSendElems  uint32
	MaxRecvElems  uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// wqLayout is the computed shape of one work queue inside its buffer.
type wqLayout struct {
	elemCnt     uint32 // always a power of two
	strideBytes uint32 // send strides are basic-block multiples, receive strides powers of two
	elemShift   uint8  // log2 of the stride, only meaningful on the receive side
	maxPost     uint32 // elements the caller may keep outstanding
	maxSGE      uint32
	maxInline   uint32
	byteOffset  uint32 // where this queue starts within the shared buffer
	byteSize    uint32
	headerBytes uint32 // fixed overhead portion of each element
}

func (w *wqLayout) stride() uint32 {
	return w.strideBytes
}

// roundUpPowerOfTwo returns the smallest power of two >= n, failing when the
// result would not fit a signed 32 bit byte count.
func roundUpPowerOfTwo(n int64) (int64, error) {
	var r int64
	for r = 1; r < n; r <<= 1 {
	}
	if r > math.MaxInt32 {
		return 0, fmt.Errorf("queue size %d overflows the 32 bit device limit", n)
	}
	return r, nil
}

func alignUp(n, to uint32) uint32 {
	return (n + to - 1) &^ (to - 1)
}

func ilog2(n uint32) uint8 {
	var s uint8
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}

// sendOverhead is the fixed per-element cost of the control and transport
// header segments for one transport type. The RC/UC family must also leave
// room for a memory-window bind, whichever is larger.
func sendOverhead(t Transport, underlay bool) (uint32, error) {
	var size uint32

	switch t {
	case TransportDCI:
		size = datagramSegSize
		fallthrough
	case TransportRC:
		size += ctrlSegSize + max(atomicSegSize+raddrSegSize, uint32(bindSegSize))

	case TransportUC:
		size = ctrlSegSize + max(raddrSegSize, uint32(bindSegSize))

	case TransportUD:
		size = ctrlSegSize + datagramSegSize
		if underlay {
			size += ethSegSize + ethPadSegSize
		}

	case TransportXRCSend:
		size = ctrlSegSize + bindSegSize
		fallthrough
	case TransportXRCRecv:
		size = max(size, ctrlSegSize+xrcSegSize+raddrSegSize)

	case TransportRawPacket:
		size = ctrlSegSize + ethSegSize

	default:
		return 0, fmt.Errorf("transport %s has no send element format", t)
	}

	return size, nil
}

// calcSendElem computes the stride of one send element: transport overhead,
// then the larger of the gather list and the inline region, then an optional
// tunneling header reservation, padded to whole basic blocks.
func calcSendElem(lim *DeviceLimits, t Transport, caps *QueueCaps, tsoHeader uint32, underlay bool) (uint32, error) {
	size, err := sendOverhead(t, underlay)
	if err != nil {
		return 0, err
	}

	var inlSize uint32
	if caps.MaxInlineData > 0 {
		inlSize = size + alignUp(inlineHdrSize+caps.MaxInlineData, 16)
	}

	if tsoHeader > 0 {
		size += alignUp(tsoHeader, 16)
	}

	if size > lim.MaxSendElemBytes {
		return 0, fmt.Errorf("send element overhead %d exceeds device maximum %d", size, lim.MaxSendElemBytes)
	}

	// A gather entry only fits in whatever stride budget the overhead left
	// behind. Asking for more is a validation failure, never a truncation.
	maxGather := (lim.MaxSendElemBytes - size) / dataSegSize
	if caps.MaxSendSGE > maxGather {
		return 0, fmt.Errorf("requested %d send gather entries but only %d fit", caps.MaxSendSGE, maxGather)
	}

	size += caps.MaxSendSGE * dataSegSize
	total := max(size, inlSize)
	if total > lim.MaxSendElemBytes {
		return 0, fmt.Errorf("send element size %d exceeds device maximum %d", total, lim.MaxSendElemBytes)
	}

	return alignUp(total, sendBasicBlock), nil
}

// calcRecvElem computes the stride of one receive element. Receive elements
// are pure scatter lists, optionally guarded by a software signature, and the
// stride is rounded to a power of two so index-to-offset is a shift.
func calcRecvElem(lim *DeviceLimits, caps *QueueCaps, sig bool) (uint32, error) {
	scatter := max(caps.MaxRecvSGE, 1)
	size := dataSegSize * scatter
	if sig {
		size += recvSigSize
	}
	if size > lim.MaxRecvElemBytes {
		return 0, fmt.Errorf("receive element size %d exceeds device maximum %d", size, lim.MaxRecvElemBytes)
	}

	p, err := roundUpPowerOfTwo(int64(size))
	if err != nil {
		return 0, err
	}
	return uint32(p), nil
}

// calcSendQueue sizes the send half of a queue pair and writes the negotiated
// inline budget back into caps. A request with no send elements yields an
// empty layout.
func calcSendQueue(lim *DeviceLimits, t Transport, caps *QueueCaps, tsoHeader uint32, underlay bool) (wqLayout, error) {
	var sq wqLayout
	if caps.MaxSendElems == 0 {
		return sq, nil
	}

	elemSize, err := calcSendElem(lim, t, caps, tsoHeader, underlay)
	if err != nil {
		return sq, err
	}

	overhead, _ := sendOverhead(t, underlay)
	sq.headerBytes = overhead
	sq.maxInline = elemSize - overhead - inlineHdrSize
	caps.MaxInlineData = sq.maxInline

	cnt, err := roundUpPowerOfTwo(int64(caps.MaxSendElems))
	if err != nil {
		return wqLayout{}, err
	}

	qSize := cnt * int64(elemSize)
	if qSize > math.MaxInt32 {
		return wqLayout{}, fmt.Errorf("send queue size %d overflows the 32 bit device limit", qSize)
	}
	if blocks := qSize / sendBasicBlock; blocks > int64(lim.MaxSendBlocks) {
		return wqLayout{}, fmt.Errorf("send queue needs %d basic blocks, device allows %d", blocks, lim.MaxSendBlocks)
	}

	sq.elemCnt = uint32(cnt)
	sq.strideBytes = elemSize
	sq.byteSize = uint32(qSize)
	sq.maxSGE = caps.MaxSendSGE
	sq.maxPost = uint32(cnt)
	return sq, nil
}

// calcRecvQueue sizes the receive half. When the pair hangs off a shared
// receive queue the receive half is empty by definition.
func calcRecvQueue(lim *DeviceLimits, caps *QueueCaps, sig bool, shared bool) (wqLayout, error) {
	var rq wqLayout
	if caps.MaxRecvElems == 0 || shared {
		return rq, nil
	}

	if caps.MaxRecvElems > lim.MaxRecvElems {
		return rq, fmt.Errorf("receive depth %d exceeds device maximum %d", caps.MaxRecvElems, lim.MaxRecvElems)
	}

	elemSize, err := calcRecvElem(lim, caps, sig)
	if err != nil {
		return rq, err
	}

	qSize, err := roundUpPowerOfTwo(int64(caps.MaxRecvElems))
	if err != nil {
		return rq, err
	}
	qSize *= int64(elemSize)
	if qSize > math.MaxInt32 {
		return rq, fmt.Errorf("receive queue size %d overflows the 32 bit device limit", qSize)
	}
	if qSize < sendBasicBlock {
		qSize = sendBasicBlock
	}

	rq.byteSize = uint32(qSize)
	rq.elemCnt = rq.byteSize / elemSize
	rq.strideBytes = elemSize
	rq.elemShift = ilog2(elemSize)
	rq.maxPost = rq.elemCnt

	scatterSpace := elemSize
	if sig {
		scatterSpace -= recvSigSize
	}
	rq.maxSGE = scatterSpace / dataSegSize
	return rq, nil
}

// calcQueuePair runs the combined sizing pass for one queue pair. The receive
// queue sits at the front of the shared buffer and the send queue follows it;
// raw-packet and underlay pairs relocate the send queue into a buffer of its
// own afterwards.
func calcQueuePair(lim *DeviceLimits, t Transport, caps *QueueCaps, tsoHeader uint32, underlay, shared, sig bool) (sq, rq wqLayout, total uint32, err error) {
	sq, err = calcSendQueue(lim, t, caps, tsoHeader, underlay)
	if err != nil {
		return wqLayout{}, wqLayout{}, 0, err
	}

	rq, err = calcRecvQueue(lim, caps, sig, shared)
	if err != nil {
		return wqLayout{}, wqLayout{}, 0, err
	}

	sq.byteOffset = rq.byteSize
	rq.byteOffset = 0
	return sq, rq, sq.byteSize + rq.byteSize, nil
}

// calcRawWorkQueue sizes a standalone receive work queue. Multi-packet
// queues chain elements, so each one carries a linked-list segment like a
// shared receive element does.
func calcRawWorkQueue(lim *DeviceLimits, maxElems, maxSGE uint32, sig, multiPacket bool) (wqLayout, error) {
	var l wqLayout
	if maxElems == 0 {
		return l, fmt.Errorf("work queue depth must be at least 1")
	}

	size := dataSegSize * max(maxSGE, 1)
	if multiPacket {
		size += srqNextSegSize
	}
	if sig {
		size += recvSigSize
	}
	if size > lim.MaxRecvElemBytes {
		return l, fmt.Errorf("work queue element size %d exceeds device maximum %d", size, lim.MaxRecvElemBytes)
	}

	stride, err := roundUpPowerOfTwo(int64(size))
	if err != nil {
		return l, err
	}

	qSize, err := roundUpPowerOfTwo(int64(maxElems))
	if err != nil {
		return l, err
	}
	qSize *= stride
	if qSize > math.MaxInt32 {
		return l, fmt.Errorf("work queue size %d overflows the 32 bit device limit", qSize)
	}
	if qSize < sendBasicBlock {
		qSize = sendBasicBlock
	}

	l.byteSize = uint32(qSize)
	l.elemCnt = l.byteSize / uint32(stride)
	l.strideBytes = uint32(stride)
	l.elemShift = ilog2(uint32(stride))
	l.maxPost = l.elemCnt

	scatterSpace := uint32(stride)
	if sig {
		scatterSpace -= recvSigSize
	}
	if multiPacket {
		scatterSpace -= srqNextSegSize
	}
	l.maxSGE = scatterSpace / dataSegSize
	return l, nil
}

// calcSharedRecvQueue sizes a shared receive queue. Shared elements carry a
// linked-list segment in front of the scatter list so consumed elements can
// be chained back onto the free list out of order.
func calcSharedRecvQueue(lim *DeviceLimits, maxElems, maxSGE uint32, sig bool) (wqLayout, error) {
	var l wqLayout
	if maxElems == 0 {
		return l, fmt.Errorf("shared receive queue depth must be at least 1")
	}
	if maxElems > lim.MaxSharedElems {
		return l, fmt.Errorf("shared receive depth %d exceeds device maximum %d", maxElems, lim.MaxSharedElems)
	}

	size := srqNextSegSize + dataSegSize*max(maxSGE, 1)
	if sig {
		size += recvSigSize
	}
	if size > lim.MaxRecvElemBytes {
		return l, fmt.Errorf("shared receive element size %d exceeds device maximum %d", size, lim.MaxRecvElemBytes)
	}

	stride, err := roundUpPowerOfTwo(int64(size))
	if err != nil {
		return l, err
	}

	cnt, err := roundUpPowerOfTwo(int64(maxElems) + 1)
	if err != nil {
		return l, err
	}
	if cnt*stride > math.MaxInt32 {
		return l, fmt.Errorf("shared receive queue size %d overflows the 32 bit device limit", cnt*stride)
	}

	l.elemCnt = uint32(cnt)
	l.strideBytes = uint32(stride)
	l.elemShift = ilog2(uint32(stride))
	l.maxPost = uint32(cnt) - 1
	l.maxSGE = maxSGE
	l.byteSize = uint32(cnt * stride)
	return l, nil
}
