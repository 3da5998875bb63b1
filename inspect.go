package hwq

import (
	"github.com/flowrift/hwq/config"
)

// Layout is the externally visible result of a sizing dry run.
type Layout struct {
	SendElems  uint32
	SendStride uint32
	SendBytes  uint32
	SendOffset uint32
	RecvElems  uint32
	RecvStride uint32
	RecvBytes  uint32
	TotalBytes uint32
}

// InspectLayout runs the size calculator without touching a device, against
// hardware limits taken from configuration or their common defaults. The
// negotiated capacities are written back into caps exactly as a real create
// would.
func InspectLayout(c *config.C, t Transport, caps *QueueCaps) (*Layout, error) {
	lim := DeviceLimits{
		MaxSendElemBytes: c.GetUint32("limits.max_send_elem_bytes", 1024),
		MaxRecvElemBytes: c.GetUint32("limits.max_recv_elem_bytes", 512),
		MaxSendBlocks:    c.GetUint32("limits.max_send_blocks", 65536),
		MaxRecvElems:     c.GetUint32("limits.max_recv_elems", 32768),
		MaxSharedElems:   c.GetUint32("limits.max_shared_elems", 32768),
		MaxCompEntries:   c.GetUint32("limits.max_comp_entries", 4194303),
	}
	sig := c.GetBool("queues.signature.queue_pair", false)

	sq, rq, total, err := calcQueuePair(&lim, t, caps, 0, false, false, sig)
	if err != nil {
		return nil, err
	}

	caps.MaxSendElems = sq.maxPost
	caps.MaxRecvElems = rq.maxPost
	caps.MaxRecvSGE = rq.maxSGE

	l := &Layout{
		SendElems:  sq.maxPost,
		SendBytes:  sq.byteSize,
		SendOffset: sq.byteOffset,
		RecvElems:  rq.maxPost,
		RecvStride: rq.stride(),
		RecvBytes:  rq.byteSize,
		TotalBytes: total,
	}
	l.SendStride = sq.stride()
	return l, nil
}
