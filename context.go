package hwq

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flowrift/hwq/config"
)

// Context is one open device session. All configuration toggles are resolved
// at construction and read-only afterwards; the index mode is whatever the
// command channel negotiated and never changes within a session.
type Context struct {
	l      *logrus.Logger
	cmd    CommandChannel
	limits DeviceLimits
	mode   IndexMode

	buffers *bufferAllocator
	pool    *doorbellPool

	// exactly one of these pairs is in use, selected by mode
	qps  *directTable
	srqs *directTable
	uidx *slotTable

	// device-assigned shared registers, mapped once at open
	sharedRegs []*DoorbellRegister

	compEntryBytes uint32
	scatterToComp  bool
	qpSignature    bool
	srqSignature   bool
	rwqSignature   bool
	singleThreaded bool
}

// NewContext opens the command channel, negotiates capabilities and resolves
// the process-lifetime configuration.
func NewContext(l *logrus.Logger, c *config.C, cmd CommandChannel, mapper RegisterMapper) (*Context, error) {
	info, err := cmd.Open()
	if err != nil {
		return nil, fmt.Errorf("opening command channel: %w", err)
	}

	entryBytes := uint32(c.GetInt("queues.completion_entry_bytes", 64))
	if entryBytes != 64 && entryBytes != 128 {
		return nil, fmt.Errorf("queues.completion_entry_bytes must be 64 or 128, got %d", entryBytes)
	}

	ctx := &Context{
		l:              l,
		cmd:            cmd,
		limits:         info.Limits,
		mode:           info.IndexMode,
		compEntryBytes: entryBytes,
		scatterToComp:  c.GetBool("queues.scatter_to_completion", true),
		qpSignature:    c.GetBool("queues.signature.queue_pair", false),
		srqSignature:   c.GetBool("queues.signature.shared_receive", false),
		rwqSignature:   c.GetBool("queues.signature.raw_queue", false),
		singleThreaded: c.GetBool("queues.single_threaded", false),
	}

	prefer := make(map[string]AllocType)
	for _, class := range c.GetStringSlice("memory.huge_page_classes", nil) {
		prefer[class] = AllocHuge
	}
	ctx.buffers = newBufferAllocator(l, prefer)
	ctx.pool = newDoorbellPool(l, mapper, info)
	ctx.pool.mu.disabled = ctx.singleThreaded

	switch info.IndexMode {
	case IndexModeDirect:
		ctx.qps = newDirectTable()
		ctx.srqs = newDirectTable()
		ctx.qps.mu.disabled = ctx.singleThreaded
		ctx.srqs.mu.disabled = ctx.singleThreaded
	case IndexModeSlot:
		slots := info.MaxUserIndex
		if slots == 0 {
			return nil, fmt.Errorf("device reported slot index mode with no slots")
		}
		ctx.uidx = newSlotTable(slots)
		ctx.uidx.mu.disabled = ctx.singleThreaded
	default:
		return nil, fmt.Errorf("device negotiated unknown index mode %d", info.IndexMode)
	}

	// The device-assigned register window sits in front of the dynamic
	// pool pages and is shared by every queue pair without a dedicated
	// lease. Map it now so create never has to.
	window, err := mapper.MapPage(0, info.RegistersPerPage*registerWindowSize)
	if err != nil {
		return nil, fmt.Errorf("mapping shared doorbell window: %w", err)
	}
	ctx.sharedRegs = make([]*DoorbellRegister, info.RegistersPerPage)
	for i := range ctx.sharedRegs {
		base := uint32(i)*registerWindowSize + doorbellAreaOffset
		ctx.sharedRegs[i] = sharedRegister(uint32(i), info.RegisterBytes,
			window[base:base+info.RegisterBytes])
	}

	l.WithField("index_mode", ctx.mode).
		WithField("completion_entry_bytes", entryBytes).
		WithField("single_threaded", ctx.singleThreaded).
		Info("device session established")
	return ctx, nil
}

// IndexMode reports the negotiated completion routing mode.
func (c *Context) IndexMode() IndexMode { return c.mode }

// Limits reports the hardware maxima this session was negotiated under.
func (c *Context) Limits() DeviceLimits { return c.limits }

func (c *Context) createFlags() CreateFlags {
	var f CreateFlags
	if c.qpSignature {
		f |= FlagSignature
	}
	if c.scatterToComp {
		f |= FlagScatterToCompletion
	}
	return f
}

// assignedRegister resolves the register index the create call handed back
// on the shared, non-dedicated path.
func (c *Context) assignedRegister(index uint32) *DoorbellRegister {
	return c.sharedRegs[index%uint32(len(c.sharedRegs))]
}

// Lookup routes a completion key back to its resource. The key spaces of
// queue pairs and shared receive queues are independent in direct mode, so
// the completion record's producer kind selects the table; a hardware qpn
// may legally equal an srqn. Slot mode has one table and uses kind as a
// consistency check. Absent keys report ok=false, including keys whose
// resource has since been destroyed.
func (c *Context) Lookup(key uint32, kind ResourceType) (Resource, bool) {
	if c.mode == IndexModeSlot {
		r, ok := c.uidx.lookup(key)
		if !ok || (kind != ResourceNone && r.Type != kind) {
			return Resource{}, false
		}
		return r, true
	}
	switch kind {
	case ResourceQP:
		return c.qps.lookup(key)
	case ResourceSRQ:
		return c.srqs.lookup(key)
	}
	return Resource{}, false
}
