package hwq

import (
	"fmt"
	"sync/atomic"
)

// ProtectionDomain groups resources that may share memory registrations.
// This core only carries its device number through to queue creation.
type ProtectionDomain struct {
	ctx    *Context
	handle uint64
	pdn    uint32
	refs   atomic.Int64
}

func (c *Context) AllocPD() (*ProtectionDomain, error) {
	handle, pdn, err := c.cmd.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("device rejected protection domain: %w", err)
	}
	return &ProtectionDomain{ctx: c, handle: handle, pdn: pdn}, nil
}

func (pd *ProtectionDomain) Free() error {
	if pd.refs.Load() != 0 {
		return ErrBusy
	}
	if err := pd.ctx.cmd.DeallocPD(pd.handle); err != nil {
		return fmt.Errorf("device refused to free protection domain %d: %w", pd.pdn, err)
	}
	return nil
}

// ThreadDomain gives one thread an exclusive doorbell register so its posts
// never contend with other threads. The lease is long-lived: it is taken
// here and handed back only when the domain is freed.
type ThreadDomain struct {
	ctx  *Context
	slot uint32
	reg  *DoorbellRegister
}

// AllocTD leases and attaches a dedicated register. When the pool is
// exhausted the error surfaces to the caller; a thread domain without a
// dedicated register would be pointless.
func (c *Context) AllocTD() (*ThreadDomain, error) {
	slot, err := c.pool.acquire()
	if err != nil {
		return nil, err
	}

	reg, err := c.pool.attach(slot)
	if err != nil {
		c.pool.release(slot)
		return nil, err
	}

	c.l.WithField("slot", slot).Debug("allocated thread domain")
	return &ThreadDomain{ctx: c, slot: slot, reg: reg}, nil
}

func (td *ThreadDomain) Free() {
	td.ctx.pool.release(td.slot)
	td.reg = nil
}

// ParentDomain aggregates a protection domain with an optional thread
// domain. Queue pairs hold a reference for their whole lifetime; the
// explicit counter is what lets several independent owners agree on
// destruction order.
type ParentDomain struct {
	pd   *ProtectionDomain
	td   *ThreadDomain
	pdn  uint32
	refs atomic.Int64
}

func (c *Context) AllocParentDomain(pd *ProtectionDomain, td *ThreadDomain) (*ParentDomain, error) {
	if pd == nil {
		return nil, fmt.Errorf("parent domain requires a protection domain")
	}
	pd.refs.Add(1)
	return &ParentDomain{pd: pd, td: td, pdn: pd.pdn}, nil
}

// Free releases the parent domain once no queue pair references it. The
// thread domain, when present, is freed with it; the protection domain only
// drops a reference and outlives the parent.
func (d *ParentDomain) Free() error {
	if d.refs.Load() != 0 {
		return ErrBusy
	}
	if d.td != nil {
		d.td.Free()
		d.td = nil
	}
	d.pd.refs.Add(-1)
	return nil
}
