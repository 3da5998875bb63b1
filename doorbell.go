package hwq

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted is returned by acquire when every register slot is leased.
// Callers fall back to the device-assigned shared register path, or surface
// the error when a dedicated register was mandatory.
var ErrPoolExhausted = errors.New("doorbell register pool exhausted")

// Each register page holds a number of register windows, and the dedicated
// doorbell area sits at a fixed offset inside each window.
const (
	registerWindowSize = 4096
	doorbellAreaOffset = 0x800
)

// DoorbellRegister is one leased write-combined register. The data plane
// writes element control words through reg; bufBytes is the usable span of
// one write. needLock tells the caller whether it must serialize its own
// writes (shared registers) or owns the slot outright.
type DoorbellRegister struct {
	reg       []byte
	bufBytes  uint32
	needLock  bool
	poolIndex uint32
	dedicated bool
}

func (r *DoorbellRegister) Span() uint32 { return r.bufBytes }

// doorbellPool multiplexes the scarce dynamic register slots across queue
// pairs and thread domains. Slots are cold until first attached; the backing
// page is mapped once and never unmapped while the process lives, because
// remapping the same hardware page is unsafe in a multi-process model.
type doorbellPool struct {
	l      *logrus.Logger
	mapper RegisterMapper

	mu           optionalMutex
	leases       []uint32 // lease count per slot
	pages        [][]byte // nil until first attach touches the page
	regs         []*DoorbellRegister
	slotsPerPage uint32
	regBytes     uint32
	pageBase     uint32 // page 0 holds the device-assigned shared window

	acquires    metrics.Counter
	exhausted   metrics.Counter
	pagesMapped metrics.Gauge
}

func newDoorbellPool(l *logrus.Logger, mapper RegisterMapper, info *DeviceInfo) *doorbellPool {
	slots := info.DoorbellPages * info.RegistersPerPage
	return &doorbellPool{
		l:            l,
		mapper:       mapper,
		mu:           optionalMutex{mu: newSyncMutex(mutexKey{Type: "doorbell-pool"})},
		leases:       make([]uint32, slots),
		pages:        make([][]byte, info.DoorbellPages),
		regs:         make([]*DoorbellRegister, slots),
		slotsPerPage: info.RegistersPerPage,
		regBytes:     info.RegisterBytes,
		pageBase:     1,
		acquires:     metrics.GetOrRegisterCounter("doorbells.acquires", nil),
		exhausted:    metrics.GetOrRegisterCounter("doorbells.exhausted", nil),
		pagesMapped:  metrics.GetOrRegisterGauge("doorbells.pages_mapped", nil),
	}
}

// acquire leases the first free slot. The slot is reserved before any
// mapping happens so a failed attach can hand it straight back.
func (p *doorbellPool) acquire() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.leases {
		if p.leases[i] == 0 {
			p.leases[i]++
			p.acquires.Inc(1)
			return uint32(i), nil
		}
	}

	p.exhausted.Inc(1)
	return 0, ErrPoolExhausted
}

// attach maps the slot's page on first use and returns the register. It is
// idempotent: a second attach of a leased slot observes the mapped result.
func (p *doorbellPool) attach(slot uint32) (*DoorbellRegister, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= uint32(len(p.leases)) || p.leases[slot] == 0 {
		return nil, fmt.Errorf("doorbell slot %d is not leased", slot)
	}

	if r := p.regs[slot]; r != nil {
		return r, nil
	}

	pageIdx := slot / p.slotsPerPage
	page := p.pages[pageIdx]
	if page == nil {
		var err error
		page, err = p.mapper.MapPage(p.pageBase+pageIdx, p.slotsPerPage*registerWindowSize)
		if err != nil {
			return nil, fmt.Errorf("mapping doorbell page %d: %w", p.pageBase+pageIdx, err)
		}
		p.pages[pageIdx] = page
		p.pagesMapped.Update(p.mappedLocked())
		p.l.WithField("page", p.pageBase+pageIdx).Debug("mapped doorbell register page")
	}

	inPage := slot % p.slotsPerPage
	base := inPage*registerWindowSize + doorbellAreaOffset
	r := &DoorbellRegister{
		reg:       page[base : base+p.regBytes],
		bufBytes:  p.regBytes / 2,
		needLock:  false,
		poolIndex: slot,
		dedicated: true,
	}
	p.regs[slot] = r
	return r, nil
}

// release drops one lease. The register mapping stays behind for the next
// lease of the same slot.
func (p *doorbellPool) release(slot uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < uint32(len(p.leases)) && p.leases[slot] > 0 {
		p.leases[slot]--
	}
}

func (p *doorbellPool) mappedLocked() int64 {
	var n int64
	for _, pg := range p.pages {
		if pg != nil {
			n++
		}
	}
	return n
}

// sharedRegister models the device-assigned register path: queue pairs that
// did not ask for a dedicated slot share a register chosen by the create
// call, and must serialize their own doorbell writes.
func sharedRegister(index uint32, regBytes uint32, window []byte) *DoorbellRegister {
	return &DoorbellRegister{
		reg:       window,
		bufBytes:  regBytes / 2,
		needLock:  true,
		poolIndex: index,
	}
}
