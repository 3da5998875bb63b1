package hwq

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// AllocType selects the backing strategy for a queue buffer.
type AllocType int

const (
	AllocAnon AllocType = iota
	AllocHuge           // pinned huge pages, operator opt-in per queue class
)

func (t AllocType) String() string {
	if t == AllocHuge {
		return "huge"
	}
	return "anon"
}

// Buffer is one page-aligned, zeroed element array owned by exactly one
// queue pair, shared receive queue or completion queue.
type Buffer struct {
	b   []byte
	typ AllocType
	raw []byte // full mapping, kept for release
}

func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.b
}

// release returns the memory. Safe to call on a nil or partially constructed
// buffer, and safe to call twice.
func (b *Buffer) release() {
	if b == nil || b.raw == nil {
		return
	}
	releasePages(b.raw, b.typ)
	b.raw = nil
	b.b = nil
}

// bufferAllocator hands out queue buffers and doorbell records. The per-class
// strategy overrides come from configuration and are resolved once.
type bufferAllocator struct {
	l        *logrus.Logger
	pageSize uint32
	prefer   map[string]AllocType

	dbMu    sync.Mutex
	dbPages []*dbrecPage

	hugeFallbacks metrics.Counter
}

func newBufferAllocator(l *logrus.Logger, prefer map[string]AllocType) *bufferAllocator {
	return &bufferAllocator{
		l:             l,
		pageSize:      uint32(os.Getpagesize()),
		prefer:        prefer,
		hugeFallbacks: metrics.GetOrRegisterCounter("buffers.huge_fallbacks", nil),
	}
}

// alloc returns a zeroed buffer of at least size bytes, rounded up to whole
// pages. A huge-page preference that the platform cannot satisfy falls back
// to anonymous memory instead of failing.
func (a *bufferAllocator) alloc(size uint32, class string) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("refusing to allocate an empty %s buffer", class)
	}

	want := a.prefer[class]
	size = alignUp(size, a.pageSize)

	if want == AllocHuge {
		raw, err := allocPages(size, AllocHuge)
		if err == nil {
			return &Buffer{b: raw[:size], typ: AllocHuge, raw: raw}, nil
		}
		a.hugeFallbacks.Inc(1)
		a.l.WithField("class", class).WithError(err).
			Warn("huge page allocation failed, falling back to anonymous memory")
	}

	raw, err := allocPages(size, AllocAnon)
	if err != nil {
		return nil, fmt.Errorf("allocating %d byte %s buffer: %w", size, class, err)
	}
	return &Buffer{b: raw[:size], typ: AllocAnon, raw: raw}, nil
}

// A DoorbellRecord is the two 32 bit consumer/producer words paired with one
// queue buffer, carved out of shared pages. Records must stay valid until the
// device confirms the owning resource is gone.
type DoorbellRecord struct {
	rec  []byte
	page *dbrecPage
	slot int
}

const dbrecSize = 8

type dbrecPage struct {
	buf  *Buffer
	free []bool
	used int
}

func (d *DoorbellRecord) zero() {
	binary.BigEndian.PutUint32(d.rec[0:4], 0)
	binary.BigEndian.PutUint32(d.rec[4:8], 0)
}

func (d *DoorbellRecord) setRecv(v uint32) { binary.BigEndian.PutUint32(d.rec[0:4], v) }
func (d *DoorbellRecord) setSend(v uint32) { binary.BigEndian.PutUint32(d.rec[4:8], v) }
func (d *DoorbellRecord) recv() uint32     { return binary.BigEndian.Uint32(d.rec[0:4]) }
func (d *DoorbellRecord) send() uint32     { return binary.BigEndian.Uint32(d.rec[4:8]) }

func (d *DoorbellRecord) Bytes() []byte {
	if d == nil {
		return nil
	}
	return d.rec
}

// allocDoorbellRecord finds a free record slot, growing the page list when
// every existing page is full.
func (a *bufferAllocator) allocDoorbellRecord() (*DoorbellRecord, error) {
	a.dbMu.Lock()
	defer a.dbMu.Unlock()

	for _, p := range a.dbPages {
		if p.used == len(p.free) {
			continue
		}
		for i, taken := range p.free {
			if !taken {
				p.free[i] = true
				p.used++
				off := i * dbrecSize
				return &DoorbellRecord{rec: p.buf.b[off : off+dbrecSize], page: p, slot: i}, nil
			}
		}
	}

	raw, err := allocPages(a.pageSize, AllocAnon)
	if err != nil {
		return nil, fmt.Errorf("allocating doorbell record page: %w", err)
	}
	p := &dbrecPage{
		buf:  &Buffer{b: raw[:a.pageSize], typ: AllocAnon, raw: raw},
		free: make([]bool, a.pageSize/dbrecSize),
	}
	a.dbPages = append(a.dbPages, p)

	p.free[0] = true
	p.used++
	return &DoorbellRecord{rec: p.buf.b[0:dbrecSize], page: p, slot: 0}, nil
}

// freeDoorbellRecord recycles one record slot. Safe on nil and on records
// already freed, matching the buffer release contract for partially
// constructed resources.
func (a *bufferAllocator) freeDoorbellRecord(d *DoorbellRecord) {
	if d == nil || d.page == nil {
		return
	}
	a.dbMu.Lock()
	if d.page.free[d.slot] {
		d.page.free[d.slot] = false
		d.page.used--
	}
	a.dbMu.Unlock()
	d.page = nil
	d.rec = nil
}
