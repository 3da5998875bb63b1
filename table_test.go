package hwq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectTable(t *testing.T) {
	tbl := newDirectTable()
	qp := &QueuePair{qpn: 0x40}

	require.NoError(t, tbl.insert(0x40, Resource{Type: ResourceQP, QP: qp}))
	assert.Error(t, tbl.insert(0x40, Resource{Type: ResourceQP, QP: qp}))

	r, ok := tbl.lookup(0x40)
	require.True(t, ok)
	assert.Equal(t, ResourceQP, r.Type)
	assert.Same(t, qp, r.QP)

	tbl.remove(0x40)
	_, ok = tbl.lookup(0x40)
	assert.False(t, ok, "a removed key must never resolve")

	// removing twice is harmless
	tbl.remove(0x40)
}

func TestSlotTableReserveInsert(t *testing.T) {
	tbl := newSlotTable(4)
	qp := &QueuePair{}

	key, err := tbl.reserve()
	require.NoError(t, err)

	// a reserved slot is invisible until bound
	_, ok := tbl.lookup(key)
	assert.False(t, ok)

	require.NoError(t, tbl.insert(key, Resource{Type: ResourceQP, QP: qp}))
	assert.Error(t, tbl.insert(key, Resource{Type: ResourceQP, QP: qp}))

	r, ok := tbl.lookup(key)
	require.True(t, ok)
	assert.Same(t, qp, r.QP)

	tbl.remove(key)
	_, ok = tbl.lookup(key)
	assert.False(t, ok)
}

func TestSlotTableInsertRequiresReservation(t *testing.T) {
	tbl := newSlotTable(4)
	assert.Error(t, tbl.insert(1, Resource{Type: ResourceQP}))
	assert.Error(t, tbl.insert(9, Resource{Type: ResourceQP}))
}

func TestSlotTableExhaustion(t *testing.T) {
	tbl := newSlotTable(2)

	a, err := tbl.reserve()
	require.NoError(t, err)
	b, err := tbl.reserve()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = tbl.reserve()
	assert.ErrorIs(t, err, errSlotsExhausted)

	tbl.unreserve(a)
	c, err := tbl.reserve()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestSlotTableRotatesScanStart(t *testing.T) {
	tbl := newSlotTable(4)

	a, err := tbl.reserve()
	require.NoError(t, err)
	tbl.unreserve(a)

	// the freed slot is not reused while colder slots remain
	b, err := tbl.reserve()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSlotTableConcurrentDisjointKeys(t *testing.T) {
	const n = 32
	tbl := newSlotTable(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := tbl.reserve()
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, tbl.insert(key, Resource{Type: ResourceSRQ, SRQ: &SharedReceiveQueue{rsn: key}}))
			r, ok := tbl.lookup(key)
			if assert.True(t, ok) {
				assert.Equal(t, key, r.SRQ.rsn)
			}
			tbl.remove(key)
		}()
	}
	wg.Wait()

	for i := uint32(0); i < n; i++ {
		_, ok := tbl.lookup(i)
		require.False(t, ok)
	}
}
