package hwq

import (
	"os"
	"testing"

	"github.com/flowrift/hwq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAlloc(t *testing.T) {
	a := newBufferAllocator(test.NewLogger(), nil)

	buf, err := a.alloc(100, "cq")
	require.NoError(t, err)
	require.NotNil(t, buf)

	// rounded up to whole pages and zeroed
	assert.Equal(t, os.Getpagesize(), len(buf.Bytes()))
	for _, b := range buf.Bytes() {
		require.Equal(t, byte(0), b)
	}

	buf.release()
	assert.Nil(t, buf.Bytes())
	// a second release is a no-op
	buf.release()

	_, err = a.alloc(0, "cq")
	assert.Error(t, err)
}

func TestBufferNilRelease(t *testing.T) {
	var buf *Buffer
	buf.release()
	assert.Nil(t, buf.Bytes())
}

func TestBufferHugePreferenceFallsBack(t *testing.T) {
	// huge pages are an opt-in preference; hosts without them still get a
	// working buffer
	a := newBufferAllocator(test.NewLogger(), map[string]AllocType{"qp": AllocHuge})

	buf, err := a.alloc(4096, "qp")
	require.NoError(t, err)
	require.NotNil(t, buf)
	buf.release()
}

func TestDoorbellRecordWords(t *testing.T) {
	a := newBufferAllocator(test.NewLogger(), nil)

	d, err := a.allocDoorbellRecord()
	require.NoError(t, err)
	require.Len(t, d.Bytes(), dbrecSize)

	d.setRecv(0x11223344)
	d.setSend(0x55667788)
	assert.Equal(t, uint32(0x11223344), d.recv())
	assert.Equal(t, uint32(0x55667788), d.send())

	d.zero()
	assert.Equal(t, uint32(0), d.recv())
	assert.Equal(t, uint32(0), d.send())

	a.freeDoorbellRecord(d)
	assert.Nil(t, d.Bytes())
	// double free and nil free are harmless
	a.freeDoorbellRecord(d)
	a.freeDoorbellRecord(nil)
}

func TestDoorbellRecordPageGrowth(t *testing.T) {
	a := newBufferAllocator(test.NewLogger(), nil)
	perPage := int(a.pageSize) / dbrecSize

	recs := make([]*DoorbellRecord, 0, perPage+1)
	for i := 0; i < perPage+1; i++ {
		d, err := a.allocDoorbellRecord()
		require.NoError(t, err)
		recs = append(recs, d)
	}
	assert.Len(t, a.dbPages, 2)

	// freeing one slot makes the next allocation reuse it
	freed := recs[3]
	page, slot := freed.page, freed.slot
	a.freeDoorbellRecord(freed)

	d, err := a.allocDoorbellRecord()
	require.NoError(t, err)
	assert.Equal(t, page, d.page)
	assert.Equal(t, slot, d.slot)
	assert.Len(t, a.dbPages, 2)
}
