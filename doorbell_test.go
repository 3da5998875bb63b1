package hwq

import (
	"testing"

	"github.com/flowrift/hwq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolInfo() *DeviceInfo {
	return &DeviceInfo{
		DoorbellPages:    2,
		RegistersPerPage: 4,
		RegisterBytes:    1024,
	}
}

func TestDoorbellPoolLeaseBounds(t *testing.T) {
	p := newDoorbellPool(test.NewLogger(), newFakeMapper(), testPoolInfo())

	slots := make([]uint32, 0, 8)
	for i := 0; i < 8; i++ {
		s, err := p.acquire()
		require.NoError(t, err)
		slots = append(slots, s)
	}

	_, err := p.acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	// releasing any lease makes exactly one slot available again
	p.release(slots[5])
	s, err := p.acquire()
	require.NoError(t, err)
	assert.Equal(t, slots[5], s)

	_, err = p.acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestDoorbellPoolAttach(t *testing.T) {
	m := newFakeMapper()
	p := newDoorbellPool(test.NewLogger(), m, testPoolInfo())

	s, err := p.acquire()
	require.NoError(t, err)

	r, err := p.attach(s)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.dedicated)
	assert.False(t, r.needLock)
	assert.Equal(t, s, r.poolIndex)
	assert.Equal(t, uint32(512), r.Span())
	assert.Len(t, r.reg, 1024)

	// a second attach of the same slot observes the same register and maps
	// nothing new
	again, err := p.attach(s)
	require.NoError(t, err)
	assert.Same(t, r, again)
	assert.Equal(t, 1, m.mapped[1])

	// the dynamic pool starts above the device-assigned window page
	assert.Equal(t, 0, m.mapped[0])
}

func TestDoorbellPoolMapsPagesLazily(t *testing.T) {
	m := newFakeMapper()
	p := newDoorbellPool(test.NewLogger(), m, testPoolInfo())

	// lease the whole pool but attach only the second page's slots
	for i := 0; i < 8; i++ {
		_, err := p.acquire()
		require.NoError(t, err)
	}
	_, err := p.attach(4)
	require.NoError(t, err)
	_, err = p.attach(7)
	require.NoError(t, err)

	assert.Equal(t, 0, m.mapped[1])
	assert.Equal(t, 1, m.mapped[2])
}

func TestDoorbellPoolAttachRequiresLease(t *testing.T) {
	p := newDoorbellPool(test.NewLogger(), newFakeMapper(), testPoolInfo())

	_, err := p.attach(0)
	assert.ErrorContains(t, err, "not leased")
	_, err = p.attach(99)
	assert.ErrorContains(t, err, "not leased")
}

func TestDoorbellPoolMappingSurvivesRelease(t *testing.T) {
	m := newFakeMapper()
	p := newDoorbellPool(test.NewLogger(), m, testPoolInfo())

	s, err := p.acquire()
	require.NoError(t, err)
	_, err = p.attach(s)
	require.NoError(t, err)

	p.release(s)
	// over-release is ignored
	p.release(s)

	s2, err := p.acquire()
	require.NoError(t, err)
	require.Equal(t, s, s2)
	_, err = p.attach(s2)
	require.NoError(t, err)
	assert.Equal(t, 1, m.mapped[1])
}
