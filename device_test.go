package hwq

import (
	"fmt"
	"sync"
	"testing"

	"github.com/flowrift/hwq/config"
	"github.com/flowrift/hwq/test"
	"github.com/stretchr/testify/require"
)

// fakeDevice emulates the privileged command channel: it assigns hardware
// numbers, tracks live handles so double destroys fail, and lets tests
// inject a failure for any single operation.
type fakeDevice struct {
	mu   sync.Mutex
	info DeviceInfo

	nextHandle uint64
	nextQPN    uint32
	nextCQN    uint32
	nextSRQN   uint32
	nextWQN    uint32

	live     map[uint64]string // handle -> resource kind
	failNext map[string]error

	destroyed []uint64
}

func newFakeDevice(mode IndexMode) *fakeDevice {
	return &fakeDevice{
		info: DeviceInfo{
			Limits: DeviceLimits{
				MaxSendElemBytes: 1024,
				MaxRecvElemBytes: 512,
				MaxSendBlocks:    65536,
				MaxRecvElems:     32768,
				MaxSharedElems:   32768,
				MaxCompEntries:   65536,
			},
			IndexMode:        mode,
			MaxUserIndex:     64,
			DoorbellPages:    2,
			RegistersPerPage: 4,
			RegisterBytes:    1024,
		},
		nextHandle: 1,
		nextQPN:    0x40, // hardware numbering starts away from zero
		nextCQN:    0x10,
		nextSRQN:   0x80,
		nextWQN:    0xc0,
		live:       make(map[uint64]string),
		failNext:   make(map[string]error),
	}
}

func (d *fakeDevice) failOnce(op string, err error) {
	d.mu.Lock()
	d.failNext[op] = err
	d.mu.Unlock()
}

func (d *fakeDevice) takeFailure(op string) error {
	if err, ok := d.failNext[op]; ok {
		delete(d.failNext, op)
		return err
	}
	return nil
}

func (d *fakeDevice) create(op, kind string) (uint64, error) {
	if err := d.takeFailure(op); err != nil {
		return 0, err
	}
	h := d.nextHandle
	d.nextHandle++
	d.live[h] = kind
	return h, nil
}

func (d *fakeDevice) destroy(op string, handle uint64, kind string) error {
	if err := d.takeFailure(op); err != nil {
		return err
	}
	if d.live[handle] != kind {
		return fmt.Errorf("no live %s with handle %d", kind, handle)
	}
	delete(d.live, handle)
	d.destroyed = append(d.destroyed, handle)
	return nil
}

func (d *fakeDevice) Open() (*DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure("open"); err != nil {
		return nil, err
	}
	info := d.info
	return &info, nil
}

func (d *fakeDevice) AllocPD() (uint64, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.create("alloc_pd", "pd")
	if err != nil {
		return 0, 0, err
	}
	return h, uint32(h), nil
}

func (d *fakeDevice) DeallocPD(handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroy("dealloc_pd", handle, "pd")
}

func (d *fakeDevice) CreateCQ(cmd *CreateCQCmd) (*CreateCQResp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.create("create_cq", "cq")
	if err != nil {
		return nil, err
	}
	cqn := d.nextCQN
	d.nextCQN++
	return &CreateCQResp{Handle: h, CQN: cqn}, nil
}

func (d *fakeDevice) ResizeCQ(handle uint64, buf []byte, entryCnt uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure("resize_cq"); err != nil {
		return err
	}
	if d.live[handle] != "cq" {
		return fmt.Errorf("no live cq with handle %d", handle)
	}
	return nil
}

func (d *fakeDevice) DestroyCQ(handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroy("destroy_cq", handle, "cq")
}

func (d *fakeDevice) CreateQP(cmd *CreateQPCmd) (*CreateQPResp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.create("create_qp", "qp")
	if err != nil {
		return nil, err
	}
	qpn := d.nextQPN
	d.nextQPN++
	return &CreateQPResp{
		Handle:        h,
		QPN:           qpn,
		RegisterIndex: qpn % d.info.RegistersPerPage,
	}, nil
}

func (d *fakeDevice) ModifyQP(handle uint64, attr *ModifyQPAttr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailure("modify_qp"); err != nil {
		return err
	}
	if d.live[handle] != "qp" {
		return fmt.Errorf("no live qp with handle %d", handle)
	}
	return nil
}

func (d *fakeDevice) DestroyQP(handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroy("destroy_qp", handle, "qp")
}

func (d *fakeDevice) CreateSRQ(cmd *CreateSRQCmd) (*CreateSRQResp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.create("create_srq", "srq")
	if err != nil {
		return nil, err
	}
	srqn := d.nextSRQN
	d.nextSRQN++
	return &CreateSRQResp{Handle: h, SRQN: srqn}, nil
}

func (d *fakeDevice) DestroySRQ(handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroy("destroy_srq", handle, "srq")
}

func (d *fakeDevice) CreateWQ(cmd *CreateWQCmd) (*CreateWQResp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.create("create_wq", "wq")
	if err != nil {
		return nil, err
	}
	wqn := d.nextWQN
	d.nextWQN++
	return &CreateWQResp{Handle: h, WQN: wqn}, nil
}

func (d *fakeDevice) DestroyWQ(handle uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroy("destroy_wq", handle, "wq")
}

// fakeMapper hands out anonymous pages in place of the hardware register
// window.
type fakeMapper struct {
	mu     sync.Mutex
	mapped map[uint32]int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{mapped: make(map[uint32]int)}
}

func (m *fakeMapper) MapPage(pageIndex uint32, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapped[pageIndex]++
	return make([]byte, size), nil
}

func testConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	if raw == "" {
		raw = "queues: {}"
	}
	require.NoError(t, c.LoadString(raw))
	return c
}

func newTestContext(t *testing.T, mode IndexMode) (*Context, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice(mode)
	ctx, err := NewContext(test.NewLogger(), testConfig(t, ""), dev, newFakeMapper())
	require.NoError(t, err)
	return ctx, dev
}
