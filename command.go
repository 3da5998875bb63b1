package hwq

// IndexMode is the completion routing capability negotiated when the command
// channel is opened. In direct mode completions carry the hardware resource
// number; in slot mode the driver picks a compact user index up front and the
// device echoes it back. The mode is fixed for the life of a context.
type IndexMode int

const (
	IndexModeDirect IndexMode = iota
	IndexModeSlot
)

func (m IndexMode) String() string {
	if m == IndexModeSlot {
		return "slot"
	}
	return "direct"
}

// DeviceInfo is everything the command channel reports at open time.
type DeviceInfo struct {
	Limits       DeviceLimits
	IndexMode    IndexMode
	MaxUserIndex uint32 // slot table capacity in slot mode

	// doorbell window geometry
	DoorbellPages    uint32 // dynamic register pages available to this process
	RegistersPerPage uint32
	RegisterBytes    uint32
}

// CreateQPCmd describes the layout this driver computed for a queue pair. The
// device owns the element and completion record contents; we only hand it
// addresses and shapes.
type CreateQPCmd struct {
	Transport     Transport
	Buf           []byte
	SendBuf       []byte // only for raw-packet/underlay pairs
	DoorbellRec   []byte
	SendElemCnt   uint32
	RecvElemCnt   uint32
	RecvElemShift uint8
	SendCQN       uint32
	RecvCQN       uint32
	SharedQueueN  uint32 // 0 when the pair has its own receive queue
	PDN           uint32
	UserIndex     uint32 // slot mode only
	RegisterIndex uint32 // dedicated doorbell register, when leased
	Flags         CreateFlags
}

// CreateFlags are the capability bits forwarded verbatim to the device.
type CreateFlags uint32

const (
	FlagSignature CreateFlags = 1 << iota
	FlagScatterToCompletion
	FlagDedicatedRegister
	FlagTunnelOffload
)

type CreateQPResp struct {
	Handle        uint64
	QPN           uint32
	RegisterIndex uint32 // device-assigned doorbell register for the shared path
}

type CreateCQCmd struct {
	Buf         []byte
	DoorbellRec []byte
	EntryCnt    uint32
	EntryBytes  uint32
}

type CreateCQResp struct {
	Handle uint64
	CQN    uint32
}

type CreateSRQCmd struct {
	Buf         []byte
	DoorbellRec []byte
	ElemCnt     uint32
	ElemShift   uint8
	PDN         uint32
	UserIndex   uint32
	Flags       CreateFlags
}

type CreateSRQResp struct {
	Handle uint64
	SRQN   uint32
}

type CreateWQCmd struct {
	Buf         []byte
	DoorbellRec []byte
	ElemCnt     uint32
	ElemShift   uint8
	PDN         uint32
	CQN         uint32
	UserIndex   uint32
	MultiPacket bool
	Flags       CreateFlags
}

type CreateWQResp struct {
	Handle uint64
	WQN    uint32
}

// ModifyQPAttr carries the subset of modify parameters this core cares about;
// everything else is opaque to us and forwarded as-is.
type ModifyQPAttr struct {
	State    QPState
	HasState bool
}

// CommandChannel is the privileged synchronous RPC that actually creates and
// destroys resources in the device. Any error means the resource was not
// created or not destroyed; there is no partial success.
type CommandChannel interface {
	Open() (*DeviceInfo, error)

	AllocPD() (handle uint64, pdn uint32, err error)
	DeallocPD(handle uint64) error

	CreateCQ(cmd *CreateCQCmd) (*CreateCQResp, error)
	ResizeCQ(handle uint64, buf []byte, entryCnt uint32) error
	DestroyCQ(handle uint64) error

	CreateQP(cmd *CreateQPCmd) (*CreateQPResp, error)
	ModifyQP(handle uint64, attr *ModifyQPAttr) error
	DestroyQP(handle uint64) error

	CreateSRQ(cmd *CreateSRQCmd) (*CreateSRQResp, error)
	DestroySRQ(handle uint64) error

	CreateWQ(cmd *CreateWQCmd) (*CreateWQResp, error)
	DestroyWQ(handle uint64) error
}

// RegisterMapper maps one page of the write-combined doorbell window into
// process memory. Mapping the same page twice is unsafe in a multi-process
// model, so the pool calls this exactly once per page and never unmaps.
type RegisterMapper interface {
	MapPage(pageIndex uint32, size uint32) ([]byte, error)
}
