// Package ioreq brokers trapped guest I/O accesses between a hypervisor and the
// clients that emulate them.
//
// The hypervisor writes one request slot per vcpu into a buffer shared with the
// broker and upcalls it. The broker matches each pending request to a client by
// address range (or PCI bus/device/function) and wakes the client. The client
// emulates the access and completes the request, which the broker reports back
// to the hypervisor.
package ioreq

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Type is the kind of access that trapped.
type Type uint32

const (
	PortIO Type = 0
	MMIO   Type = 1
	PCICfg Type = 2
	WP     Type = 3 // write-protected page
)

// Dir is the direction of an access.
type Dir uint32

const (
	Read  Dir = 0
	Write Dir = 1
)

// State is the lifecycle state of a request slot. A slot only moves
// Free → Pending → InFlight → Complete → Free; the hypervisor owns the first
// and last transitions.
type State uint32

const (
	Free     State = 0
	Pending  State = 1
	InFlight State = 2
	Complete State = 3
)

// Status is the outcome of a completed request.
type Status uint32

const (
	StatusOK     Status = 0
	StatusFailed Status = 1
)

// SlotSize is the size of one request slot in the shared buffer.
const SlotSize = 64

// slot field offsets
const (
	offType   = 0
	offValid  = 4
	offState  = 8
	offClient = 12
	offAddr   = 16
	offSize   = 24
	offDir    = 32
	offStatus = 36
	offBus    = 40
	offDev    = 44
	offFunc   = 48
	offReg    = 52
	offValue  = 56
)

var le = binary.LittleEndian

// Request is a decoded copy of a request slot.
type Request struct {
	VMID int
	VCPU int

	Type  Type
	Dir   Dir
	Addr  uint64
	Size  uint64
	Value uint64

	// set for PCICfg requests
	Bus  uint32
	Dev  uint32
	Func uint32
	Reg  uint32
}

// Slot is a view of one request slot in a shared buffer. The state field is
// accessed atomically; the other fields are published by the state transition
// that follows their write.
type Slot []byte

// SlotAt returns the slot for vcpu in buf.
func SlotAt(buf []byte, vcpu int) Slot {
	off := vcpu * SlotSize
	return Slot(buf[off : off+SlotSize : off+SlotSize])
}

// BufferSize returns the size of a shared buffer for numVCPU vcpus.
func BufferSize(numVCPU int) int {
	return numVCPU * SlotSize
}

func (s Slot) Type() Type       { return Type(le.Uint32(s[offType:])) }
func (s Slot) Valid() bool      { return le.Uint32(s[offValid:]) != 0 }
func (s Slot) Client() uint32   { return le.Uint32(s[offClient:]) }
func (s Slot) Addr() uint64     { return le.Uint64(s[offAddr:]) }
func (s Slot) Size() uint64     { return le.Uint64(s[offSize:]) }
func (s Slot) Dir() Dir         { return Dir(le.Uint32(s[offDir:])) }
func (s Slot) Status() Status   { return Status(le.Uint32(s[offStatus:])) }
func (s Slot) Value() uint64    { return le.Uint64(s[offValue:]) }
func (s Slot) State() State     { return State(atomic.LoadUint32(s.state())) }
func (s Slot) SetState(v State) { atomic.StoreUint32(s.state(), uint32(v)) }

func (s Slot) setType(v Type)     { le.PutUint32(s[offType:], uint32(v)) }
func (s Slot) setClient(v uint32) { le.PutUint32(s[offClient:], v) }
func (s Slot) setStatus(v Status) { le.PutUint32(s[offStatus:], uint32(v)) }
func (s Slot) setValue(v uint64)  { le.PutUint64(s[offValue:], v) }

func (s Slot) setBDF(bus, dev, fn, reg uint32) {
	le.PutUint32(s[offBus:], bus)
	le.PutUint32(s[offDev:], dev)
	le.PutUint32(s[offFunc:], fn)
	le.PutUint32(s[offReg:], reg)
}

// Fill writes r into the slot and marks it valid with StatusOK. It does not
// change the state; the hypervisor publishes the request by setting Pending.
func (s Slot) Fill(r *Request) {
	s.setType(r.Type)
	le.PutUint32(s[offValid:], 1)
	s.setClient(0)
	le.PutUint64(s[offAddr:], r.Addr)
	le.PutUint64(s[offSize:], r.Size)
	le.PutUint32(s[offDir:], uint32(r.Dir))
	s.setStatus(StatusOK)
	s.setBDF(r.Bus, r.Dev, r.Func, r.Reg)
	s.setValue(r.Value)
}

// Invalidate clears the valid flag.
func (s Slot) Invalidate() {
	le.PutUint32(s[offValid:], 0)
}

// Request decodes the slot.
func (s Slot) Request(vmid, vcpu int) Request {
	return Request{
		VMID:  vmid,
		VCPU:  vcpu,
		Type:  s.Type(),
		Dir:   s.Dir(),
		Addr:  s.Addr(),
		Size:  s.Size(),
		Value: s.Value(),
		Bus:   le.Uint32(s[offBus:]),
		Dev:   le.Uint32(s[offDev:]),
		Func:  le.Uint32(s[offFunc:]),
		Reg:   le.Uint32(s[offReg:]),
	}
}

func (s Slot) casState(old, new State) bool {
	return atomic.CompareAndSwapUint32(s.state(), uint32(old), uint32(new))
}

func (s Slot) state() *uint32 {
	return (*uint32)(unsafe.Pointer(&s[offState]))
}

func (t Type) String() string {
	switch t {
	case PortIO:
		return "pio"

	case MMIO:
		return "mmio"

	case PCICfg:
		return "pcicfg"

	case WP:
		return "wp"

	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

func (s State) String() string {
	switch s {
	case Free:
		return "free"

	case Pending:
		return "pending"

	case InFlight:
		return "inflight"

	case Complete:
		return "complete"

	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}
