package ioreq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Loopback is an in-process Hypervisor. Its Access method traps a vcpu access
// into the VM's request slot, upcalls the broker and waits for completion, the
// way a vcpu thread blocks on an exit.
type Loopback struct {

	// Timeout bounds how long Access waits for a client. An access that times
	// out reads as zero. The default is one second.
	Timeout time.Duration

	mu     sync.Mutex
	vms    map[int]*loopVM
	upcall func()
}

type loopVM struct {
	buf   []byte
	vcpus []*loopVCPU
	irqs  map[int]*IRQState
}

type loopVCPU struct {
	mu    sync.Mutex // one access at a time
	doneC chan struct{}
}

// IRQState records what the broker did to an interrupt line.
type IRQState struct {
	Asserted bool
	Pulses   int
}

var (
	ErrBusy   = errors.New("ioreq: vcpu has an outstanding request")
	ErrFailed = errors.New("ioreq: request failed")
)

// NewLoopback returns a loopback hypervisor. Call SetUpcall with the broker's
// Notify before issuing accesses.
func NewLoopback() *Loopback {
	return &Loopback{vms: make(map[int]*loopVM)}
}

// SetUpcall sets the function called after a request is published.
func (lb *Loopback) SetUpcall(fn func()) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.upcall = fn
}

func (lb *Loopback) CreateVM(vmid, numVCPU int) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.vms[vmid]; ok {
		return fmt.Errorf("%w: %d", ErrVMExists, vmid)
	}

	v := &loopVM{
		vcpus: make([]*loopVCPU, numVCPU),
		irqs:  make(map[int]*IRQState),
	}

	for i := range v.vcpus {
		v.vcpus[i] = &loopVCPU{doneC: make(chan struct{}, 1)}
	}

	lb.vms[vmid] = v
	return nil
}

func (lb *Loopback) DestroyVM(vmid int) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if _, ok := lb.vms[vmid]; !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	delete(lb.vms, vmid)
	return nil
}

func (lb *Loopback) SetIOReqBuffer(vmid int, buf []byte) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	v, ok := lb.vms[vmid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	v.buf = buf
	return nil
}

func (lb *Loopback) NotifyRequestFinish(vmid, vcpu int) error {
	lb.mu.Lock()
	v, ok := lb.vms[vmid]
	lb.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	if vcpu < 0 || vcpu >= len(v.vcpus) {
		return fmt.Errorf("%w: vcpu %d", ErrInvalidState, vcpu)
	}

	select {
	case v.vcpus[vcpu].doneC <- struct{}{}:
	default:
	}

	return nil
}

func (lb *Loopback) AssertIRQ(vmid, irq int) error {
	return lb.setIRQ(vmid, irq, func(s *IRQState) { s.Asserted = true })
}

func (lb *Loopback) DeassertIRQ(vmid, irq int) error {
	return lb.setIRQ(vmid, irq, func(s *IRQState) { s.Asserted = false })
}

func (lb *Loopback) PulseIRQ(vmid, irq int) error {
	return lb.setIRQ(vmid, irq, func(s *IRQState) { s.Pulses++ })
}

// IRQ returns the state of a VM's interrupt line.
func (lb *Loopback) IRQ(vmid, irq int) IRQState {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if v, ok := lb.vms[vmid]; ok {
		if s, ok := v.irqs[irq]; ok {
			return *s
		}
	}

	return IRQState{}
}

func (lb *Loopback) setIRQ(vmid, irq int, fn func(*IRQState)) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	v, ok := lb.vms[vmid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	s, ok := v.irqs[irq]
	if !ok {
		s = new(IRQState)
		v.irqs[irq] = s
	}

	fn(s)
	return nil
}

// Access traps req on vmid's vcpu and waits for it to complete. It returns the
// value of a read. A failed request returns zero and ErrFailed; an unanswered
// one returns zero and ErrTimeout once Timeout elapses. A vcpu whose previous
// request timed out stays busy until that request completes.
func (lb *Loopback) Access(ctx context.Context, vmid, vcpu int, req Request) (uint64, error) {
	lb.mu.Lock()
	v, ok := lb.vms[vmid]
	upcall := lb.upcall
	timeout := lb.Timeout

	var buf []byte
	if ok {
		buf = v.buf
	}

	lb.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	if buf == nil {
		return 0, fmt.Errorf("%w: vm %d has no request buffer", ErrBuffer, vmid)
	}

	if vcpu < 0 || vcpu >= len(v.vcpus) {
		return 0, fmt.Errorf("%w: vcpu %d", ErrInvalidState, vcpu)
	}

	if timeout == 0 {
		timeout = time.Second
	}

	vc := v.vcpus[vcpu]
	vc.mu.Lock()
	defer vc.mu.Unlock()

	s := SlotAt(buf, vcpu)

	switch s.State() {
	case Free:

	// reclaim a request that completed after its access timed out
	case Complete:
		s.Invalidate()
		s.SetState(Free)

	default:
		return 0, fmt.Errorf("%w: vm %d vcpu %d is %s", ErrBusy, vmid, vcpu, s.State())
	}

	select {
	case <-vc.doneC:
	default:
	}

	s.Fill(&req)
	s.SetState(Pending)

	if upcall != nil {
		upcall()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-vc.doneC:

	case <-t.C:
		return 0, fmt.Errorf("%w: vm %d vcpu %d %s %#x", ErrTimeout, vmid, vcpu, req.Type, req.Addr)

	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if st := s.State(); st != Complete {
		return 0, fmt.Errorf("%w: finished request is %s", ErrInvalidState, st)
	}

	var (
		value  = s.Value()
		failed = s.Status() != StatusOK
	)

	s.Invalidate()
	s.SetState(Free)

	if failed {
		return 0, fmt.Errorf("%w: vm %d vcpu %d %s %#x", ErrFailed, vmid, vcpu, req.Type, req.Addr)
	}

	if req.Dir == Write {
		return 0, nil
	}

	return value, nil
}
