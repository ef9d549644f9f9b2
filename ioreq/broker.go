package ioreq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Hypervisor is the privileged interface the broker drives.
type Hypervisor interface {
	CreateVM(vmid, numVCPU int) error
	DestroyVM(vmid int) error

	// SetIOReqBuffer shares buf with the hypervisor as vmid's request slots.
	SetIOReqBuffer(vmid int, buf []byte) error

	// NotifyRequestFinish tells the hypervisor that vcpu's request is Complete.
	NotifyRequestFinish(vmid, vcpu int) error

	AssertIRQ(vmid, irq int) error
	DeassertIRQ(vmid, irq int) error
	PulseIRQ(vmid, irq int) error
}

// Handler emulates an access for an in-process client. The returned value is
// stored for reads. An error completes the request as failed.
type Handler func(req *Request) (value uint64, err error)

// Config configures a broker.
type Config struct {

	// MaxClients is the maximum number of clients per VM.
	// The default is 64.
	MaxClients int

	// Logger receives diagnostics. The default is slog.Default().
	Logger *slog.Logger
}

// ClientID is a generation-checked handle to a client. The zero ClientID is
// never valid.
type ClientID uint64

// ClientState is the attach state of a client.
type ClientState int

const (
	Created ClientState = iota
	Attached
	Destroyed
)

// Range is an inclusive address range of one access type.
type Range struct {
	Type  Type
	Start uint64
	End   uint64
}

// Broker matches guest requests to clients. All state is per broker.
type Broker struct {
	hv  Hypervisor
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	vms     map[int]*vm
	clients []clientEntry
	free    []uint32

	kickC chan struct{}
}

type clientEntry struct {
	gen uint32
	c   *client
}

type vm struct {
	id      int
	numVCPU int
	buf     []byte

	clients  []*client
	fallback *client

	// set while the hypervisor tears the VM down
	destroying bool

	pci pciAddr
}

type client struct {
	id       ClientID
	vm       *vm
	name     string
	fallback bool
	handler  Handler

	state    ClientState
	ranges   []Range
	bdf      *bdf
	inflight map[int]struct{} // vcpus

	wakeC chan struct{}
	doneC chan struct{}
}

type bdf struct {
	bus, dev, fn uint32
}

// finish identifies a request to report to the hypervisor.
type finish struct {
	vmid, vcpu int
}

var (
	ErrConfig            = errors.New("ioreq: invalid config")
	ErrNoVM              = errors.New("ioreq: no such vm")
	ErrVMExists          = errors.New("ioreq: vm exists")
	ErrNoClient          = errors.New("ioreq: no such client")
	ErrExists            = errors.New("ioreq: fallback client exists")
	ErrResourceExhausted = errors.New("ioreq: client table full")
	ErrTimeout           = errors.New("ioreq: timed out")
	ErrClientDestroyed   = errors.New("ioreq: client destroyed")
	ErrInvalidState      = errors.New("ioreq: invalid request state")
	ErrInvalidRange      = errors.New("ioreq: invalid range")
	ErrBuffer            = errors.New("ioreq: invalid request buffer")
	ErrHypervisor        = errors.New("ioreq: hypervisor call failed")
)

// NewBroker returns a broker driving hv.
func NewBroker(hv Hypervisor, cfg Config) *Broker {
	cfg = cfg.withDefaults()

	return &Broker{
		hv:    hv,
		cfg:   cfg,
		log:   cfg.Logger,
		vms:   make(map[int]*vm),
		kickC: make(chan struct{}, 1),
	}
}

// CreateVM registers a VM with numVCPU vcpus. Its requests are ignored until
// SetIOReqBuffer is called.
func (b *Broker) CreateVM(vmid, numVCPU int) error {
	if numVCPU <= 0 {
		return fmt.Errorf("%w: vm %d: %w", ErrConfig, vmid, unix.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.vms[vmid]; ok {
		return fmt.Errorf("%w: %d", ErrVMExists, vmid)
	}

	if err := b.hv.CreateVM(vmid, numVCPU); err != nil {
		return fmt.Errorf("%w: create vm %d: %w", ErrHypervisor, vmid, err)
	}

	b.vms[vmid] = &vm{id: vmid, numVCPU: numVCPU}
	return nil
}

// SetIOReqBuffer shares buf as vmid's request slots. It must hold a slot for
// every vcpu and be 8-byte aligned.
func (b *Broker) SetIOReqBuffer(vmid int, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.lookupVM(vmid)
	if err != nil {
		return err
	}

	if len(buf) < BufferSize(v.numVCPU) {
		return fmt.Errorf("%w: %d bytes for %d vcpus", ErrBuffer, len(buf), v.numVCPU)
	}

	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return fmt.Errorf("%w: not 8-byte aligned", ErrBuffer)
	}

	if err := b.hv.SetIOReqBuffer(vmid, buf); err != nil {
		return fmt.Errorf("%w: set ioreq buffer: %w", ErrHypervisor, err)
	}

	v.buf = buf
	return nil
}

// DestroyVM tears down vmid and all of its clients. Requests distributed while
// the hypervisor destroys the VM are dropped.
func (b *Broker) DestroyVM(vmid int) error {
	b.mu.Lock()
	v, err := b.lookupVM(vmid)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	if v.destroying {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d is being destroyed", ErrNoVM, vmid)
	}

	v.destroying = true
	b.mu.Unlock()

	hvErr := b.hv.DestroyVM(vmid)

	b.mu.Lock()
	var done []finish
	for _, c := range slices.Clone(v.clients) {
		done = b.destroyClient(c, done)
	}

	delete(b.vms, vmid)
	b.mu.Unlock()

	b.finish(done)

	if hvErr != nil {
		return fmt.Errorf("%w: destroy vm %d: %w", ErrHypervisor, vmid, hvErr)
	}

	return nil
}

// CreateClient registers a client for vmid. If handler is non-nil, the broker
// runs it for each request distributed to the client and completes the request
// with its result. Otherwise the caller services requests via Attach, Requests
// and CompleteRequest.
func (b *Broker) CreateClient(vmid int, name string, handler Handler) (ClientID, error) {
	return b.createClient(vmid, name, handler, false)
}

// CreateFallbackClient registers the client that receives vmid's requests no
// other client claims. A VM has at most one.
func (b *Broker) CreateFallbackClient(vmid int, name string) (ClientID, error) {
	return b.createClient(vmid, name, nil, true)
}

func (b *Broker) createClient(vmid int, name string, handler Handler, fallback bool) (ClientID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.lookupVM(vmid)
	if err != nil {
		return 0, err
	}

	if v.destroying {
		return 0, fmt.Errorf("%w: %d is being destroyed", ErrNoVM, vmid)
	}

	if fallback && v.fallback != nil {
		return 0, fmt.Errorf("%w: vm %d: %s", ErrExists, vmid, v.fallback.name)
	}

	if len(v.clients) >= b.cfg.MaxClients {
		return 0, fmt.Errorf("%w: vm %d has %d clients", ErrResourceExhausted, vmid, len(v.clients))
	}

	c := &client{
		vm:       v,
		name:     name,
		fallback: fallback,
		handler:  handler,
		inflight: make(map[int]struct{}),
		wakeC:    make(chan struct{}, 1),
		doneC:    make(chan struct{}),
	}

	c.id = b.alloc(c)
	v.clients = append(v.clients, c)

	if fallback {
		v.fallback = c
	}

	if handler != nil {
		go b.runHandler(c)
	}

	b.log.Debug("ioreq client created", "vm", vmid, "client", c.name, "fallback", fallback)
	return c.id, nil
}

// DestroyClient removes a client. Requests in flight on it complete as failed:
// reads return zero.
func (b *Broker) DestroyClient(id ClientID) error {
	b.mu.Lock()

	c, err := b.lookup(id)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	done := b.destroyClient(c, nil)
	b.mu.Unlock()

	b.finish(done)
	return nil
}

func (b *Broker) destroyClient(c *client, done []finish) []finish {
	v := c.vm

	for vcpu := range c.inflight {
		s := SlotAt(v.buf, vcpu)
		if fail(s) {
			done = append(done, finish{v.id, vcpu})
		}
	}

	c.inflight = nil
	c.state = Destroyed
	close(c.doneC)

	v.clients = slices.DeleteFunc(v.clients, func(o *client) bool { return o == c })
	if v.fallback == c {
		v.fallback = nil
	}

	b.release(c.id)

	b.log.Debug("ioreq client destroyed", "vm", v.id, "client", c.name, "failed", len(done))
	return done
}

// Attach blocks until at least one request is in flight for the client. It
// returns ErrTimeout if ctx expires first and ErrClientDestroyed if the client
// is destroyed while waiting.
func (b *Broker) Attach(ctx context.Context, id ClientID) error {
	for {
		b.mu.Lock()

		c, err := b.lookup(id)
		if err != nil {
			b.mu.Unlock()
			return err
		}

		c.state = Attached
		n := len(c.inflight)
		wakeC, doneC := c.wakeC, c.doneC

		b.mu.Unlock()

		if n > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: attach: %w", ErrTimeout, ctx.Err())
			}

			return ctx.Err()

		case <-doneC:
			return ErrClientDestroyed

		case <-wakeC:
		}
	}
}

// State returns the client's attach state.
func (b *Broker) State(id ClientID) (ClientState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return Destroyed, err
	}

	return c.state, nil
}

// Pending reports whether any request is in flight for the client.
func (b *Broker) Pending(id ClientID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return false, err
	}

	return len(c.inflight) > 0, nil
}

// Requests returns the requests in flight for the client, ordered by vcpu.
func (b *Broker) Requests(id ClientID) ([]Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return nil, err
	}

	vcpus := make([]int, 0, len(c.inflight))
	for vcpu := range c.inflight {
		vcpus = append(vcpus, vcpu)
	}

	slices.Sort(vcpus)

	reqs := make([]Request, len(vcpus))
	for i, vcpu := range vcpus {
		reqs[i] = SlotAt(c.vm.buf, vcpu).Request(c.vm.id, vcpu)
	}

	return reqs, nil
}

// CompleteRequest completes the client's request on vcpu, storing value for a
// read, and notifies the hypervisor. It returns ErrInvalidState without
// notifying the hypervisor unless the request is in flight on this client.
func (b *Broker) CompleteRequest(id ClientID, vcpu int, value uint64) error {
	return b.complete(id, vcpu, func(s Slot) bool {
		if s.Dir() == Read {
			s.setValue(value)
		}

		s.setStatus(StatusOK)
		return s.casState(InFlight, Complete)
	})
}

// FailRequest completes the client's request on vcpu as failed. Reads return zero.
func (b *Broker) FailRequest(id ClientID, vcpu int) error {
	return b.complete(id, vcpu, fail)
}

func (b *Broker) complete(id ClientID, vcpu int, fn func(Slot) bool) error {
	b.mu.Lock()

	c, err := b.lookup(id)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	if _, ok := c.inflight[vcpu]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: vm %d vcpu %d is not in flight on %s", ErrInvalidState, c.vm.id, vcpu, c.name)
	}

	s := SlotAt(c.vm.buf, vcpu)
	if s.State() != InFlight || s.Client() != c.id.index() {
		b.mu.Unlock()
		return fmt.Errorf("%w: vm %d vcpu %d is %s", ErrInvalidState, c.vm.id, vcpu, s.State())
	}

	delete(c.inflight, vcpu)

	if !fn(s) {
		b.mu.Unlock()
		return fmt.Errorf("%w: vm %d vcpu %d changed state", ErrInvalidState, c.vm.id, vcpu)
	}

	vmid := c.vm.id
	b.mu.Unlock()

	b.finish([]finish{{vmid, vcpu}})
	return nil
}

// AddRange routes requests of r.Type within r to the client.
func (b *Broker) AddRange(id ClientID, r Range) error {
	if err := r.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return err
	}

	c.ranges = append(c.ranges, r)
	return nil
}

// DelRange removes a range previously added with AddRange. Removing a range
// that was never added is not an error.
func (b *Broker) DelRange(id ClientID, r Range) error {
	if err := r.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return err
	}

	c.ranges = slices.DeleteFunc(c.ranges, func(o Range) bool { return o == r })
	return nil
}

// InterceptBDF routes PCI config requests for bus:dev.fn to the client.
func (b *Broker) InterceptBDF(id ClientID, bus, dev, fn uint32) error {
	if bus > pciBusMax || dev > pciSlotMax || fn > pciFuncMax {
		return fmt.Errorf("%w: %02x:%02x.%x: %w", ErrInvalidRange, bus, dev, fn, unix.EINVAL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return err
	}

	c.bdf = &bdf{bus, dev, fn}
	return nil
}

// UninterceptBDF stops routing PCI config requests to the client.
func (b *Broker) UninterceptBDF(id ClientID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.lookup(id)
	if err != nil {
		return err
	}

	c.bdf = nil
	return nil
}

// AssertIRQ raises a VM's interrupt line.
func (b *Broker) AssertIRQ(vmid, irq int) error {
	return b.irq(vmid, irq, b.hv.AssertIRQ)
}

// DeassertIRQ lowers a VM's interrupt line.
func (b *Broker) DeassertIRQ(vmid, irq int) error {
	return b.irq(vmid, irq, b.hv.DeassertIRQ)
}

// PulseIRQ raises and lowers a VM's interrupt line.
func (b *Broker) PulseIRQ(vmid, irq int) error {
	return b.irq(vmid, irq, b.hv.PulseIRQ)
}

func (b *Broker) irq(vmid, irq int, call func(vmid, irq int) error) error {
	b.mu.Lock()
	_, err := b.lookupVM(vmid)
	b.mu.Unlock()

	if err != nil {
		return err
	}

	if err := call(vmid, irq); err != nil {
		return fmt.Errorf("%w: irq %d: %w", ErrHypervisor, irq, err)
	}

	return nil
}

// Close destroys every VM.
func (b *Broker) Close() error {
	b.mu.Lock()
	ids := make([]int, 0, len(b.vms))
	for id := range b.vms {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := b.DestroyVM(id); err != nil && !errors.Is(err, ErrNoVM) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (b *Broker) runHandler(c *client) {
	for {
		select {
		case <-c.doneC:
			return

		case <-c.wakeC:
		}

		reqs, err := b.Requests(c.id)
		if err != nil {
			return
		}

		for i := range reqs {
			req := &reqs[i]

			v, err := c.handler(req)
			if err != nil {
				b.log.Warn("ioreq handler failed", "client", c.name,
					"type", req.Type, "addr", req.Addr, "err", err)

				err = b.FailRequest(c.id, req.VCPU)
			} else {
				err = b.CompleteRequest(c.id, req.VCPU, v)
			}

			if err != nil {
				b.log.Debug("ioreq completion dropped", "client", c.name, "vcpu", req.VCPU, "err", err)
			}
		}
	}
}

// finish notifies the hypervisor of completed requests. It must be called
// without b.mu held.
func (b *Broker) finish(done []finish) {
	for _, f := range done {
		if err := b.hv.NotifyRequestFinish(f.vmid, f.vcpu); err != nil {
			b.log.Error("ioreq finish notification failed",
				"vm", f.vmid, "vcpu", f.vcpu, "err", err)
		}
	}
}

func (b *Broker) lookupVM(vmid int) (*vm, error) {
	v, ok := b.vms[vmid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoVM, vmid)
	}

	return v, nil
}

func (b *Broker) lookup(id ClientID) (*client, error) {
	i := id.index()
	if i >= uint32(len(b.clients)) || b.clients[i].gen != id.gen() || b.clients[i].c == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoClient, id)
	}

	return b.clients[i].c, nil
}

func (b *Broker) alloc(c *client) ClientID {
	var i uint32
	if n := len(b.free); n > 0 {
		i, b.free = b.free[n-1], b.free[:n-1]
	} else {
		i = uint32(len(b.clients))
		b.clients = append(b.clients, clientEntry{})
	}

	e := &b.clients[i]
	e.gen++
	e.c = c

	return ClientID(uint64(e.gen)<<32 | uint64(i))
}

func (b *Broker) release(id ClientID) {
	i := id.index()
	b.clients[i].c = nil
	b.free = append(b.free, i)
}

// fail completes an in-flight request as failed. Reads return zero.
func fail(s Slot) bool {
	if s.Dir() == Read {
		s.setValue(0)
	}

	s.setStatus(StatusFailed)
	return s.casState(InFlight, Complete)
}

func (id ClientID) index() uint32 {
	return uint32(id)
}

func (id ClientID) gen() uint32 {
	return uint32(id >> 32)
}

func (id ClientID) String() string {
	return fmt.Sprintf("%d.%d", id.index(), id.gen())
}

func (r Range) validate() error {
	switch r.Type {
	case MMIO, PortIO, WP:
	default:
		return fmt.Errorf("%w: type %s: %w", ErrInvalidRange, r.Type, unix.EINVAL)
	}

	if r.Start > r.End {
		return fmt.Errorf("%w: %#x > %#x: %w", ErrInvalidRange, r.Start, r.End, unix.EINVAL)
	}

	return nil
}

func (r Range) contains(t Type, addr, size uint64) bool {
	if r.Type != t || size == 0 {
		return false
	}

	end := addr + size - 1
	return addr >= r.Start && end >= addr && end <= r.End
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 64
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (s ClientState) String() string {
	switch s {
	case Created:
		return "created"

	case Attached:
		return "attached"

	case Destroyed:
		return "destroyed"

	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}
