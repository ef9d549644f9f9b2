// Package ivc implements inter-VM communication channels: a pair of fixed-size
// single-producer, single-consumer frame rings laid out in memory shared by two
// partitions. Each endpoint owns the transmit queue it writes to and reads from
// the queue its peer transmits on.
package ivc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Align is the alignment of queue headers and frames. The counters owned by each
// end live in separate cache lines so that neither end writes to the other's line.
const Align = 64

// HeaderSize is the size of a queue header in bytes.
const HeaderSize = 2 * Align

// queue header offsets
const (
	offWCount = 0     // frames written, owned by the transmitting end
	offState  = 4     // transmitting end's handshake state
	offRCount = Align // frames read, owned by the receiving end
)

// handshake states as stored in shared memory
const (
	stateEstablished = 0
	stateSync        = 1
	stateAck         = 2
)

// State is an endpoint's view of the channel.
type State int

const (
	Uninitialized State = iota
	Resetting
	Ready
	Closed
)

// Config describes the geometry of a channel.
type Config struct {

	// NumFrames is the number of frames in each queue.
	NumFrames int

	// FrameSize is the size of each frame in bytes. It must be a multiple of Align.
	FrameSize int

	// Notify is called to ring the peer's doorbell. It is called with no locks held
	// by the caller other than the channel's own.
	Notify func() error
}

// Channel is one end of an IVC channel.
type Channel struct {
	rx queue
	tx queue

	nframes   uint32
	frameSize int
	notify    func() error

	mu    sync.Mutex
	state State
	rPos  uint32
	wPos  uint32

	evC        chan struct{}
	notifyErrs atomic.Uint64
}

// queue is a header and frame area in shared memory.
type queue []byte

var (
	ErrConfig       = errors.New("ivc: invalid config")
	ErrNotReady     = errors.New("ivc: channel not ready")
	ErrFull         = errors.New("ivc: channel full")
	ErrEmpty        = errors.New("ivc: channel empty")
	ErrClosed       = errors.New("ivc: channel closed")
	ErrResetTimeout = errors.New("ivc: reset handshake timed out")
	ErrFrameSize    = errors.New("ivc: size exceeds frame size")
)

// QueueSize returns the number of bytes needed for one queue of the given geometry.
func QueueSize(numFrames, frameSize int) int {
	return HeaderSize + numFrames*frameSize
}

// New returns an endpoint that receives on rx and transmits on tx. The peer must be
// created with the same regions swapped. The endpoint is Uninitialized until the
// reset handshake completes; see Reset and Notified.
func New(rx, tx []byte, cfg Config) (*Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sz := QueueSize(cfg.NumFrames, cfg.FrameSize)
	if len(rx) < sz || len(tx) < sz {
		return nil, fmt.Errorf("%w: queue regions must be at least %d bytes", ErrConfig, sz)
	}

	for _, q := range [][]byte{rx, tx} {
		if uintptr(unsafe.Pointer(&q[0]))%8 != 0 {
			return nil, fmt.Errorf("%w: queue region is not 8-byte aligned", ErrConfig)
		}
	}

	if &rx[0] == &tx[0] {
		return nil, fmt.Errorf("%w: rx and tx queues overlap", ErrConfig)
	}

	notify := cfg.Notify
	if notify == nil {
		notify = func() error { return nil }
	}

	c := &Channel{
		rx:        queue(rx[:sz]),
		tx:        queue(tx[:sz]),
		nframes:   uint32(cfg.NumFrames),
		frameSize: cfg.FrameSize,
		notify:    notify,
		evC:       make(chan struct{}, 1),
	}

	return c, nil
}

// FrameSize returns the size of each frame in bytes.
func (c *Channel) FrameSize() int {
	return c.frameSize
}

// NumFrames returns the number of frames in each queue.
func (c *Channel) NumFrames() int {
	return int(c.nframes)
}

// State returns the endpoint's current view of the channel.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns a channel that receives a value when the peer rings this
// endpoint's doorbell. Notifications are coalesced.
func (c *Channel) Events() <-chan struct{} {
	return c.evC
}

// Signal delivers a doorbell notification from the peer. It never blocks.
func (c *Channel) Signal() {
	select {
	case c.evC <- struct{}{}:
	default:
	}
}

// CanRead reports whether a frame is available to read.
func (c *Channel) CanRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkRead() == nil
}

// CanWrite reports whether a frame is available to write.
func (c *Channel) CanWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkWrite() == nil
}

// TxEmpty reports whether the peer has consumed every transmitted frame.
func (c *Channel) TxEmpty() bool {
	return c.tx.empty(c.nframes)
}

// TxFramesAvailable returns the number of frames that can be written before the
// transmit queue is full. A peer that claims to have read more than was written
// leaves no frames available.
func (c *Channel) TxFramesAvailable() int {
	n := c.tx.avail()
	if n > c.nframes {
		return 0
	}

	return int(c.nframes - n)
}

// WriteGetNextFrame returns the next frame to transmit. The frame is owned by the
// caller until WriteAdvance; calling WriteGetNextFrame again before then returns
// the same frame.
func (c *Channel) WriteGetNextFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWrite(); err != nil {
		return nil, err
	}

	return c.tx.frame(c.wPos, c.frameSize), nil
}

// WriteAdvance publishes the frame returned by WriteGetNextFrame to the peer.
func (c *Channel) WriteAdvance() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWrite(); err != nil {
		return err
	}

	c.advanceTx()
	return nil
}

// ReadGetNextFrame returns the oldest unread frame. The frame is owned by the
// caller until ReadAdvance.
func (c *Channel) ReadGetNextFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRead(); err != nil {
		return nil, err
	}

	return c.rx.frame(c.rPos, c.frameSize), nil
}

// ReadAdvance releases the frame returned by ReadGetNextFrame back to the peer.
func (c *Channel) ReadAdvance() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRead(); err != nil {
		return err
	}

	c.advanceRx()
	return nil
}

// Write copies p into the next frame and transmits it. The rest of the frame is zeroed.
func (c *Channel) Write(p []byte) (n int, err error) {
	if len(p) > c.frameSize {
		return 0, ErrFrameSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWrite(); err != nil {
		return 0, err
	}

	f := c.tx.frame(c.wPos, c.frameSize)
	n = copy(f, p)
	clear(f[n:])

	c.advanceTx()
	return n, nil
}

// Read copies the next frame into p and releases it. At most FrameSize bytes are copied.
func (c *Channel) Read(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRead(); err != nil {
		return 0, err
	}

	n = copy(p, c.rx.frame(c.rPos, c.frameSize))

	c.advanceRx()
	return n, nil
}

// Peek copies len(p) bytes at off in the next unread frame into p without releasing it.
// The peer is not notified.
func (c *Channel) Peek(p []byte, off int) (n int, err error) {
	if off < 0 || off+len(p) > c.frameSize {
		return 0, ErrFrameSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRead(); err != nil {
		return 0, err
	}

	return copy(p, c.rx.frame(c.rPos, c.frameSize)[off:]), nil
}

// Poke copies p into the next frame to transmit at off without publishing it.
func (c *Channel) Poke(p []byte, off int) (n int, err error) {
	if off < 0 || off+len(p) > c.frameSize {
		return 0, ErrFrameSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWrite(); err != nil {
		return 0, err
	}

	return copy(c.tx.frame(c.wPos, c.frameSize)[off:], p), nil
}

// Reset starts the reset handshake. Frames obtained before the reset must be
// abandoned by the caller. The channel refuses I/O until Notified returns nil.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return
	}

	c.tx.storeState(stateSync)
	c.state = Resetting
	c.ring()
}

// Notified advances the reset handshake in response to a doorbell. It returns nil
// once the channel is established and ErrNotReady while a reset is outstanding.
// It must be called whenever the peer rings the doorbell.
func (c *Channel) Notified() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ErrClosed
	}

	var (
		peer  = c.rx.loadState()
		local = c.tx.loadState()
		moved = true
	)

	switch {

	// the peer wants to reset: clear our counters and acknowledge
	case peer == stateSync:
		c.clearCounters()
		c.tx.storeState(stateAck)
		c.ring()

	// the peer has cleared its counters in response to our sync
	case local == stateSync && peer == stateAck:
		c.clearCounters()
		c.tx.storeState(stateEstablished)
		c.ring()

	// we acked and the peer moved on
	case local == stateAck:
		c.tx.storeState(stateEstablished)
		c.ring()

	default:
		moved = false
	}

	// Zeroed shared memory looks established, but a fresh endpoint has never
	// been through a handshake.
	if c.state == Uninitialized && !moved {
		return ErrNotReady
	}

	if c.tx.loadState() != stateEstablished {
		c.state = Resetting
		return ErrNotReady
	}

	c.state = Ready
	return nil
}

// AwaitReady polls Notified up to retries times, sleeping delay between attempts or
// waking early on a doorbell. It returns ErrResetTimeout when the budget is exhausted.
func (c *Channel) AwaitReady(ctx context.Context, retries int, delay time.Duration) error {
	for i := 0; ; i++ {
		err := c.Notified()
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrNotReady) {
			return err
		}

		if i >= retries {
			return fmt.Errorf("%w: after %d retries", ErrResetTimeout, retries)
		}

		t := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()

		case <-c.evC:
			t.Stop()

		case <-t.C:
		}
	}
}

// Close marks the endpoint closed. Subsequent operations fail with ErrClosed. The
// shared memory is not released; it belongs to whoever mapped it.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return ErrClosed
	}

	c.state = Closed
	return nil
}

func (c *Channel) checkRead() error {
	if err := c.checkState(); err != nil {
		return err
	}

	if c.rx.empty(c.nframes) {
		return ErrEmpty
	}

	return nil
}

func (c *Channel) checkWrite() error {
	if err := c.checkState(); err != nil {
		return err
	}

	if c.tx.full(c.nframes) {
		return ErrFull
	}

	return nil
}

func (c *Channel) checkState() error {
	switch {
	case c.state == Closed:
		return ErrClosed

	case c.state != Ready || c.tx.loadState() != stateEstablished:
		return ErrNotReady
	}

	return nil
}

func (c *Channel) advanceTx() {
	c.tx.storeWCount(c.tx.loadWCount() + 1)

	if c.wPos++; c.wPos == c.nframes {
		c.wPos = 0
	}

	// notify on the transition from empty to non-empty
	if c.tx.avail() == 1 {
		c.ring()
	}
}

func (c *Channel) advanceRx() {
	c.rx.storeRCount(c.rx.loadRCount() + 1)

	if c.rPos++; c.rPos == c.nframes {
		c.rPos = 0
	}

	// notify on the transition from full to non-full
	if c.rx.avail() == c.nframes-1 {
		c.ring()
	}
}

// clearCounters zeroes the counters this end owns. The peer is in the sync or ack
// state and won't touch them until we change state.
func (c *Channel) clearCounters() {
	c.tx.storeWCount(0)
	c.rx.storeRCount(0)
	c.wPos = 0
	c.rPos = 0
}

func (c *Channel) ring() {
	if err := c.notify(); err != nil {
		// The peer recovers by polling Notified; a lost doorbell only delays it.
		c.notifyErrs.Add(1)
	}
}

// NotifyFailures returns the number of doorbells that failed to ring.
func (c *Channel) NotifyFailures() uint64 {
	return c.notifyErrs.Load()
}

func (q queue) frame(pos uint32, size int) []byte {
	if pos >= uint32((len(q)-HeaderSize)/size) {
		panic("ivc: frame index out of range")
	}

	off := HeaderSize + int(pos)*size
	return q[off : off+size : off+size]
}

func (q queue) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&q[off]))
}

func (q queue) loadWCount() uint32   { return atomic.LoadUint32(q.u32(offWCount)) }
func (q queue) storeWCount(v uint32) { atomic.StoreUint32(q.u32(offWCount), v) }
func (q queue) loadRCount() uint32   { return atomic.LoadUint32(q.u32(offRCount)) }
func (q queue) storeRCount(v uint32) { atomic.StoreUint32(q.u32(offRCount), v) }
func (q queue) loadState() uint32    { return atomic.LoadUint32(q.u32(offState)) }
func (q queue) storeState(v uint32)  { atomic.StoreUint32(q.u32(offState), v) }

func (q queue) avail() uint32 {
	return q.loadWCount() - q.loadRCount()
}

func (q queue) full(nframes uint32) bool {
	return q.avail() >= nframes
}

// empty reports whether the queue is empty. Counters claiming more than nframes
// frames come from a broken or hostile peer and read as empty, so the channel
// appears to have gone silent rather than full of garbage.
func (q queue) empty(nframes uint32) bool {
	w, r := q.loadWCount(), q.loadRCount()
	if w-r > nframes {
		return true
	}

	return w == r
}

func (cfg Config) validate() error {
	if cfg.NumFrames <= 0 {
		return fmt.Errorf("number of frames must be positive: %d", cfg.NumFrames)
	}

	if cfg.FrameSize <= 0 || cfg.FrameSize%Align != 0 {
		return fmt.Errorf("frame size must be a positive multiple of %d: %d", Align, cfg.FrameSize)
	}

	if uint64(cfg.NumFrames)*uint64(cfg.FrameSize) >= 1<<32 {
		return fmt.Errorf("frames overflow: %d * %d", cfg.NumFrames, cfg.FrameSize)
	}

	return nil
}

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"

	case Resetting:
		return "resetting"

	case Ready:
		return "ready"

	case Closed:
		return "closed"

	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
