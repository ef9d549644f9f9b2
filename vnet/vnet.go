// Package vnet carries network packets over an IVC channel. Packets larger
// than a frame are split into fragments and reassembled by the peer.
package vnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/hvio/ivc"
	"golang.org/x/sync/errgroup"
)

// Config configures a Device.
type Config struct {

	// HighWatermark is the transmit queue length at which SubmitFrame starts
	// failing with ErrQueueFull. The default is 100.
	HighWatermark int

	// LowWatermark is the queue length the queue must drain to before
	// SubmitFrame accepts packets again. The default is 25.
	LowWatermark int

	// MaxTxDelay is how long the transmitter waits for a free frame before
	// dropping the packet. The default is 100ms.
	MaxTxDelay time.Duration

	// MaxFrameSize is the largest packet, in bytes, sent or accepted.
	// The default is 9018.
	MaxFrameSize int

	// OnFrame is called with each reassembled packet. The packet is owned by
	// the callee. OnFrame runs on the receive goroutine and must not block.
	OnFrame func(pkt []byte)

	// Logger receives diagnostics. The default is slog.Default().
	Logger *slog.Logger
}

// Stats counts a Device's traffic.
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	TxDropped uint64
	TxStops   uint64
	RxPackets uint64
	RxBytes   uint64
	RxErrors  uint64
}

// Device is a virtual network interface on one IVC channel.
type Device struct {
	ch  *ivc.Channel
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	txq     [][]byte
	stopped bool

	// txC kicks the transmitter when a packet is queued; wakeC forwards
	// channel events to a transmitter waiting for a free frame.
	txC   chan struct{}
	wakeC chan struct{}

	rx reassembler

	// cut is the total length of a packet the transmitter left unfinished,
	// or 0. Only the transmit goroutine uses it.
	cut uint32

	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txDropped atomic.Uint64
	txStops   atomic.Uint64
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	rxErrors  atomic.Uint64
}

var (
	ErrConfig    = errors.New("vnet: invalid config")
	ErrQueueFull = errors.New("vnet: transmit queue full")
	ErrFrameSize = errors.New("vnet: bad frame size")
)

var errTxTimeout = errors.New("vnet: no free frame")

// New returns a device on ch. Call Run to move packets.
func New(ch *ivc.Channel, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(ch); err != nil {
		return nil, err
	}

	d := &Device{
		ch:    ch,
		cfg:   cfg,
		log:   cfg.Logger,
		txC:   make(chan struct{}, 1),
		wakeC: make(chan struct{}, 1),
		rx:    reassembler{maxPacket: cfg.MaxFrameSize},
	}

	return d, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = 100
	}

	if cfg.LowWatermark == 0 {
		cfg.LowWatermark = 25
	}

	if cfg.MaxTxDelay == 0 {
		cfg.MaxTxDelay = 100 * time.Millisecond
	}

	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 9018
	}

	if cfg.OnFrame == nil {
		cfg.OnFrame = func([]byte) {}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate(ch *ivc.Channel) error {
	if cfg.LowWatermark < 0 || cfg.HighWatermark <= cfg.LowWatermark {
		return fmt.Errorf("%w: watermarks %d/%d", ErrConfig, cfg.HighWatermark, cfg.LowWatermark)
	}

	if cfg.MaxTxDelay < 0 {
		return fmt.Errorf("%w: negative tx delay", ErrConfig)
	}

	if ch.FrameSize() <= HeaderSize {
		return fmt.Errorf("%w: frame size %d leaves no room for data", ErrConfig, ch.FrameSize())
	}

	return nil
}

// SubmitFrame queues a copy of pkt for transmission. Once the queue reaches
// the high watermark it fails with ErrQueueFull until it drains to the low
// watermark.
func (d *Device) SubmitFrame(pkt []byte) error {
	if len(pkt) == 0 || len(pkt) > d.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameSize, len(pkt))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrQueueFull
	}

	if len(d.txq) >= d.cfg.HighWatermark {
		d.stopped = true
		d.txStops.Add(1)
		d.log.Debug("tx queue stopped", "len", len(d.txq))
		return ErrQueueFull
	}

	d.txq = append(d.txq, append([]byte(nil), pkt...))

	select {
	case d.txC <- struct{}{}:
	default:
	}

	return nil
}

// QueueLen returns the number of packets waiting to be sent.
func (d *Device) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.txq)
}

// Stats returns a snapshot of the traffic counters.
func (d *Device) Stats() Stats {
	return Stats{
		TxPackets: d.txPackets.Load(),
		TxBytes:   d.txBytes.Load(),
		TxDropped: d.txDropped.Load(),
		TxStops:   d.txStops.Load(),
		RxPackets: d.rxPackets.Load(),
		RxBytes:   d.rxBytes.Load(),
		RxErrors:  d.rxErrors.Load(),
	}
}

// Run moves packets until ctx is done or the channel is closed. It resets the
// channel if no handshake has happened yet.
func (d *Device) Run(ctx context.Context) error {
	if d.ch.State() == ivc.Uninitialized {
		d.ch.Reset()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.receive(ctx) })
	g.Go(func() error { return d.transmit(ctx) })
	return g.Wait()
}

// receive owns the channel's events. It completes handshakes, reassembles
// incoming fragments, and wakes the transmitter.
func (d *Device) receive(ctx context.Context) error {
	for {
		err := d.ch.Notified()

		switch {
		case err == nil:
			d.drain()

		case errors.Is(err, ivc.ErrClosed):
			return err

		default:
			if d.rx.abort() {
				d.rxErrors.Add(1)
				d.log.Debug("rx reassembly aborted by reset")
			}
		}

		select {
		case d.wakeC <- struct{}{}:
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.ch.Events():
		}
	}
}

func (d *Device) drain() {
	for {
		f, err := d.ch.ReadGetNextFrame()
		if err != nil {
			return
		}

		pkt, err := d.rx.push(f)
		if err != nil {
			d.rxErrors.Add(1)
			d.log.Debug("rx fragment dropped", "err", err)
		}

		if err := d.ch.ReadAdvance(); err != nil {
			return
		}

		if pkt != nil {
			d.rxPackets.Add(1)
			d.rxBytes.Add(uint64(len(pkt)))
			d.cfg.OnFrame(pkt)
		}
	}
}

func (d *Device) transmit(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-d.txC:
		}

		for pkt := d.pop(); pkt != nil; pkt = d.pop() {
			if err := d.send(ctx, pkt); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				d.txDropped.Add(1)
				d.log.Debug("tx packet dropped", "len", len(pkt), "err", err)
				continue
			}

			d.txPackets.Add(1)
			d.txBytes.Add(uint64(len(pkt)))
		}
	}
}

// pop dequeues the next packet, restarting the queue at the low watermark.
func (d *Device) pop() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.txq) == 0 {
		return nil
	}

	pkt := d.txq[0]
	d.txq[0] = nil
	d.txq = d.txq[1:]

	if d.stopped && len(d.txq) <= d.cfg.LowWatermark {
		d.stopped = false
		d.log.Debug("tx queue restarted", "len", len(d.txq))
	}

	return pkt
}

// send writes pkt as a run of fragments. It doesn't start a packet until the
// ring has room for all of it, or is empty if the packet is larger than the
// ring. A packet cut short by a stalled peer is terminated before the next one
// starts, so the peer drops only the packet that was cut.
func (d *Device) send(ctx context.Context, pkt []byte) error {
	var (
		chunk = d.ch.FrameSize() - HeaderSize
		total = len(pkt)
		need  = min((total+chunk-1)/chunk, d.ch.NumFrames())
	)

	if d.cut != 0 {
		if err := d.terminate(ctx); err != nil {
			return err
		}
	}

	if err := d.waitRoom(ctx, need); err != nil {
		return err
	}

	for off := 0; off < total; {
		f, err := d.txFrame(ctx)
		if err != nil {
			if off > 0 && errors.Is(err, ivc.ErrFull) {
				d.cut = uint32(total)
			}

			return err
		}

		n := min(chunk, total-off)

		var flags uint16
		if off == 0 {
			flags |= FlagFirst
		}

		if off+n == total {
			flags |= FlagLast
		}

		fragHdr{Flags: flags, Size: uint32(n), Total: uint32(total)}.PutBinary(f)
		copy(f[HeaderSize:], pkt[off:off+n])

		if err := d.ch.WriteAdvance(); err != nil {
			return err
		}

		off += n
	}

	return nil
}

// terminate ends the packet that was cut short with an empty last fragment.
// The peer fails the short packet and is ready for the next First.
func (d *Device) terminate(ctx context.Context) error {
	f, err := d.txFrame(ctx)
	if err != nil {
		return err
	}

	fragHdr{Flags: FlagLast, Total: d.cut}.PutBinary(f)

	if err := d.ch.WriteAdvance(); err != nil {
		return err
	}

	d.cut = 0
	return nil
}

// waitRoom waits up to MaxTxDelay for a ready channel with n free frames. The
// peer only rings when a full queue drains, so waitRoom polls as well.
func (d *Device) waitRoom(ctx context.Context, n int) error {
	timeout := time.NewTimer(d.cfg.MaxTxDelay)
	defer timeout.Stop()

	poll := time.NewTicker(max(d.cfg.MaxTxDelay/10, time.Millisecond))
	defer poll.Stop()

	for {
		err := ivc.ErrNotReady
		if d.ch.State() == ivc.Ready {
			if d.ch.TxFramesAvailable() >= n {
				return nil
			}

			err = ivc.ErrFull
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timeout.C:
			return fmt.Errorf("%w: %w", errTxTimeout, err)

		case <-d.wakeC:
		case <-poll.C:
		}
	}
}

// txFrame waits up to MaxTxDelay for a free frame on a ready channel.
func (d *Device) txFrame(ctx context.Context) ([]byte, error) {
	var timeout <-chan time.Time

	for {
		f, err := d.ch.WriteGetNextFrame()
		if err == nil || !errors.Is(err, ivc.ErrFull) && !errors.Is(err, ivc.ErrNotReady) {
			return f, err
		}

		if timeout == nil {
			t := time.NewTimer(d.cfg.MaxTxDelay)
			defer t.Stop()
			timeout = t.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeout:
			return nil, fmt.Errorf("%w: %w", errTxTimeout, err)

		case <-d.wakeC:
		}
	}
}
