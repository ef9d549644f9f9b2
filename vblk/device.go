package vblk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/hvio/ivc"
	"golang.org/x/sys/unix"
)

// Config configures a Device.
type Config struct {

	// Timeout is the watchdog for each frame. A frame without a result
	// after Timeout fails its request. The default is 5s.
	Timeout time.Duration

	// Retries bounds how often the device waits for the channel to become
	// ready before giving up. The default is 30.
	Retries int

	// RetryDelay is the wait between retries. The default is 10ms.
	RetryDelay time.Duration

	// Logger receives diagnostics. The default is slog.Default().
	Logger *slog.Logger
}

// Device is a block device served by a remote Server over a channel. One
// request is transferred at a time, one frame at a time, by a worker goroutine.
// The remote geometry is queried at Open and again by the first request after
// a channel reset.
type Device struct {
	ch  *ivc.Channel
	cfg Config
	log *slog.Logger

	mu                 sync.Mutex
	info               Info
	maxSectorsPerFrame uint32

	reqC    chan *request
	closeC  chan struct{}
	doneC   chan struct{}
	closeMu sync.Once

	// owned by the worker
	reqID uint32
	stale bool
}

type request struct {
	ctx    context.Context
	cmd    Cmd
	sector uint64
	buf    []byte
	errC   chan error
}

var (
	ErrConfig   = errors.New("vblk: invalid config")
	ErrIO       = errors.New("vblk: i/o error")
	ErrClosed   = errors.New("vblk: device closed")
	ErrWatchdog = errors.New("vblk: watchdog expired")
	ErrSerial   = errors.New("vblk: serial number mismatch")
)

// Open queries the remote device's config over ch and returns a device ready
// for I/O. It resets ch if no handshake has happened yet. On failure no device
// is returned.
func Open(ctx context.Context, ch *ivc.Channel, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()

	d := &Device{
		ch:     ch,
		cfg:    cfg,
		log:    cfg.Logger,
		reqC:   make(chan *request),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}

	if ch.State() == ivc.Uninitialized {
		ch.Reset()
	}

	if err := d.queryConfig(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	go d.run()

	return d, nil
}

// Info returns the remote device's geometry.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return d.Info().Size()
}

// MaxSectorsPerFrame returns the number of sectors moved by each frame.
func (d *Device) MaxSectorsPerFrame() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSectorsPerFrame
}

// Submit transfers len(buf) bytes starting at sector, reading into buf for
// CmdRead and writing from it for CmdWrite. CmdFlush ignores sector and buf.
// Every failure wraps ErrIO. Once accepted by the worker, a request runs to
// completion or failure even if ctx is cancelled between frames.
func (d *Device) Submit(ctx context.Context, cmd Cmd, sector uint64, buf []byte) error {
	r := &request{
		ctx:    ctx,
		cmd:    cmd,
		sector: sector,
		buf:    buf,
		errC:   make(chan error, 1),
	}

	select {
	case d.reqC <- r:
	case <-d.closeC:
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrIO, ctx.Err())
	}

	return <-r.errC
}

// ReadAt implements io.ReaderAt. off and len(p) must be sector aligned.
func (d *Device) ReadAt(p []byte, off int64) (n int, err error) {
	return d.rw(CmdRead, p, off)
}

// WriteAt implements io.WriterAt. off and len(p) must be sector aligned.
func (d *Device) WriteAt(p []byte, off int64) (n int, err error) {
	return d.rw(CmdWrite, p, off)
}

// Flush asks the remote device to commit written data.
func (d *Device) Flush(ctx context.Context) error {
	return d.Submit(ctx, CmdFlush, 0, nil)
}

// Close stops the worker. Queued requests fail with ErrClosed. The channel is
// not closed.
func (d *Device) Close() error {
	d.closeMu.Do(func() { close(d.closeC) })
	<-d.doneC
	return nil
}

func (d *Device) rw(cmd Cmd, p []byte, off int64) (n int, err error) {
	info := d.Info()

	ss := int64(info.SectorSize)
	if off%ss != 0 || int64(len(p))%ss != 0 {
		return 0, fmt.Errorf("%w: unaligned %s at %d+%d: %w", ErrIO, cmd, off, len(p), unix.EINVAL)
	}

	size := info.Size()
	if off >= size {
		if cmd == CmdRead {
			return 0, io.EOF
		}

		return 0, fmt.Errorf("%w: %s at %d: %w", ErrIO, cmd, off, unix.ENOSPC)
	}

	var short error
	if off+int64(len(p)) > size {
		p = p[:size-off]
		short = io.EOF
		if cmd == CmdWrite {
			short = io.ErrShortWrite
		}
	}

	chunk := int(info.MaxSectorsPerIO) * int(ss)
	for n < len(p) {
		end := min(n+chunk, len(p))
		if err := d.Submit(context.Background(), cmd, uint64((off+int64(n))/ss), p[n:end]); err != nil {
			return n, err
		}

		n = end
	}

	return n, short
}

func (d *Device) run() {
	defer close(d.doneC)

	for {
		select {
		case <-d.closeC:
			return

		case r := <-d.reqC:
			r.errC <- d.transfer(r)

		// nothing is in flight: keep the handshake moving and drop late results
		case <-d.ch.Events():
			d.idle()
		}
	}
}

func (d *Device) idle() {
	if err := d.notified(); err != nil {
		return
	}

	for {
		f, err := d.ch.ReadGetNextFrame()
		if err != nil {
			return
		}

		d.log.Debug("vblk dropped late result", "req", hdrView(f).ReqID(), "serial", hdrView(f).Serial())

		if err := d.ch.ReadAdvance(); err != nil {
			return
		}
	}
}

// notified advances the channel handshake, marking the remote geometry stale
// when the channel is being reset.
func (d *Device) notified() error {
	err := d.ch.Notified()
	if errors.Is(err, ivc.ErrNotReady) && !d.stale {
		d.log.Debug("vblk channel reset, config will be queried again")
		d.stale = true
	}

	return err
}

// transfer moves one request frame by frame. Every error wraps ErrIO.
func (d *Device) transfer(r *request) error {
	if d.stale || d.ch.State() != ivc.Ready {
		d.stale = true
		if err := d.queryConfig(r.ctx); err != nil {
			return fmt.Errorf("%w: config: %w", ErrIO, err)
		}
	}

	info, mspf := d.Info(), d.MaxSectorsPerFrame()

	if err := check(r, info); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	var (
		ss    = info.SectorSize
		count = uint32(len(r.buf) / int(ss))
		total = NumFrames(count, mspf)
	)

	d.reqID++

	for serial := uint32(1); serial <= total; serial++ {
		if err := r.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		var (
			done = (serial - 1) * mspf
			n    = min(mspf, count-done)
			data = r.buf[done*ss : (done+n)*ss]
		)

		h := Header{
			Cmd:    r.cmd,
			Serial: serial,
			Sector: r.sector + uint64(done),
			Count:  n,
			Total:  total,
			ReqID:  d.reqID,
		}

		if r.cmd == CmdFlush {
			h.Sector = 0
		}

		var out []byte
		if r.cmd == CmdWrite {
			out = data
		}

		if err := d.send(h, out); err != nil {
			return fmt.Errorf("%w: %s frame %d/%d: %w", ErrIO, r.cmd, serial, total, err)
		}

		var in []byte
		if r.cmd == CmdRead {
			in = data
		}

		status, err := d.await(r.ctx, h, in)
		if err != nil {
			d.log.Error("vblk transfer failed", "cmd", r.cmd, "sector", h.Sector,
				"serial", serial, "total", total, "err", err)

			return fmt.Errorf("%w: %s frame %d/%d: %w", ErrIO, r.cmd, serial, total, err)
		}

		if status != 0 {
			return fmt.Errorf("%w: %s frame %d/%d: remote: %w", ErrIO, r.cmd, serial, total, unix.Errno(-status))
		}
	}

	return nil
}

func check(r *request, info Info) error {
	ss := info.SectorSize

	switch r.cmd {
	case CmdRead, CmdWrite:
	case CmdFlush:
		return nil
	default:
		return fmt.Errorf("unsupported command %s: %w", r.cmd, unix.EINVAL)
	}

	if len(r.buf)%int(ss) != 0 {
		return fmt.Errorf("%d bytes is not a multiple of the sector size %d: %w", len(r.buf), ss, unix.EINVAL)
	}

	count := uint64(len(r.buf) / int(ss))

	if count > uint64(info.MaxSectorsPerIO) {
		return fmt.Errorf("%d sectors exceeds the limit of %d: %w", count, info.MaxSectorsPerIO, unix.EINVAL)
	}

	if r.sector+count > info.TotalSectors || r.sector+count < r.sector {
		return fmt.Errorf("sectors %d+%d beyond %d: %w", r.sector, count, info.TotalSectors, unix.ENOSPC)
	}

	if r.cmd == CmdWrite && info.ReadOnly {
		return unix.EROFS
	}

	return nil
}

// send writes one request frame. A channel that is no longer ready was reset
// during the request, which fails the frame.
func (d *Device) send(h Header, payload []byte) error {
	if st := d.ch.State(); st != ivc.Ready {
		d.stale = true
		return fmt.Errorf("channel %s: %w", st, ivc.ErrNotReady)
	}

	f, err := d.ch.WriteGetNextFrame()
	if err != nil {
		return err
	}

	h.PutBinary(f)
	clear(f[HeaderSize:])
	copy(f[HeaderSize:], payload)

	return d.ch.WriteAdvance()
}

// await waits for the result of the frame described by h, copying its payload
// into in. Results of earlier requests are dropped. The watchdog is armed for
// the duration of the wait.
func (d *Device) await(ctx context.Context, h Header, in []byte) (status int32, err error) {
	wdC := make(chan struct{})
	wdT := time.AfterFunc(d.cfg.Timeout, func() { close(wdC) })
	defer wdT.Stop()

	for {
		f, err := d.ch.ReadGetNextFrame()

		switch {
		case err == nil:
			res := hdrView(f)

			if res.ReqID() != h.ReqID {
				d.log.Debug("vblk dropped stale result", "req", res.ReqID(), "want", h.ReqID)
				if err := d.ch.ReadAdvance(); err != nil {
					return 0, err
				}

				continue
			}

			if res.Serial() != h.Serial || res.Cmd() != h.Cmd {
				d.ch.ReadAdvance()
				return 0, fmt.Errorf("%w: got %s %d, want %s %d", ErrSerial, res.Cmd(), res.Serial(), h.Cmd, h.Serial)
			}

			status = res.Status()
			if status == 0 && in != nil {
				copy(in, f[HeaderSize:])
			}

			return status, d.ch.ReadAdvance()

		case !errors.Is(err, ivc.ErrEmpty):
			return 0, err
		}

		select {
		case <-wdC:
			return 0, ErrWatchdog

		case <-ctx.Done():
			return 0, ctx.Err()

		case <-d.closeC:
			return 0, ErrClosed

		case <-d.ch.Events():
			// the peer may have reset, in which case the frame is lost
			if err := d.notified(); err != nil {
				return 0, err
			}
		}
	}
}

// queryConfig asks the remote device for its geometry. The channel gets the
// retry budget to become ready; the answer gets the watchdog. It runs in Open
// and then only on the worker.
func (d *Device) queryConfig(ctx context.Context) error {
	if err := d.ch.AwaitReady(ctx, d.cfg.Retries, d.cfg.RetryDelay); err != nil {
		return err
	}

	d.reqID++

	h := Header{
		Cmd:    CmdConfig,
		Serial: 1,
		Total:  1,
		ReqID:  d.reqID,
	}

	if err := d.send(h, nil); err != nil {
		return err
	}

	buf := make([]byte, InfoSize)
	status, err := d.await(ctx, h, buf)
	if err != nil {
		return err
	}

	if status != 0 {
		return fmt.Errorf("remote: %w", unix.Errno(-status))
	}

	info := ParseInfo(buf)

	if info.SectorSize == 0 || info.SectorSize%512 != 0 {
		return fmt.Errorf("sector size %d: %w", info.SectorSize, unix.EINVAL)
	}

	if info.MaxSectorsPerIO == 0 {
		return fmt.Errorf("max sectors per io is zero: %w", unix.EINVAL)
	}

	mspf := MaxSectorsPerFrame(d.ch.FrameSize(), info.SectorSize)
	if mspf == 0 {
		return fmt.Errorf("a %d-byte sector does not fit in a %d-byte frame: %w",
			info.SectorSize, d.ch.FrameSize(), unix.EINVAL)
	}

	d.mu.Lock()
	d.info = info
	d.maxSectorsPerFrame = mspf
	d.mu.Unlock()

	d.stale = false

	d.log.Debug("vblk config", "sectors", info.TotalSectors, "sector_size", info.SectorSize,
		"max_sectors_per_io", info.MaxSectorsPerIO, "max_sectors_per_frame", mspf, "ro", info.ReadOnly)

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	if cfg.Retries == 0 {
		cfg.Retries = 30
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Millisecond
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
