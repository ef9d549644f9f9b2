package vblk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/hvio/ivc"
	"golang.org/x/sys/unix"
)

// Server answers a Device's frames from a BlockStorage. Storage may also
// implement io.WriterAt to enable writes and Syncer to honor flushes.
type Server struct {

	// Storage is the backing storage. Its size is rounded down to a whole
	// number of sectors.
	Storage BlockStorage

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// SectorSize is the sector size in bytes. The default is 512.
	SectorSize uint32

	// MaxSectorsPerIO limits the size of one request. The default is 256.
	MaxSectorsPerIO uint32

	// Logger receives diagnostics. The default is slog.Default().
	Logger *slog.Logger
}

var ErrServer = errors.New("vblk: server")

// Serve answers frames on ch until ctx is done. It resets ch if no handshake
// has happened yet. I/O errors are reported to the device, not returned.
func (s *Server) Serve(ctx context.Context, ch *ivc.Channel) error {
	srv, err := s.withDefaults()
	if err != nil {
		return err
	}

	if ch.State() == ivc.Uninitialized {
		ch.Reset()
	}

	for {
		if err := ch.Notified(); err == nil {
			for ch.CanRead() {
				if err := srv.serveFrame(ctx, ch); err != nil {
					if errors.Is(err, ivc.ErrClosed) {
						return err
					}

					if ctx.Err() != nil {
						return ctx.Err()
					}

					// the channel is resetting; frames in flight are gone
					break
				}
			}
		} else if errors.Is(err, ivc.ErrClosed) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ch.Events():
		}
	}
}

type server struct {
	Server

	writerAt io.WriterAt
	info     Info
	log      *slog.Logger
}

func (s *Server) withDefaults() (*server, error) {
	srv := &server{Server: *s, log: s.Logger}

	if srv.SectorSize == 0 {
		srv.SectorSize = 512
	}

	if srv.MaxSectorsPerIO == 0 {
		srv.MaxSectorsPerIO = 256
	}

	if srv.log == nil {
		srv.log = slog.Default()
	}

	if srv.Storage == nil {
		return nil, fmt.Errorf("%w: no storage", ErrServer)
	}

	sz, err := srv.Storage.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: storage size: %w", ErrServer, err)
	}

	if !srv.ReadOnly {
		srv.writerAt, _ = srv.Storage.(io.WriterAt)
	}

	srv.info = Info{
		TotalSectors:    uint64(sz) / uint64(srv.SectorSize),
		SectorSize:      srv.SectorSize,
		MaxSectorsPerIO: srv.MaxSectorsPerIO,
		ReadOnly:        srv.writerAt == nil,
	}

	return srv, nil
}

// serveFrame answers the next frame. The reply frame is claimed first so the
// request can be processed in place.
func (s *server) serveFrame(ctx context.Context, ch *ivc.Channel) error {
	reply, err := s.replyFrame(ctx, ch)
	if err != nil {
		return err
	}

	f, err := ch.ReadGetNextFrame()
	if err != nil {
		return err
	}

	h := ParseHeader(f)
	h.Status = 0

	payload := reply[HeaderSize:]
	clear(payload)

	if err := s.handle(h, f[HeaderSize:], payload); err != nil {
		s.log.Error("block io error", "cmd", h.Cmd, "sector", h.Sector, "count", h.Count, "err", err)

		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = unix.EIO
		}

		h.Status = -int32(errno)
	}

	h.PutBinary(reply)

	if err := ch.ReadAdvance(); err != nil {
		return err
	}

	return ch.WriteAdvance()
}

// replyFrame waits for room to write a result.
func (s *server) replyFrame(ctx context.Context, ch *ivc.Channel) ([]byte, error) {
	for {
		f, err := ch.WriteGetNextFrame()
		if !errors.Is(err, ivc.ErrFull) {
			return f, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ch.Events():
			if err := ch.Notified(); err != nil {
				return nil, err
			}
		}
	}
}

func (s *server) handle(h Header, in, out []byte) error {
	if h.Cmd == CmdConfig {
		s.info.PutBinary(out)
		return nil
	}

	if h.Cmd == CmdFlush {
		if sy, ok := s.Storage.(Syncer); ok && s.writerAt != nil {
			return sy.Sync()
		}

		return nil
	}

	var (
		ss = int(s.info.SectorSize)
		n  = int(h.Count) * ss
	)

	switch {
	case h.Cmd != CmdRead && h.Cmd != CmdWrite:
		return fmt.Errorf("unsupported command %s: %w", h.Cmd, unix.EINVAL)

	case n > len(out):
		return fmt.Errorf("%d sectors do not fit in a frame: %w", h.Count, unix.EINVAL)

	case h.Sector+uint64(h.Count) > s.info.TotalSectors || h.Sector+uint64(h.Count) < h.Sector:
		return fmt.Errorf("sectors %d+%d beyond %d: %w", h.Sector, h.Count, s.info.TotalSectors, unix.ENOSPC)
	}

	off := int64(h.Sector) * int64(ss)

	if h.Cmd == CmdRead {
		if _, err := s.Storage.ReadAt(out[:n], off); err != nil && err != io.EOF {
			return fmt.Errorf("%w: %w", unix.EIO, err)
		}

		return nil
	}

	if s.writerAt == nil {
		return unix.EROFS
	}

	if _, err := s.writerAt.WriteAt(in[:n], off); err != nil {
		return fmt.Errorf("%w: %w", unix.EIO, err)
	}

	return nil
}
