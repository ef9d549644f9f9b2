package ivc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Doorbell carries notifications between the two ends of a channel. Ring
// notifies the far end; Forward delivers the far end's rings to a local
// channel's Events.
type Doorbell struct {
	rw  io.ReadWriteCloser
	msg []byte
}

var ErrDoorbell = errors.New("ivc: doorbell")

// NewEventfdDoorbell returns a doorbell backed by a non-blocking eventfd. Rings
// are coalesced by the kernel.
func NewEventfdDoorbell() (*Doorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: eventfd: %w", ErrDoorbell, err)
	}

	msg := make([]byte, 8)
	binary.LittleEndian.PutUint64(msg, 1)

	return &Doorbell{
		rw:  os.NewFile(uintptr(fd), "ivc-doorbell"),
		msg: msg,
	}, nil
}

// NewConnDoorbell returns a doorbell that rings by writing a byte to conn, e.g. a
// vsock connection to another VM.
func NewConnDoorbell(conn net.Conn) *Doorbell {
	return &Doorbell{rw: conn, msg: []byte{1}}
}

// Ring notifies the far end.
func (d *Doorbell) Ring() error {
	if _, err := d.rw.Write(d.msg); err != nil {
		return fmt.Errorf("%w: %w", ErrDoorbell, err)
	}

	return nil
}

// Forward signals ch for every ring received until ctx is done or the doorbell
// is closed. It closes the doorbell when ctx is done.
func (d *Doorbell) Forward(ctx context.Context, ch *Channel) error {
	stop := context.AfterFunc(ctx, func() { d.rw.Close() })
	defer stop()

	buf := make([]byte, 8)
	for {
		n, err := d.rw.Read(buf)
		if n > 0 {
			ch.Signal()
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("%w: %w", ErrDoorbell, err)
		}
	}
}

// Close releases the doorbell.
func (d *Doorbell) Close() error {
	return d.rw.Close()
}
