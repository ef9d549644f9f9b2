package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/c35s/hvio/ivc"
	"github.com/mdlayher/vsock"
)

type channelFlags struct {
	shmPath   string
	numFrames int
	frameSize int
	cid       uint32
	port      uint32
	unixPath  string
}

// endpoint is one end of a channel: its shared memory, its doorbell, and the
// channel laid out in the memory.
type endpoint struct {
	mem  *ivc.SharedMemory
	bell *ivc.Doorbell
	ch   *ivc.Channel
}

// open maps the shared memory and connects the doorbell. The serving end
// creates the memory, listens, and takes the second queue; the other end
// dials and takes the first.
func (cf *channelFlags) open(ctx context.Context, serve bool) (ep *endpoint, err error) {
	size := ivc.RegionSize(cf.numFrames, cf.frameSize)

	mem, err := ivc.OpenSharedMemory(cf.shmPath, size, serve)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			mem.Close()
		}
	}()

	conn, err := cf.connect(ctx, serve)
	if err != nil {
		return nil, err
	}

	bell := ivc.NewConnDoorbell(conn)

	side := ivc.EndpointA
	if serve {
		side = ivc.EndpointB
	}

	ch, err := ivc.Attach(mem.Bytes(), side, ivc.Config{
		NumFrames: cf.numFrames,
		FrameSize: cf.frameSize,
		Notify:    bell.Ring,
	})

	if err != nil {
		bell.Close()
		return nil, err
	}

	slog.Debug("channel attached",
		"shm", cf.shmPath,
		"size", size,
		"frames", cf.numFrames,
		"frame_size", cf.frameSize,
		"peer", conn.RemoteAddr())

	return &endpoint{mem: mem, bell: bell, ch: ch}, nil
}

func (cf *channelFlags) connect(ctx context.Context, serve bool) (net.Conn, error) {
	if !serve {
		return cf.dial()
	}

	var (
		l   net.Listener
		err error
	)

	if cf.unixPath != "" {
		l, err = net.Listen("unix", cf.unixPath)
	} else {
		l, err = vsock.Listen(cf.port, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("doorbell listen: %w", err)
	}

	defer l.Close()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	slog.Info("waiting for peer", "addr", l.Addr())

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("doorbell accept: %w", err)
	}

	return conn, nil
}

func (cf *channelFlags) dial() (net.Conn, error) {
	if cf.unixPath != "" {
		return net.Dial("unix", cf.unixPath)
	}

	conn, err := vsock.Dial(cf.cid, cf.port, nil)
	if err != nil {
		return nil, fmt.Errorf("doorbell dial: %w", err)
	}

	return conn, nil
}

var errPeerClosed = errors.New("hvioctl: peer closed the doorbell")

// forward delivers the peer's doorbell to the channel until ctx is done.
func (ep *endpoint) forward(ctx context.Context) error {
	if err := ep.bell.Forward(ctx, ep.ch); err != nil {
		return err
	}

	return errPeerClosed
}

// Close releases the doorbell and the shared memory.
func (ep *endpoint) Close() error {
	err := ep.ch.Close()

	// Forward closes the doorbell when its context ends
	if berr := ep.bell.Close(); !errors.Is(berr, net.ErrClosed) {
		err = errors.Join(err, berr)
	}

	return errors.Join(err, ep.mem.Close())
}
