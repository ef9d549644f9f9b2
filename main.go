// hvio copies a block device through a shared-memory channel. A vblk server
// answers from a file or URL on one end; a vblk device reads it on the other.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/c35s/hvio/ivc"
	"github.com/c35s/hvio/vblk"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {

	var (
		diskPath  = flag.String("disk", "disk.img", "serve the disk image from file or URL")
		outPath   = flag.String("o", "-", "write the disk contents to file")
		numFrames = flag.Int("frames", 16, "set the number of frames per queue")
		frameSize = flag.Int("frame-size", 4096+ivc.Align, "set the frame size in bytes")
		readOnly  = flag.Bool("ro", false, "serve the disk read-only")
		verbose   = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	slog.SetDefault(newLogger(*verbose))

	if err := run(*diskPath, *outPath, *numFrames, *frameSize, *readOnly); err != nil {
		slog.Error("hvio failed", "err", err)
		os.Exit(1)
	}
}

func run(diskPath, outPath string, numFrames, frameSize int, readOnly bool) error {
	storage, err := vblk.OpenStorage(diskPath, readOnly)
	if err != nil {
		return err
	}

	if c, ok := storage.(io.Closer); ok {
		defer c.Close()
	}

	out := os.Stdout
	if outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}

		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mem, err := ivc.CreateSharedMemory("hvio", ivc.RegionSize(numFrames, frameSize))
	if err != nil {
		return err
	}

	defer mem.Close()

	guestBell, err := ivc.NewEventfdDoorbell()
	if err != nil {
		return err
	}

	hostBell, err := ivc.NewEventfdDoorbell()
	if err != nil {
		return err
	}

	guest, err := ivc.Attach(mem.Bytes(), ivc.EndpointA, ivc.Config{
		NumFrames: numFrames,
		FrameSize: frameSize,
		Notify:    hostBell.Ring,
	})

	if err != nil {
		return err
	}

	host, err := ivc.Attach(mem.Bytes(), ivc.EndpointB, ivc.Config{
		NumFrames: numFrames,
		FrameSize: frameSize,
		Notify:    guestBell.Ring,
	})

	if err != nil {
		return err
	}

	srv := &vblk.Server{
		Storage:  storage,
		ReadOnly: readOnly,
	}

	g, ctx := errgroup.WithContext(ctx)
	serveCtx, cancelServe := context.WithCancel(ctx)

	g.Go(func() error { return ignoreCanceled(guestBell.Forward(serveCtx, guest)) })
	g.Go(func() error { return ignoreCanceled(hostBell.Forward(serveCtx, host)) })
	g.Go(func() error { return ignoreCanceled(srv.Serve(serveCtx, host)) })

	g.Go(func() error {
		defer cancelServe()

		dev, err := vblk.Open(ctx, guest, vblk.Config{})
		if err != nil {
			return err
		}

		defer dev.Close()

		info := dev.Info()
		slog.Info("disk attached",
			"sectors", info.TotalSectors,
			"sector_size", info.SectorSize,
			"read_only", info.ReadOnly)

		n, err := io.Copy(out, io.NewSectionReader(dev, 0, dev.Size()))
		if err != nil {
			return err
		}

		slog.Debug("disk copied", "bytes", n)
		return nil
	})

	return g.Wait()
}

// newLogger logs text to a terminal and JSON otherwise.
func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
