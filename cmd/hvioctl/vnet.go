package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c35s/hvio/vnet"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newVnetEchoCmd(cf *channelFlags) *cobra.Command {
	var cfg vnet.Config

	cmd := &cobra.Command{
		Use:   "vnet-echo",
		Short: "Send every received packet back",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := cf.open(cmd.Context(), true)
			if err != nil {
				return err
			}

			defer ep.Close()

			var dev *vnet.Device
			cfg.OnFrame = func(pkt []byte) {
				if err := dev.SubmitFrame(pkt); err != nil {
					slog.Debug("echo dropped", "len", len(pkt), "err", err)
				}
			}

			if dev, err = vnet.New(ep.ch, cfg); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return ep.forward(ctx) })
			g.Go(func() error { return dev.Run(ctx) })
			err = g.Wait()

			slog.Info("echo stopped", "stats", dev.Stats())
			return ignoreCanceled(err)
		},
	}

	cmd.Flags().IntVar(&cfg.MaxFrameSize, "mtu", 0, "largest packet in bytes")
	return cmd
}

func newVnetPingCmd(cf *channelFlags) *cobra.Command {
	var (
		cfg      vnet.Config
		count    int
		size     int
		interval time.Duration
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "vnet-ping",
		Short: "Send packets to vnet-echo and count the replies",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 8 {
				return fmt.Errorf("packet size %d < 8", size)
			}

			ep, err := cf.open(cmd.Context(), false)
			if err != nil {
				return err
			}

			defer ep.Close()

			replies := make(chan uint64, count)
			cfg.OnFrame = func(pkt []byte) {
				if len(pkt) < 8 {
					return
				}

				select {
				case replies <- binary.LittleEndian.Uint64(pkt):
				default:
				}
			}

			dev, err := vnet.New(ep.ch, cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(ep.forward(ctx)) })
			g.Go(func() error { return ignoreCanceled(dev.Run(ctx)) })

			g.Go(func() error {
				defer cancel()
				return ping(ctx, dev, replies, count, size, interval, wait)
			})

			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 10, "number of packets")
	cmd.Flags().IntVarP(&size, "size", "s", 1500, "packet size in bytes")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 100*time.Millisecond, "time between packets")
	cmd.Flags().DurationVarP(&wait, "wait", "w", time.Second, "time to wait for late replies")
	return cmd
}

var errNoReplies = errors.New("hvioctl: no replies")

func ping(ctx context.Context, dev *vnet.Device, replies <-chan uint64, count, size int, interval, wait time.Duration) error {
	sent := make(map[uint64]time.Time, count)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	var (
		seq      uint64
		received int
		deadline <-chan time.Time
	)

loop:
	for received < count {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick.C:
			if int(seq) == count {
				if deadline == nil {
					deadline = time.After(wait)
				}

				continue
			}

			pkt := make([]byte, size)
			binary.LittleEndian.PutUint64(pkt, seq)

			if err := dev.SubmitFrame(pkt); err != nil {
				slog.Warn("packet not sent", "seq", seq, "err", err)
			} else {
				sent[seq] = time.Now()
			}

			seq++

		case n := <-replies:
			t, ok := sent[n]
			if !ok {
				slog.Warn("unexpected reply", "seq", n)
				continue
			}

			delete(sent, n)
			received++
			slog.Info("reply", "seq", n, "bytes", size, "rtt", time.Since(t))

		case <-deadline:
			break loop
		}
	}

	slog.Info("ping done", "sent", seq, "received", received, "stats", dev.Stats())

	if received == 0 {
		return errNoReplies
	}

	return nil
}
