package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/c35s/hvio/vblk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newVblkServeCmd(cf *channelFlags) *cobra.Command {
	var (
		srv      vblk.Server
		readOnly bool
	)

	cmd := &cobra.Command{
		Use:   "vblk-serve FILE|URL",
		Short: "Serve a disk image to the other end",
		Args:  cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := vblk.OpenStorage(args[0], readOnly)
			if err != nil {
				return err
			}

			if c, ok := storage.(io.Closer); ok {
				defer c.Close()
			}

			srv.Storage = storage
			srv.ReadOnly = readOnly

			ep, err := cf.open(cmd.Context(), true)
			if err != nil {
				return err
			}

			defer ep.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return ep.forward(ctx) })
			g.Go(func() error { return srv.Serve(ctx, ep.ch) })
			return ignoreCanceled(g.Wait())
		},
	}

	cmd.Flags().BoolVar(&readOnly, "ro", false, "serve the disk read-only")
	cmd.Flags().Uint32Var(&srv.MaxSectorsPerIO, "max-sectors", 256, "limit the sectors per request")
	return cmd
}

func newVblkCatCmd(cf *channelFlags) *cobra.Command {
	var cfg vblk.Config

	cmd := &cobra.Command{
		Use:   "vblk-cat",
		Short: "Copy the served disk to stdout",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := cf.open(cmd.Context(), false)
			if err != nil {
				return err
			}

			defer ep.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(ep.forward(ctx)) })

			g.Go(func() error {
				defer cancel()

				dev, err := vblk.Open(ctx, ep.ch, cfg)
				if err != nil {
					return err
				}

				defer dev.Close()

				n, err := io.Copy(os.Stdout, io.NewSectionReader(dev, 0, dev.Size()))
				if err != nil {
					return err
				}

				slog.Info("disk copied", "bytes", n, "read_only", dev.Info().ReadOnly)
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 0, "fail requests unanswered for this long")
	return cmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
