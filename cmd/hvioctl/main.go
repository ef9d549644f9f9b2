// hvioctl runs one end of a channel shared between two VMs. The serving end
// creates the shared memory and waits for the other end to connect its
// doorbell over vsock.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/c35s/hvio/ivc"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	var (
		cf      channelFlags
		verbose bool
	)

	root := &cobra.Command{
		Use:           "hvioctl",
		Short:         "Move blocks and packets between VMs over shared memory",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(verbose))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cf.shmPath, "shm", "/dev/shm/hvio", "shared memory file or ivshmem BAR")
	pf.IntVar(&cf.numFrames, "frames", 16, "number of frames per queue")
	pf.IntVar(&cf.frameSize, "frame-size", 4096+ivc.Align, "frame size in bytes")
	pf.Uint32Var(&cf.cid, "cid", 2, "vsock context id of the serving end")
	pf.Uint32Var(&cf.port, "port", 5150, "vsock port for the doorbell")
	pf.StringVar(&cf.unixPath, "unix", "", "ring the doorbell over this unix socket instead of vsock")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log debug messages")

	root.AddCommand(
		newVblkServeCmd(&cf),
		newVblkCatCmd(&cf),
		newVnetEchoCmd(&cf),
		newVnetPingCmd(&cf),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("hvioctl failed", "err", err)
		stop()
		os.Exit(1)
	}
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
