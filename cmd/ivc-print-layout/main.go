// ivc-print-layout prints the shared memory layout of a channel.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c35s/hvio/ivc"
	"github.com/c35s/hvio/vblk"
	"github.com/c35s/hvio/vnet"
)

func main() {

	var (
		numFrames = flag.Int("frames", 16, "number of frames per queue")
		frameSize = flag.Int("frame-size", 4096+ivc.Align, "frame size in bytes")
	)

	flag.Parse()

	if *numFrames <= 0 || *frameSize <= 0 {
		fmt.Fprintln(os.Stderr, "frames and frame size must be positive")
		os.Exit(1)
	}

	qsz := ivc.QueueSize(*numFrames, *frameSize)

	// Attach validates the geometry
	if _, err := ivc.Attach(make([]byte, 2*qsz), ivc.EndpointA, ivc.Config{
		NumFrames: *numFrames,
		FrameSize: *frameSize,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("frames: %d x %d bytes\n", *numFrames, *frameSize)
	fmt.Printf("queue size: %d\n", qsz)
	fmt.Printf("region size: %d\n", ivc.RegionSize(*numFrames, *frameSize))

	fmt.Println("\n# queues")
	for i, name := range []string{"A -> B", "B -> A"} {
		base := i * qsz
		fmt.Printf("%s: header %#x, frames %#x-%#x\n", name, base, base+ivc.HeaderSize, base+qsz)
	}

	fmt.Println("\n# payload per frame")
	fmt.Printf("vblk: %d sectors of 512 bytes\n", vblk.MaxSectorsPerFrame(*frameSize, 512))
	fmt.Printf("vnet: %d bytes per fragment\n", *frameSize-vnet.HeaderSize)
}
