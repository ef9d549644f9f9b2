package vnet

import (
	"errors"
	"testing"

	"github.com/c35s/hvio/ivc"
)

func TestWatermarks(t *testing.T) {
	a, _, err := ivc.NewPair(ivc.Config{NumFrames: 4, FrameSize: 256})
	if err != nil {
		t.Fatal(err)
	}

	d, err := New(a, Config{HighWatermark: 100, LowWatermark: 25})
	if err != nil {
		t.Fatal(err)
	}

	pkt := []byte("packet")

	for i := 0; i < 100; i++ {
		if err := d.SubmitFrame(pkt); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := d.SubmitFrame(pkt); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit 101: err %v != ErrQueueFull", err)
	}

	// stopped until the queue drains to the low watermark
	for d.QueueLen() > 26 {
		d.pop()
	}

	if err := d.SubmitFrame(pkt); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit at %d: err %v != ErrQueueFull", d.QueueLen(), err)
	}

	d.pop()

	if n := d.QueueLen(); n != 25 {
		t.Fatalf("len %d != 25", n)
	}

	if err := d.SubmitFrame(pkt); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}

	if n := d.Stats().TxStops; n != 1 {
		t.Errorf("stops %d != 1", n)
	}
}
