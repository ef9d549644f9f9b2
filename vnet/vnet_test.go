package vnet_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/hvio/ivc"
	"github.com/c35s/hvio/vnet"
	"github.com/google/go-cmp/cmp"
)

// 240 bytes of payload per fragment
var ringConfig = ivc.Config{
	NumFrames: 8,
	FrameSize: 256,
}

type sink struct {
	mu   sync.Mutex
	pkts [][]byte
	c    chan struct{}
}

func newSink() *sink {
	return &sink{c: make(chan struct{}, 1)}
}

func (s *sink) onFrame(pkt []byte) {
	s.mu.Lock()
	s.pkts = append(s.pkts, pkt)
	s.mu.Unlock()

	select {
	case s.c <- struct{}{}:
	default:
	}
}

func (s *sink) wait(t *testing.T, n int) [][]byte {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		s.mu.Lock()
		if len(s.pkts) >= n {
			pkts := s.pkts
			s.mu.Unlock()
			return pkts
		}

		s.mu.Unlock()

		select {
		case <-s.c:
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets", n)
		}
	}
}

func run(t *testing.T, d *vnet.Device) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("run: %v", err)
		}
	})
}

func TestNew(t *testing.T) {
	a, _, err := ivc.NewPair(ringConfig)
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]vnet.Config{
		"equal watermarks":    {HighWatermark: 10, LowWatermark: 10},
		"inverted watermarks": {HighWatermark: 10, LowWatermark: 20},
		"negative low":        {HighWatermark: 10, LowWatermark: -1},
		"negative delay":      {MaxTxDelay: -time.Second},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := vnet.New(a, cfg); !errors.Is(err, vnet.ErrConfig) {
				t.Errorf("err %v != ErrConfig", err)
			}
		})
	}

	t.Run("tiny frames", func(t *testing.T) {
		tiny, _, err := ivc.NewPair(ivc.Config{NumFrames: 4, FrameSize: 64})
		if err != nil {
			t.Fatal(err)
		}

		// 64-byte frames still leave room for data
		if _, err := vnet.New(tiny, vnet.Config{}); err != nil {
			t.Error(err)
		}
	})

	t.Run("frame size", func(t *testing.T) {
		d, err := vnet.New(a, vnet.Config{MaxFrameSize: 1500})
		if err != nil {
			t.Fatal(err)
		}

		if err := d.SubmitFrame(nil); !errors.Is(err, vnet.ErrFrameSize) {
			t.Errorf("empty: err %v != ErrFrameSize", err)
		}

		if err := d.SubmitFrame(make([]byte, 1501)); !errors.Is(err, vnet.ErrFrameSize) {
			t.Errorf("1501: err %v != ErrFrameSize", err)
		}

		if err := d.SubmitFrame(make([]byte, 1500)); err != nil {
			t.Errorf("1500: %v", err)
		}
	})
}

func TestTransfer(t *testing.T) {
	a, b, err := ivc.NewPair(ringConfig)
	if err != nil {
		t.Fatal(err)
	}

	var (
		as = newSink()
		bs = newSink()
	)

	da, err := vnet.New(a, vnet.Config{OnFrame: as.onFrame})
	if err != nil {
		t.Fatal(err)
	}

	db, err := vnet.New(b, vnet.Config{OnFrame: bs.onFrame})
	if err != nil {
		t.Fatal(err)
	}

	run(t, da)
	run(t, db)

	for a.State() != ivc.Ready || b.State() != ivc.Ready {
		time.Sleep(time.Millisecond)
	}

	// one fragment, exactly one full fragment, a few, and more than the ring holds
	var want [][]byte
	for _, n := range []int{1, 240, 1500, 9018} {
		pkt := make([]byte, n)
		for i := range pkt {
			pkt[i] = byte(n + i)
		}

		want = append(want, pkt)
	}

	for _, pkt := range want {
		if err := da.SubmitFrame(pkt); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.SubmitFrame([]byte("pong")); err != nil {
		t.Fatal(err)
	}

	got := bs.wait(t, len(want))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("b received (-want +got):\n%s", diff)
	}

	if got := as.wait(t, 1); !bytes.Equal(got[0], []byte("pong")) {
		t.Errorf("a received %q", got[0])
	}

	var total uint64
	for _, pkt := range want {
		total += uint64(len(pkt))
	}

	st := db.Stats()
	if st.RxPackets != 4 || st.RxBytes != total || st.RxErrors != 0 {
		t.Errorf("b rx stats %+v", st)
	}
}

func TestTxTimeout(t *testing.T) {
	a, b, err := ivc.NewPair(ringConfig)
	if err != nil {
		t.Fatal(err)
	}

	if err := ivc.Establish(a, b); err != nil {
		t.Fatal(err)
	}

	d, err := vnet.New(a, vnet.Config{MaxTxDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	run(t, d)

	// b never reads, so the ring fills partway through the packet
	if err := d.SubmitFrame(make([]byte, 9000)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.Stats().TxDropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet was not dropped")
		}

		time.Sleep(time.Millisecond)
	}

	if n := d.Stats().TxPackets; n != 0 {
		t.Errorf("sent %d packets", n)
	}

	if n := a.TxFramesAvailable(); n != 0 {
		t.Errorf("a tx frames %d != 0", n)
	}
}

func TestTxAfterTimeout(t *testing.T) {
	a, b, err := ivc.NewPair(ringConfig)
	if err != nil {
		t.Fatal(err)
	}

	if err := ivc.Establish(a, b); err != nil {
		t.Fatal(err)
	}

	da, err := vnet.New(a, vnet.Config{MaxTxDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	run(t, da)

	// larger than the ring, and b isn't reading yet
	if err := da.SubmitFrame(make([]byte, 9000)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for da.Stats().TxDropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet was not dropped")
		}

		time.Sleep(time.Millisecond)
	}

	bs := newSink()

	db, err := vnet.New(b, vnet.Config{OnFrame: bs.onFrame})
	if err != nil {
		t.Fatal(err)
	}

	run(t, db)

	want := []byte("after the timeout")
	if err := da.SubmitFrame(want); err != nil {
		t.Fatal(err)
	}

	got := bs.wait(t, 1)
	if diff := cmp.Diff([][]byte{want}, got); diff != "" {
		t.Errorf("b received (-want +got):\n%s", diff)
	}

	if st := da.Stats(); st.TxPackets != 1 || st.TxDropped != 1 {
		t.Errorf("a tx stats %+v", st)
	}

	// only the packet that was cut short is lost
	if st := db.Stats(); st.RxPackets != 1 || st.RxErrors != 1 {
		t.Errorf("b rx stats %+v", st)
	}
}

func TestTxWaitsForRoom(t *testing.T) {
	a, b, err := ivc.NewPair(ringConfig)
	if err != nil {
		t.Fatal(err)
	}

	if err := ivc.Establish(a, b); err != nil {
		t.Fatal(err)
	}

	// leave two free frames
	for i := 0; i < ringConfig.NumFrames-2; i++ {
		if _, err := a.Write([]byte("filler")); err != nil {
			t.Fatal(err)
		}
	}

	d, err := vnet.New(a, vnet.Config{MaxTxDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	run(t, d)

	// three fragments don't fit, so none are written
	if err := d.SubmitFrame(make([]byte, 600)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.Stats().TxDropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet was not dropped")
		}

		time.Sleep(time.Millisecond)
	}

	if n := a.TxFramesAvailable(); n != 2 {
		t.Errorf("a tx frames %d != 2", n)
	}

	// two fragments do
	if err := d.SubmitFrame(make([]byte, 480)); err != nil {
		t.Fatal(err)
	}

	for d.Stats().TxPackets == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet was not sent")
		}

		time.Sleep(time.Millisecond)
	}

	if n := a.TxFramesAvailable(); n != 0 {
		t.Errorf("a tx frames %d != 0", n)
	}
}
