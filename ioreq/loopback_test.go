package ioreq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c35s/hvio/ioreq"
)

func newLoopback(t *testing.T, numVCPU int) (*ioreq.Loopback, *ioreq.Broker) {
	t.Helper()

	lb := ioreq.NewLoopback()
	lb.Timeout = 100 * time.Millisecond

	b := ioreq.NewBroker(lb, ioreq.Config{})
	lb.SetUpcall(b.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go b.Run(ctx)

	if err := b.CreateVM(1, numVCPU); err != nil {
		t.Fatal(err)
	}

	if err := b.SetIOReqBuffer(1, make([]byte, ioreq.BufferSize(numVCPU))); err != nil {
		t.Fatal(err)
	}

	return lb, b
}

func TestLoopback(t *testing.T) {
	lb, b := newLoopback(t, 2)

	var (
		mu   sync.Mutex
		regs = make(map[uint64]uint64)
	)

	id, err := b.CreateClient(1, "regs", func(req *ioreq.Request) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()

		if req.Addr == 0x10f0 {
			return 0, errors.New("boom")
		}

		if req.Dir == ioreq.Write {
			regs[req.Addr] = req.Value
			return 0, nil
		}

		return regs[req.Addr], nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := b.AddRange(id, ioreq.Range{Type: ioreq.MMIO, Start: 0x1000, End: 0x10ff}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		_, err := lb.Access(ctx, 1, 0, ioreq.Request{Type: ioreq.MMIO, Dir: ioreq.Write, Addr: 0x1008, Size: 4, Value: 42})
		if err != nil {
			t.Fatal(err)
		}

		v, err := lb.Access(ctx, 1, 1, ioreq.Request{Type: ioreq.MMIO, Dir: ioreq.Read, Addr: 0x1008, Size: 4})
		if err != nil {
			t.Fatal(err)
		}

		if v != 42 {
			t.Errorf("value %d != 42", v)
		}
	})

	t.Run("handler error reads as zero", func(t *testing.T) {
		v, err := lb.Access(ctx, 1, 0, ioreq.Request{Type: ioreq.MMIO, Dir: ioreq.Read, Addr: 0x10f0, Size: 4})
		if !errors.Is(err, ioreq.ErrFailed) {
			t.Errorf("err=%v", err)
		}

		if v != 0 {
			t.Errorf("value %d != 0", v)
		}
	})

	t.Run("unclaimed reads as zero", func(t *testing.T) {
		v, err := lb.Access(ctx, 1, 0, ioreq.Request{Type: ioreq.MMIO, Dir: ioreq.Read, Addr: 0x2000, Size: 4})
		if !errors.Is(err, ioreq.ErrFailed) {
			t.Errorf("err=%v", err)
		}

		if v != 0 {
			t.Errorf("value %d != 0", v)
		}
	})

	t.Run("concurrent vcpus", func(t *testing.T) {
		var wg sync.WaitGroup
		for vcpu := 0; vcpu < 2; vcpu++ {
			wg.Add(1)
			go func(vcpu int) {
				defer wg.Done()

				for i := 0; i < 50; i++ {
					addr := uint64(0x1000 + 8*vcpu)
					if _, err := lb.Access(ctx, 1, vcpu, ioreq.Request{Type: ioreq.MMIO, Dir: ioreq.Write, Addr: addr, Size: 8, Value: uint64(i)}); err != nil {
						t.Error(err)
						return
					}
				}
			}(vcpu)
		}

		wg.Wait()
	})
}

func TestLoopbackTimeout(t *testing.T) {
	lb, b := newLoopback(t, 1)

	id, err := b.CreateFallbackClient(1, "dm")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	req := ioreq.Request{Type: ioreq.PortIO, Dir: ioreq.Read, Addr: 0x60, Size: 1}

	v, err := lb.Access(ctx, 1, 0, req)
	if !errors.Is(err, ioreq.ErrTimeout) {
		t.Errorf("err=%v", err)
	}

	if v != 0 {
		t.Errorf("value %d != 0", v)
	}

	if _, err := lb.Access(ctx, 1, 0, req); !errors.Is(err, ioreq.ErrBusy) {
		t.Errorf("busy vcpu: err=%v", err)
	}

	// the late completion frees the vcpu for the next access
	if err := b.CompleteRequest(id, 0, 0x1c); err != nil {
		t.Fatal(err)
	}

	go func() {
		if err := b.Attach(ctx, id); err == nil {
			b.CompleteRequest(id, 0, 0x1d)
		}
	}()

	v, err = lb.Access(ctx, 1, 0, req)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x1d {
		t.Errorf("value %#x != 0x1d", v)
	}
}

func TestLoopbackConcurrentVCPUs(t *testing.T) {
	const numVCPU = 4

	lb, b := newLoopback(t, numVCPU)

	var regs [numVCPU]uint64

	id, err := b.CreateClient(1, "regs", func(req *ioreq.Request) (uint64, error) {
		// one register per vcpu; the handler runs on a single goroutine
		if req.Dir == ioreq.Write {
			regs[req.VCPU] = req.Value
			return 0, nil
		}

		return regs[req.VCPU], nil
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := b.AddRange(id, ioreq.Range{Type: ioreq.PortIO, Start: 0x100, End: 0x1ff}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// extra passes race with vcpus filling and freeing their slots
	go func() {
		for ctx.Err() == nil {
			b.Distribute()
			time.Sleep(10 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for vcpu := 0; vcpu < numVCPU; vcpu++ {
		wg.Add(1)
		go func(vcpu int) {
			defer wg.Done()

			addr := uint64(0x100 + 4*vcpu)
			for i := 0; i < 100; i++ {
				want := uint64(vcpu<<16 | i)

				if _, err := lb.Access(ctx, 1, vcpu, ioreq.Request{Type: ioreq.PortIO, Dir: ioreq.Write, Addr: addr, Size: 4, Value: want}); err != nil {
					t.Error(err)
					return
				}

				v, err := lb.Access(ctx, 1, vcpu, ioreq.Request{Type: ioreq.PortIO, Dir: ioreq.Read, Addr: addr, Size: 4})
				if err != nil {
					t.Error(err)
					return
				}

				if v != want {
					t.Errorf("vcpu %d: value %#x != %#x", vcpu, v, want)
					return
				}
			}
		}(vcpu)
	}

	wg.Wait()
}

func TestLoopbackSetBuffer(t *testing.T) {
	lb := ioreq.NewLoopback()
	lb.Timeout = time.Millisecond

	if err := lb.CreateVM(1, 1); err != nil {
		t.Fatal(err)
	}

	go lb.SetIOReqBuffer(1, make([]byte, ioreq.BufferSize(1)))

	// nothing answers, so once the buffer is set the access times out
	req := ioreq.Request{Type: ioreq.PortIO, Dir: ioreq.Read, Addr: 0x60, Size: 1}
	deadline := time.Now().Add(5 * time.Second)

	for {
		_, err := lb.Access(context.Background(), 1, 0, req)
		if errors.Is(err, ioreq.ErrTimeout) {
			break
		}

		if !errors.Is(err, ioreq.ErrBuffer) {
			t.Fatalf("err=%v", err)
		}

		if time.Now().After(deadline) {
			t.Fatal("buffer never set")
		}
	}
}

func TestLoopbackIRQ(t *testing.T) {
	lb, b := newLoopback(t, 1)

	if err := b.AssertIRQ(1, 4); err != nil {
		t.Fatal(err)
	}

	if err := b.PulseIRQ(1, 4); err != nil {
		t.Fatal(err)
	}

	if s := lb.IRQ(1, 4); !s.Asserted || s.Pulses != 1 {
		t.Errorf("irq %+v", s)
	}

	if err := b.DeassertIRQ(1, 4); err != nil {
		t.Fatal(err)
	}

	if s := lb.IRQ(1, 4); s.Asserted {
		t.Errorf("irq %+v", s)
	}

	if err := b.PulseIRQ(2, 4); !errors.Is(err, ioreq.ErrNoVM) {
		t.Errorf("err=%v", err)
	}
}
