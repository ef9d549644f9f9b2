package ivc_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/hvio/ivc"
)

func TestSharedMemory(t *testing.T) {
	size := ivc.RegionSize(smallConfig.NumFrames, smallConfig.FrameSize)

	t.Run("memfd", func(t *testing.T) {
		mem, err := ivc.CreateSharedMemory("ivc-test", size)
		if err != nil {
			t.Fatal(err)
		}

		defer mem.Close()

		if n := len(mem.Bytes()); n != size {
			t.Errorf("len %d != %d", n, size)
		}

		if _, err := ivc.Attach(mem.Bytes(), ivc.EndpointA, smallConfig); err != nil {
			t.Error(err)
		}
	})

	t.Run("file mapped twice", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shm")

		m1, err := ivc.OpenSharedMemory(path, size, true)
		if err != nil {
			t.Fatal(err)
		}

		defer m1.Close()

		m2, err := ivc.OpenSharedMemory(path, size, false)
		if err != nil {
			t.Fatal(err)
		}

		defer m2.Close()

		a, err := ivc.Attach(m1.Bytes(), ivc.EndpointA, smallConfig)
		if err != nil {
			t.Fatal(err)
		}

		b, err := ivc.Attach(m2.Bytes(), ivc.EndpointB, smallConfig)
		if err != nil {
			t.Fatal(err)
		}

		if err := ivc.Establish(a, b); err != nil {
			t.Fatal(err)
		}

		if _, err := a.Write([]byte("across mappings")); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, smallConfig.FrameSize)
		n, err := b.Read(buf)
		if err != nil {
			t.Fatal(err)
		}

		if got := string(buf[:len("across mappings")]); got != "across mappings" || n != smallConfig.FrameSize {
			t.Errorf("read %q (%d bytes)", got, n)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ivc.OpenSharedMemory(filepath.Join(t.TempDir(), "missing"), size, false)
		if !errors.Is(err, ivc.ErrCreateMemory) {
			t.Errorf("err %v != ErrCreateMemory", err)
		}
	})
}

func TestDoorbell(t *testing.T) {
	eventfd := func(t *testing.T) (ring, recv *ivc.Doorbell) {
		d, err := ivc.NewEventfdDoorbell()
		if err != nil {
			t.Fatal(err)
		}

		return d, d
	}

	conn := func(t *testing.T) (ring, recv *ivc.Doorbell) {
		c1, c2 := net.Pipe()
		return ivc.NewConnDoorbell(c1), ivc.NewConnDoorbell(c2)
	}

	for name, newBell := range map[string]func(*testing.T) (ring, recv *ivc.Doorbell){
		"eventfd": eventfd,
		"conn":    conn,
	} {
		t.Run(name, func(t *testing.T) {
			ring, recv := newBell(t)
			defer ring.Close()

			ch, _, err := ivc.NewPair(smallConfig)
			if err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)

			go func() { done <- recv.Forward(ctx, ch) }()

			if err := ring.Ring(); err != nil {
				t.Fatal(err)
			}

			select {
			case <-ch.Events():
			case <-time.After(5 * time.Second):
				t.Fatal("ring not forwarded")
			}

			cancel()

			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Errorf("forward: %v", err)
			}
		})
	}
}
