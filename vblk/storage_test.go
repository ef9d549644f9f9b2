package vblk_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/hvio/vblk"
)

func TestHTTPStorage(t *testing.T) {
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 251)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "disk.img", time.Time{}, bytes.NewReader(content))
	}))

	defer ts.Close()

	hs := &vblk.HTTPStorage{URL: ts.URL}

	sz, err := hs.Size()
	if err != nil {
		t.Fatal(err)
	}

	if sz != 4096 {
		t.Errorf("size %d != 4096", sz)
	}

	p := make([]byte, 512)
	n, err := hs.ReadAt(p, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if n != 512 {
		t.Errorf("n %d != 512", n)
	}

	if !bytes.Equal(p, content[1024:1536]) {
		t.Error("range read mismatch")
	}

	t.Run("served read-only", func(t *testing.T) {
		dev := newServed(t, &vblk.Server{Storage: hs}, fastConfig)

		if !dev.Info().ReadOnly {
			t.Error("http storage is writable")
		}

		got := make([]byte, 4096)
		if _, err := dev.ReadAt(got, 0); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(got, content) {
			t.Error("device read mismatch")
		}
	})
}

func TestFileStorage(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	if err := f.Truncate(16 * 512); err != nil {
		t.Fatal(err)
	}

	dev := newServed(t, &vblk.Server{Storage: &vblk.FileStorage{File: f}}, fastConfig)

	want := bytes.Repeat([]byte("hvio"), 3*512/4)
	if _, err := dev.WriteAt(want, 2*512); err != nil {
		t.Fatal(err)
	}

	if err := dev.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if _, err := f.ReadAt(got, 2*512); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Error("file does not hold the written data")
	}
}

func TestOpenStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{path, "file://" + path} {
		storage, err := vblk.OpenStorage(s, true)
		if err != nil {
			t.Fatal(err)
		}

		fs, ok := storage.(*vblk.FileStorage)
		if !ok {
			t.Fatalf("%s: storage is %T", s, storage)
		}

		if _, err := fs.WriteAt([]byte{1}, 0); err == nil {
			t.Errorf("%s: wrote to a read-only file", s)
		}

		if err := fs.Close(); err != nil {
			t.Error(err)
		}
	}

	storage, err := vblk.OpenStorage("https://example.com/disk.img", false)
	if err != nil {
		t.Fatal(err)
	}

	if hs, ok := storage.(*vblk.HTTPStorage); !ok || hs.URL != "https://example.com/disk.img" {
		t.Errorf("storage %#v", storage)
	}

	if _, err := vblk.OpenStorage("ftp://example.com/disk.img", false); err == nil {
		t.Error("opened an ftp url")
	}

	if _, err := vblk.OpenStorage(filepath.Join(t.TempDir(), "missing"), false); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err %v != os.ErrNotExist", err)
	}
}
