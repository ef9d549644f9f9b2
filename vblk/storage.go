package vblk

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

// BlockStorage is the basic interface to a server's backing storage. It is
// read-only: to enable writes, storage types should also implement io.WriterAt.
// Storage implementing Syncer is synced on flush.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// Syncer is implemented by storage that can commit writes to stable media.
type Syncer interface {
	Sync() error
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string

	// Client is used for requests. The default is http.DefaultClient.
	Client *http.Client
}

// OpenStorage returns storage for a file path, file URL, or HTTP URL. Files
// are opened read-write unless readOnly is set; HTTP storage is always
// read-only. The caller closes storage implementing io.Closer.
func OpenStorage(s string, readOnly bool) (storage BlockStorage, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("vblk: open storage %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		mode := os.O_RDWR
		if readOnly {
			mode = os.O_RDONLY
		}

		f, err := os.OpenFile(u.Path, mode, 0)
		if err != nil {
			return nil, err
		}

		return &FileStorage{File: f}, nil

	case "http", "https":
		return &HTTPStorage{URL: u.String()}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	n = copy(p, ms.Bytes[off:])
	if n < len(p) {
		err = io.EOF
	}

	return
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	n = copy(ms.Bytes[off:], p)
	if n < len(p) {
		err = io.ErrShortWrite
	}

	return
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Sync commits the backing file.
func (fs *FileStorage) Sync() error {
	return fs.File.Sync()
}

// Close closes the backing file.
func (fs *FileStorage) Close() error {
	return fs.File.Close()
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := hs.client().Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block storage http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	req, err := http.NewRequest(http.MethodHead, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	res, err := hs.client().Do(req)
	if err != nil {
		return 0, err
	}

	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block storage http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}

func (hs *HTTPStorage) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}

	return http.DefaultClient
}
