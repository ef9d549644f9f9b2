package ivc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SharedMemory is a region mapped MAP_SHARED from a file, suitable for carrying
// both queues of a channel between processes or partitions.
type SharedMemory struct {
	f   *os.File
	mem []byte
}

var (
	ErrCreateMemory = errors.New("ivc: create shared memory")
	ErrMapMemory    = errors.New("ivc: map shared memory")
)

// CreateSharedMemory returns a new anonymous memfd-backed region of size bytes.
// The region can be passed to another process via File.
func CreateSharedMemory(name string, size int) (*SharedMemory, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %w", ErrCreateMemory, err)
	}

	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrCreateMemory, err)
	}

	return mapShared(f, size)
}

// OpenSharedMemory maps size bytes of the file at path, creating and sizing it
// if create is set. An ivshmem BAR or a file under /dev/shm both work.
func OpenSharedMemory(path string, size int, create bool) (*SharedMemory, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateMemory, err)
	}

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %w", ErrCreateMemory, err)
		}
	}

	return mapShared(f, size)
}

func mapShared(f *os.File, size int) (*SharedMemory, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapMemory, err)
	}

	return &SharedMemory{f: f, mem: mem}, nil
}

// Bytes returns the mapped region.
func (m *SharedMemory) Bytes() []byte {
	return m.mem
}

// File returns the file backing the region.
func (m *SharedMemory) File() *os.File {
	return m.f
}

// Close unmaps the region and closes its file. Channels using the region must
// not be used afterward.
func (m *SharedMemory) Close() error {
	return errors.Join(unix.Munmap(m.mem), m.f.Close())
}
