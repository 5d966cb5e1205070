package shmif

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("shmif")

// ErrPoolTooSmall indicates a SHM pool was mapped with fewer bytes than the
// negotiated queue geometry requires.
var ErrPoolTooSmall = errors.New("shmif: shm pool smaller than required size")

// SHMPool is a contiguous, file-backed shared memory region carved
// sequentially into slot arrays as queues are created from it. It is
// created by the listener and mapped (via fd-passing) by the connecter,
// exactly mirroring SimbricksBaseIfSHMPool.
type SHMPool struct {
	Path string
	fd   int
	Base []byte
	pos  int
}

// Size returns the required pool size in bytes for the given queue geometry
// on both directions, mirroring SimbricksBaseIfSHMSize.
func Size(inNumEntries, inEntrySize, outNumEntries, outEntrySize int) int {
	return inNumEntries*inEntrySize + outNumEntries*outEntrySize
}

// CreatePool creates, truncates, zero-fills and maps a new SHM-backed file
// at path with the given size. Called by the listening side of a
// connection.
func CreatePool(path string, size int) (*SHMPool, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmif: open pool file %q: %w", path, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmif: truncate pool file %q to %d: %w", path, size, err)
	}

	base, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmif: mmap pool file %q: %w", path, err)
	}

	for i := range base {
		base[i] = 0
	}

	return &SHMPool{Path: path, fd: fd, Base: base}, nil
}

// MapFd maps an already-created pool whose fd was received via SCM_RIGHTS.
func MapFd(fd int, size int) (*SHMPool, error) {
	base, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmif: mmap received pool fd: %w", err)
	}

	return &SHMPool{fd: fd, Base: base}, nil
}

// Carve returns a byte-slice view of the next n bytes of the pool,
// advancing the internal allocation position. Queues are carved
// sequentially: the listener always carves its incoming slot array first,
// then its outgoing one, and both peers must agree on that order.
func (p *SHMPool) Carve(n int) ([]byte, error) {
	if p.pos+n > len(p.Base) {
		return nil, ErrPoolTooSmall
	}

	view := p.Base[p.pos : p.pos+n]
	p.pos += n

	return view, nil
}

// Unmap unmaps the pool without unlinking the backing file.
func (p *SHMPool) Unmap() error {
	if p.Base == nil {
		return nil
	}

	err := unix.Munmap(p.Base)
	p.Base = nil

	return err
}

// Unlink removes the backing file from the filesystem without unmapping it.
func (p *SHMPool) Unlink() error {
	if p.Path == "" {
		return nil
	}

	return unix.Unlink(p.Path)
}

// FD returns the pool's backing file descriptor, used for SCM_RIGHTS
// passing during the listener's intro send.
func (p *SHMPool) FD() int { return p.fd }
