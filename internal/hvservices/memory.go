package hvservices

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

const pageSize = 4096

// mmapAllocator backs PhysicalBuffer with a locked, anonymous mmap
// allocation and resolves its physical frame numbers by reading
// /proc/self/pagemap, the standard userspace route to a page's PFN.
type mmapAllocator struct {
	pagemap *os.File
	mu      sync.Mutex
}

// NewAllocator returns an Allocator that mmaps locked anonymous pages and
// resolves their physical frames via /proc/self/pagemap. The pages are
// locked (mlock) so the kernel never migrates or swaps out memory the host
// has been told the physical address of.
func NewAllocator() (Allocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("hvservices: opening /proc/self/pagemap: %w", err)
	}

	return &mmapAllocator{pagemap: f}, nil
}

type mmapBuffer struct {
	data []byte
	pfn  uint64
}

func (b *mmapBuffer) Bytes() []byte { return b.data }
func (b *mmapBuffer) PFN() uint64   { return b.pfn }

func (b *mmapBuffer) Free() {
	_ = unix.Munlock(b.data)
	_ = unix.Munmap(b.data)
}

// Allocate maps pages*4096 bytes, faults every page in so its backing
// frames exist before the PFN lookup, and confirms the mapping is
// contiguous in physical memory — the guarantee every caller in this core
// depends on.
func (a *mmapAllocator) Allocate(pages int) (PhysicalBuffer, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("hvservices: allocate requires pages > 0, got %d", pages)
	}

	length := pages * pageSize

	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hvservices: mmap %d bytes: %w", length, err)
	}

	for i := 0; i < length; i += pageSize {
		data[i] = 0
	}

	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)

		return nil, fmt.Errorf("hvservices: mlock %d bytes: %w", length, err)
	}

	basePFN, err := a.pfnOf(data)
	if err != nil {
		_ = unix.Munlock(data)
		_ = unix.Munmap(data)

		return nil, err
	}

	for i := 1; i < pages; i++ {
		pfn, err := a.pfnOf(data[i*pageSize:])
		if err != nil {
			_ = unix.Munlock(data)
			_ = unix.Munmap(data)

			return nil, err
		}

		if pfn != basePFN+uint64(i) {
			_ = unix.Munlock(data)
			_ = unix.Munmap(data)

			return nil, fmt.Errorf("hvservices: allocation of %d pages was not physically contiguous at page %d", pages, i)
		}
	}

	return &mmapBuffer{data: data, pfn: basePFN}, nil
}

// pagemapEntrySize is the width of each /proc/self/pagemap entry.
const pagemapEntrySize = 8

// pagemapPFNMask extracts bits 0-54 of a pagemap entry, the frame number.
const pagemapPFNMask = (uint64(1) << 55) - 1

func (a *mmapAllocator) pfnOf(page []byte) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	vaddr := uintptrOf(page)
	offset := int64((vaddr / pageSize) * pagemapEntrySize)

	var entry [pagemapEntrySize]byte
	if _, err := a.pagemap.ReadAt(entry[:], offset); err != nil {
		return 0, fmt.Errorf("hvservices: reading pagemap at offset %d: %w", offset, err)
	}

	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&(uint64(1)<<63) == 0 {
		return 0, fmt.Errorf("hvservices: page at %#x is not present", vaddr)
	}

	return raw & pagemapPFNMask, nil
}
