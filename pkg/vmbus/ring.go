package vmbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hyperv-go/vmbus/pkg/hvwire"
)

// ring is a lock-free single-producer/single-consumer ring buffer view over
// a slice of shared memory: hvwire.RingHeaderSize bytes of header followed
// by a power-of-two-sized data area. Index fields are read and written with
// sync/atomic so the two sides never need a lock to coordinate; the mutex
// here only serialises this guest process's own writers (or readers)
// against each other — spec.md's "TX spinlock"/"RX spinlock" leaves.
type ring struct {
	mu   sync.Mutex
	buf  []byte // header + data
	data []byte // buf[hvwire.RingHeaderSize:]
}

func newRing(buf []byte) (*ring, error) {
	if len(buf) <= hvwire.RingHeaderSize {
		return nil, fmt.Errorf("%w: ring buffer is %d bytes, need more than the %d-byte header", ErrBadArgument, len(buf), hvwire.RingHeaderSize)
	}

	data := buf[hvwire.RingHeaderSize:]
	if len(data)&(len(data)-1) != 0 {
		return nil, fmt.Errorf("%w: ring data area is %d bytes, must be a power of two", ErrBadArgument, len(data))
	}

	return &ring{buf: buf, data: data}, nil
}

func (r *ring) writeIndexPtr() *uint32    { return (*uint32)(unsafe.Pointer(&r.buf[0])) }
func (r *ring) readIndexPtr() *uint32     { return (*uint32)(unsafe.Pointer(&r.buf[4])) }
func (r *ring) interruptMaskPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.buf[8])) }

func (r *ring) writeIndex() uint32      { return atomic.LoadUint32(r.writeIndexPtr()) }
func (r *ring) readIndex() uint32       { return atomic.LoadUint32(r.readIndexPtr()) }
func (r *ring) interruptMask() uint32   { return atomic.LoadUint32(r.interruptMaskPtr()) }
func (r *ring) setWriteIndex(v uint32)  { atomic.StoreUint32(r.writeIndexPtr(), v) }
func (r *ring) setReadIndex(v uint32)   { atomic.StoreUint32(r.readIndexPtr(), v) }

// distance is the number of bytes from a forward to b around a ring of
// ringLen bytes, counting a whole ring when a == b. From the write index to
// the read index that is the free space; the unread data is the rest of the
// ring.
func distance(ringLen, a, b uint32) uint32 {
	if a >= b {
		return ringLen - (a - b)
	}

	return b - a
}

// freeSpace is how many bytes may still be written to the TX ring before
// the writer catches up with the reader.
func freeSpace(ringLen, writeIdx, readIdx uint32) uint32 {
	return distance(ringLen, writeIdx, readIdx)
}

// dataAvailable is how many unread bytes are waiting in the RX ring.
func dataAvailable(ringLen, writeIdx, readIdx uint32) uint32 {
	return ringLen - freeSpace(ringLen, writeIdx, readIdx)
}

// ringPair bundles a channel's TX and RX rings, both views into the same
// GPADL-backed allocation (spec.md 4.E "Open channel").
type ringPair struct {
	tx *ring
	rx *ring
}

// writePacket implements spec.md 4.E's "TX packet write" procedure.
// signalFn is called if the write transitions the ring from empty to
// non-empty and the host has not masked interrupts; it is the channel's
// signalChannel call, kept out of this package-agnostic ring code by
// injection so ring.go has no dependency on the connector/correlator.
func (r *ring) writePacket(packetType uint32, payload []byte, responseRequired bool, transactionID uint64, signalFn func()) error {
	header := hvwire.PacketHeader{
		Type:          packetType,
		TransactionID: transactionID,
	}

	if responseRequired {
		header.Flags |= hvwire.PacketFlagResponseRequired
	}

	padLen := (8 - (len(payload) % 8)) % 8
	totalLen := hvwire.RingPacketHeaderSize + len(payload) + padLen + hvwire.TrailerSize

	header.HeaderLength = hvwire.RingPacketHeaderSize / 8
	header.TotalLength = uint32(hvwire.RingPacketHeaderSize+len(payload)+padLen) / 8

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.writeIndex()
	readIdx := r.readIndex()
	ringLen := uint32(len(r.data))

	avail := freeSpace(ringLen, w, readIdx)
	if uint32(totalLen) > avail {
		return ErrNotReady
	}

	headerBytes, err := encodeRingPacketHeader(header)
	if err != nil {
		return err
	}

	cur := w

	cur = r.write(cur, headerBytes)
	cur = r.write(cur, payload)

	if padLen > 0 {
		cur = r.write(cur, make([]byte, padLen))
	}

	trailer := make([]byte, hvwire.TrailerSize)
	putUint64LE(trailer, uint64(w)<<32)
	cur = r.write(cur, trailer)

	// Memory write barrier: the trailer and payload must be visible
	// before the new write_index is. atomic.StoreUint32 below is a
	// release store on every architecture Go supports.
	r.setWriteIndex(cur)

	wasEmpty := w == readIdx

	if wasEmpty && r.interruptMask() == 0 && signalFn != nil {
		atomic.AddUint32(r.guestToHostInterruptCountPtr(), 1)
		signalFn()
	}

	return nil
}

func (r *ring) guestToHostInterruptCountPtr() *uint32 {
	offset := hvwire.RingHeaderSize - 4

	return (*uint32)(unsafe.Pointer(&r.buf[offset]))
}

// write copies b into the data area starting at offset idx (modulo the
// ring's length, wrapping as necessary) and returns the new offset.
func (r *ring) write(idx uint32, b []byte) uint32 {
	ringLen := uint32(len(r.data))

	for _, by := range b {
		r.data[idx%ringLen] = by
		idx++
	}

	return idx % ringLen
}

func (r *ring) readAt(idx uint32, n int) []byte {
	ringLen := uint32(len(r.data))
	out := make([]byte, n)

	for i := 0; i < n; i++ {
		out[i] = r.data[(idx+uint32(i))%ringLen]
	}

	return out
}

// peek implements spec.md 4.E's peek: it reports not-ready unless at least
// n+8 bytes (the trailer) are available to read.
func (r *ring) peek(n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.writeIndex()
	readIdx := r.readIndex()
	ringLen := uint32(len(r.data))

	avail := dataAvailable(ringLen, w, readIdx)
	if avail < uint32(n+hvwire.TrailerSize) {
		return nil, ErrNotReady
	}

	return r.readAt(readIdx, n), nil
}

// readPacket implements spec.md 4.E's "RX packet read" procedure. It
// returns the decoded header, the packet payload (header_length through
// total_length, i.e. excluding any caller-invisible header extension), and
// publishes the new read_index. ErrNoMemory is returned, with no index
// change, if payload does not fit dataBuf.
func (r *ring) readPacket(dataBuf []byte) (hvwire.PacketHeader, int, error) {
	headerBytes, err := r.peek(hvwire.RingPacketHeaderSize)
	if err != nil {
		return hvwire.PacketHeader{}, 0, err
	}

	header, err := decodeRingPacketHeader(headerBytes)
	if err != nil {
		return hvwire.PacketHeader{}, 0, err
	}

	headerLen := header.HeaderLength * 8
	totalLen := header.TotalLength * 8

	if headerLen < hvwire.RingPacketHeaderSize || totalLen < headerLen {
		return hvwire.PacketHeader{}, 0, fmt.Errorf("%w: packet header_length=%d total_length=%d", ErrIO, headerLen, totalLen)
	}

	dataLen := int(totalLen - headerLen)
	if dataLen > len(dataBuf) {
		return header, dataLen, ErrNoMemory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.writeIndex()
	readIdx := r.readIndex()
	ringLen := uint32(len(r.data))

	avail := dataAvailable(ringLen, w, readIdx)
	if avail < totalLen+hvwire.TrailerSize {
		return header, dataLen, ErrNotReady
	}

	pos := (readIdx + headerLen) % ringLen
	copy(dataBuf[:dataLen], r.readAt(pos, dataLen))

	newIdx := (readIdx + totalLen + hvwire.TrailerSize) % ringLen
	r.setReadIndex(newIdx)

	return header, dataLen, nil
}

func encodeRingPacketHeader(h hvwire.PacketHeader) ([]byte, error) {
	b := make([]byte, hvwire.RingPacketHeaderSize)
	putUint32LE(b[0:4], h.Type)
	putUint32LE(b[4:8], h.HeaderLength)
	putUint32LE(b[8:12], h.TotalLength)
	putUint32LE(b[12:16], h.Flags)
	putUint64LE(b[16:24], h.TransactionID)

	return b, nil
}

func decodeRingPacketHeader(b []byte) (hvwire.PacketHeader, error) {
	if len(b) < hvwire.RingPacketHeaderSize {
		return hvwire.PacketHeader{}, fmt.Errorf("%w: ring packet header", hvwire.ErrShortMessage)
	}

	return hvwire.PacketHeader{
		Type:          getUint32LE(b[0:4]),
		HeaderLength:  getUint32LE(b[4:8]),
		TotalLength:   getUint32LE(b[8:12]),
		Flags:         getUint32LE(b[12:16]),
		TransactionID: getUint64LE(b[16:24]),
	}, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}
