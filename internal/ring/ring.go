// Package ring implements the lock-free SPSC ring buffer with per-slot
// refcounted read views described in spec §3/§4.1. It is storage-agnostic:
// callers hand it a []byte, which may back a plain in-process slice (as the
// tests do) or a memory-mapped
// shared-memory region (wired by internal/transport/shm once two cells
// negotiate the upgrade).
//
// Grounded on the teacher's cgo ring reader (modules/pdump/controlplane/ring.go
// — atomic write/read cursor pairs, alignment-to-boundary, wrap handling) and
// the pack's raw mmap ring samples (other_examples' shared_memory.go,
// AlephTX's shm/seqlock.go), reworked into the header+refcount+generation
// scheme spec.md §3/§4.1 specifies instead of those teachers' simpler
// length-prefixed or seqlock framing.
package ring

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/Leif-Rydenfalk/cell/internal/xerror"
)

func errInvalidCapacity(capacity uint64) error {
	return fmt.Errorf("ring: capacity %d is not a non-zero power of two", capacity)
}

func errBadBufferSize(got int, want uint64) error {
	return fmt.Errorf("ring: buffer size %d does not match expected %d (control block + capacity)", got, want)
}

func errMessageTooLarge(size int, capacity uint64) error {
	return fmt.Errorf("ring: message of %d bytes (plus header) exceeds ring capacity %d", size, capacity)
}

type errGenerationMismatch struct{}

func (errGenerationMismatch) Error() string {
	return "ring: slot generation changed while acquiring read view (recycled by writer)"
}

const (
	// headerSize is the fixed, cache-line aligned per-slot header (spec §3):
	// refcount u32 + len u32 + slotSpan u32 (+4 unused) + generation u64,
	// padded to 64 bytes.
	headerSize = 64
	// ctrlBlockSize holds write_pos and read_pos on separate cache lines to
	// avoid false sharing between the producer and consumer cursors; spec §3
	// only requires "cache-line aligned", this is a refinement within that.
	ctrlBlockSize = 128

	// paddingSentinel marks a wrap-point gap in the data region (spec §3's
	// "padding sentinel"). It is chosen as a value no legitimate refcount
	// (bounded by outstanding read views, realistically tiny) will ever
	// reach, so it can be safely distinguished from a real slot header's
	// leading refcount field without a dedicated tag byte.
	paddingSentinel uint32 = math.MaxUint32

	// abortedSentinel marks a slot whose writer reserved space and then
	// gave up on it via WriteSlot.Abort instead of Commit (spec §5: "cancels
	// any pending ring reservation on abort"). It is chosen out of the range
	// any real storedLen (actualLen+1, bounded by the ring's own capacity)
	// can reach, so TryRead and reclaim can tell an abandoned reservation
	// apart from a published message using the same storedLen field.
	abortedSentinel uint32 = math.MaxUint32
)

func align16(n int) int {
	return (n + 15) &^ 15
}

// Ring is a single-producer/single-consumer lock-free ring buffer over a
// caller-provided byte buffer of length ctrlBlockSize+capacity.
type Ring struct {
	buf      []byte
	data     []byte // buf[ctrlBlockSize:], length == capacity
	capacity uint64

	// nextRead is the reader's private "next slot to try" cursor. It is
	// distinct from the shared read_pos in the control block: read_pos only
	// advances when a head slot's refcount returns to zero (reclamation),
	// while nextRead advances on every successful TryRead so a reader may
	// hold several outstanding, non-head ReadViews at once (spec §3
	// "Reclamation" implies exactly this: "non-head drops simply decrement
	// refcount"). It never needs cross-process visibility, so it is not part
	// of the shared control block spec §3 lays out.
	nextRead uint64
}

// ErrFull is returned by TryAlloc when there is insufficient free space; it is
// not an error in the xerror sense on its own — callers wrap it into a
// Resource-kind *xerror.Error with the relevant phase.
var ErrFull = errFull{}

type errFull struct{}

func (errFull) Error() string { return "ring: insufficient space" }

// New wraps buf as a Ring. capacity must be a power of two and
// len(buf) must equal ctrlBlockSize+capacity.
func New(buf []byte, capacity uint64) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, xerror.New(xerror.Protocol, xerror.PhaseConnect, errInvalidCapacity(capacity))
	}
	if uint64(len(buf)) != ctrlBlockSize+capacity {
		return nil, xerror.New(xerror.Protocol, xerror.PhaseConnect, errBadBufferSize(len(buf), ctrlBlockSize+capacity))
	}
	return &Ring{
		buf:      buf,
		data:     buf[ctrlBlockSize:],
		capacity: capacity,
	}, nil
}

// BufferSize returns the total backing buffer size required for a ring of
// the given data capacity (control block included) — the size a caller
// should mmap/allocate before calling New.
func BufferSize(capacity uint64) uint64 { return ctrlBlockSize + capacity }

func (r *Ring) writePosPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.buf[0])) }
func (r *Ring) readPosPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.buf[64])) }

func (r *Ring) Capacity() uint64 { return r.capacity }

// Depth returns the approximate number of bytes currently occupied
// (write_pos - read_pos); it is a snapshot, not a synchronized value.
func (r *Ring) Depth() uint64 {
	w := atomic.LoadUint64(r.writePosPtr())
	rd := atomic.LoadUint64(r.readPosPtr())
	return w - rd
}

type slotHeader struct {
	refcount   *uint32
	storedLen  *uint32
	slotSpan   *uint32
	generation *uint64
}

// headerAt returns accessors into the 64-byte header physically located at
// data offset off. slotSpan holds the full physical span this slot reserved
// (wrapPad excluded, since that varies per-reservation and is recovered
// separately via detectWrap) — set once at TryAlloc time and read back by
// reclaim for both committed and aborted slots, so reclamation never has to
// recompute it from a payload length that Commit is free to shrink.
func (r *Ring) headerAt(off uint64) slotHeader {
	base := off
	return slotHeader{
		refcount:   (*uint32)(unsafe.Pointer(&r.data[base])),
		storedLen:  (*uint32)(unsafe.Pointer(&r.data[base+4])),
		slotSpan:   (*uint32)(unsafe.Pointer(&r.data[base+8])),
		generation: (*uint64)(unsafe.Pointer(&r.data[base+16])),
	}
}

// WriteSlot is a reserved-but-not-yet-published slot returned by TryAlloc.
type WriteSlot struct {
	ring    *Ring
	offset  uint64 // physical offset of the header in the data region
	cap     int    // usable payload capacity (aligned)
	wrapPad uint64
	base    uint64 // virtual write_pos value observed before this reservation
	need    uint64 // wrapPad + headerSize + align16(payload cap) reserved
}

// Payload returns the writable region for this slot. The caller must write
// at most cap bytes (see WriteSlot.Cap) and then call Commit with the actual
// length used.
func (s *WriteSlot) Payload() []byte {
	start := s.offset + headerSize
	return s.ring.data[start : start+uint64(s.cap)]
}

func (s *WriteSlot) Cap() int { return s.cap }

// TryAlloc reserves header+aligned payload space for a message of the given
// size, implementing spec §4.1's reservation algorithm verbatim. It returns
// ErrFull itself (unwrapped) if there is insufficient free space; it never
// blocks.
func (r *Ring) TryAlloc(size int) (*WriteSlot, error) {
	need := uint64(headerSize + align16(size))
	if need > r.capacity {
		return nil, xerror.New(xerror.Protocol, xerror.PhaseSend, errMessageTooLarge(size, r.capacity))
	}

	wPos := r.writePosPtr()
	rPos := r.readPosPtr()

	for {
		write := atomic.LoadUint64(wPos)
		read := atomic.LoadUint64(rPos)
		used := write - read

		w := write % r.capacity
		tailSpace := r.capacity - w

		var offset, wrapPad uint64
		if tailSpace >= need {
			offset, wrapPad = w, 0
		} else if used+tailSpace+need <= r.capacity {
			offset, wrapPad = 0, tailSpace
		} else {
			return nil, ErrFull
		}

		newWrite := write + wrapPad + need
		if !atomic.CompareAndSwapUint64(wPos, write, newWrite) {
			continue
		}

		if wrapPad >= 4 {
			binary.LittleEndian.PutUint32(r.data[w:w+4], paddingSentinel)
		}

		hdr := r.headerAt(offset)
		atomic.StoreUint32(hdr.refcount, 0)
		atomic.StoreUint32(hdr.storedLen, 0)
		atomic.StoreUint32(hdr.slotSpan, uint32(need))
		atomic.AddUint64(hdr.generation, 1)

		return &WriteSlot{
			ring:    r,
			offset:  offset,
			cap:     int(need) - headerSize,
			wrapPad: wrapPad,
			base:    write,
			need:    wrapPad + need,
		}, nil
	}
}

// Commit publishes a reserved slot with the given actual payload length.
// Zero-length payloads are represented internally as storedLen = len+1 so
// that 0 remains unambiguously "uncommitted" (spec §3 uses len==0 for that
// purpose; this is the encoding needed to also support the 0-byte payloads
// spec §4.1's edge-case policies require).
func (s *WriteSlot) Commit(actualLen int) {
	hdr := s.ring.headerAt(s.offset)
	// Release fence: payload bytes must be visible before storedLen is
	// observed non-zero by a reader.
	atomic.StoreUint32(hdr.storedLen, uint32(actualLen)+1)
}

// Abort releases a reserved-but-unpublished slot without rewinding the
// writer cursor (spec §5: "cancels any pending ring reservation on abort").
// The slot is tagged with abortedSentinel rather than left at storedLen==0,
// so the reader's cursor skips over it like a padding gap instead of
// treating the space as still-pending and stalling reclamation behind it.
func (s *WriteSlot) Abort() {
	hdr := s.ring.headerAt(s.offset)
	atomic.StoreUint32(hdr.storedLen, abortedSentinel)
}

// ReadView is a live, refcounted reference into a published slot.
type ReadView struct {
	ring         *Ring
	offset       uint64
	payloadLen   int
	virtualStart uint64
	consumed     uint64
	released     atomic.Bool
}

func (v *ReadView) Payload() []byte {
	start := v.offset + headerSize
	return v.ring.data[start : start+uint64(v.payloadLen)]
}

func (v *ReadView) Len() int { return v.payloadLen }

// Release drops this view's reference. It is safe to call more than once;
// subsequent calls are no-ops. If this was the head (contiguous) slot and
// the refcount reaches zero, read_pos is advanced past it and any further
// already-drained slots immediately following it (spec §4.1 "Reclamation").
func (v *ReadView) Release() {
	if !v.released.CompareAndSwap(false, true) {
		return
	}
	hdr := v.ring.headerAt(v.offset)
	if atomic.AddUint32(hdr.refcount, ^uint32(0)) == 0 {
		v.ring.reclaim()
	}
}

// reclaim advances the shared read_pos past the current head slot and any
// number of subsequent slots that are already fully drained (refcount==0,
// storedLen!=0), i.e. read but not yet reclaimed because an earlier sibling
// was still outstanding when they were released.
func (r *Ring) reclaim() {
	rPos := r.readPosPtr()
	wPos := r.writePosPtr()

	for {
		rp := atomic.LoadUint64(rPos)
		wr := atomic.LoadUint64(wPos)
		if rp == wr || rp == atomic.LoadUint64(&r.nextRead) {
			return // nothing further has been read yet
		}

		physPos := rp % r.capacity
		wrapPad, offset := r.detectWrap(physPos)

		hdr := r.headerAt(offset)
		if atomic.LoadUint32(hdr.refcount) != 0 {
			return // still live
		}
		stored := atomic.LoadUint32(hdr.storedLen)
		if stored == 0 {
			return // not committed yet / nothing further ready
		}

		// Both a committed message and an aborted reservation reserved
		// slotSpan bytes (excluding wrapPad) at TryAlloc time; that is the
		// span to free either way, independent of the published payload
		// length.
		consumed := wrapPad + uint64(atomic.LoadUint32(hdr.slotSpan))
		if !atomic.CompareAndSwapUint64(rPos, rp, rp+consumed) {
			continue // another release raced us; re-read and retry
		}
	}
}

// detectWrap inspects the 4 bytes at physPos to determine whether it holds a
// padding sentinel (meaning the real slot starts at offset 0) or a genuine
// slot header.
func (r *Ring) detectWrap(physPos uint64) (wrapPad, offset uint64) {
	if physPos+4 <= r.capacity {
		if binary.LittleEndian.Uint32(r.data[physPos:physPos+4]) == paddingSentinel {
			return r.capacity - physPos, 0
		}
	}
	return 0, physPos
}

// TryRead returns a view onto the head message if one has been published,
// or (nil, nil) if the ring is currently empty. It never blocks.
func (r *Ring) TryRead() (*ReadView, error) {
	for {
		read := atomic.LoadUint64(&r.nextRead)
		write := atomic.LoadUint64(r.writePosPtr())
		if read == write {
			return nil, nil
		}

		physPos := read % r.capacity
		wrapPad, offset := r.detectWrap(physPos)

		hdr := r.headerAt(offset)
		stored := atomic.LoadUint32(hdr.storedLen)
		if stored == 0 {
			return nil, nil
		}
		if stored == abortedSentinel {
			// Writer canceled this reservation (WriteSlot.Abort) before
			// publishing it; skip past it exactly like a wrap-point padding
			// gap rather than surfacing it as a message.
			skip := wrapPad + uint64(atomic.LoadUint32(hdr.slotSpan))
			atomic.StoreUint64(&r.nextRead, read+skip)
			continue
		}

		gen0 := atomic.LoadUint64(hdr.generation)

		for {
			rc := atomic.LoadUint32(hdr.refcount)
			if atomic.CompareAndSwapUint32(hdr.refcount, rc, rc+1) {
				break
			}
		}

		gen1 := atomic.LoadUint64(hdr.generation)
		if gen1 != gen0 {
			atomic.AddUint32(hdr.refcount, ^uint32(0))
			return nil, xerror.New(xerror.Corruption, xerror.PhaseRecv, errGenerationMismatch{})
		}

		payloadLen := int(stored - 1)
		consumed := wrapPad + uint64(atomic.LoadUint32(hdr.slotSpan))
		atomic.StoreUint64(&r.nextRead, read+consumed)

		return &ReadView{
			ring:         r,
			offset:       offset,
			payloadLen:   payloadLen,
			virtualStart: read,
			consumed:     consumed,
		}, nil
	}
}
