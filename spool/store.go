package spool

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/printq/api"
	internalshm "github.com/srediag/printq/internal/shm"
)

// Segment layout, host byte order. The header is followed by capacity slots.
//
//	header: magic 8 | version 4 | header size 4 | slot size 4 | capacity 4 |
//	        filename max 4 | length 4 | write index 4 | read index 4 |
//	        session 16 | created unix nanos 8
//	slot:   client id 8 | file size 8 | filename length 4 | filename bytes, padded to 8
const (
	storeMagic   = "PRINTQ\x00\x00"
	storeVersion = uint32(1)

	headerSize = 64

	magicOffset       = 0
	versionOffset     = 8
	headerSizeOffset  = 12
	slotSizeOffset    = 16
	capacityOffset    = 20
	filenameMaxOffset = 24
	lengthOffset      = 28
	writeIndexOffset  = 32
	readIndexOffset   = 36
	sessionOffset     = 40
	createdOffset     = 56

	slotClientIDOffset = 0
	slotFileSizeOffset = 8
	slotNameLenOffset  = 16
	slotNameOffset     = 20
)

// SlotSize returns the size of one slot holding filenames of up to filenameMax bytes.
func SlotSize(filenameMax int) int {
	return (slotNameOffset + filenameMax + 7) &^ 7
}

// SegmentSize returns the bytes needed for a store of capacity slots.
func SegmentSize(capacity, filenameMax int) int {
	return headerSize + capacity*SlotSize(filenameMax)
}

// StoreState is a snapshot of the store bookkeeping.
type StoreState struct {
	Capacity   int
	Length     int
	WriteIndex int
	ReadIndex  int
}

// Store is the circular buffer of job records inside a shared segment. It
// has no locking of its own: put and take must only run while the queue
// mutex semaphore is held.
type Store struct {
	mem         []byte
	capacity    int
	filenameMax int
	slotSize    int

	length     *uint32
	writeIndex *uint32
	readIndex  *uint32
}

// InitStore writes an empty store into mem, which must be zeroed and at least
// SegmentSize(capacity, filenameMax) bytes long.
func InitStore(mem []byte, capacity, filenameMax int, session uuid.UUID) (*Store, error) {
	if capacity < 1 || filenameMax < 1 {
		return nil, fmt.Errorf("invalid store geometry: capacity %d, filename max %d", capacity, filenameMax)
	}
	if need := SegmentSize(capacity, filenameMax); len(mem) < need {
		return nil, fmt.Errorf("segment is %d bytes, store needs %d", len(mem), need)
	}
	clear(mem[:SegmentSize(capacity, filenameMax)])

	binary.NativeEndian.PutUint32(mem[versionOffset:], storeVersion)
	binary.NativeEndian.PutUint32(mem[headerSizeOffset:], headerSize)
	binary.NativeEndian.PutUint32(mem[slotSizeOffset:], uint32(SlotSize(filenameMax)))
	binary.NativeEndian.PutUint32(mem[capacityOffset:], uint32(capacity))
	binary.NativeEndian.PutUint32(mem[filenameMaxOffset:], uint32(filenameMax))
	copy(mem[sessionOffset:sessionOffset+16], session[:])
	binary.NativeEndian.PutUint64(mem[createdOffset:], uint64(time.Now().UnixNano()))

	s := newStore(mem, capacity, filenameMax)
	internalshm.AtomicStoreUint32(s.length, 0)
	internalshm.AtomicStoreUint32(s.writeIndex, 0)
	internalshm.AtomicStoreUint32(s.readIndex, 0)
	// magic last: attachers treat a store without it as not created yet
	copy(mem[magicOffset:magicOffset+8], storeMagic)
	return s, nil
}

// AttachStore validates the header in mem and returns a view of the store. A
// store whose magic is not written yet wraps api.ErrNotFound.
func AttachStore(mem []byte) (*Store, error) {
	if len(mem) < headerSize {
		return nil, fmt.Errorf("%w: segment is %d bytes", api.ErrNotFound, len(mem))
	}
	magic := string(mem[magicOffset : magicOffset+8])
	if magic == string(make([]byte, 8)) {
		return nil, fmt.Errorf("%w: store not initialized", api.ErrNotFound)
	}
	if magic != storeMagic {
		return nil, fmt.Errorf("%w: bad store magic %q", api.ErrIPCFault, magic)
	}
	if v := binary.NativeEndian.Uint32(mem[versionOffset:]); v != storeVersion {
		return nil, fmt.Errorf("%w: unsupported store version %d", api.ErrIPCFault, v)
	}
	if hs := binary.NativeEndian.Uint32(mem[headerSizeOffset:]); hs != headerSize {
		return nil, fmt.Errorf("%w: unexpected header size %d", api.ErrIPCFault, hs)
	}
	capacity := int(binary.NativeEndian.Uint32(mem[capacityOffset:]))
	filenameMax := int(binary.NativeEndian.Uint32(mem[filenameMaxOffset:]))
	slotSize := int(binary.NativeEndian.Uint32(mem[slotSizeOffset:]))
	if capacity < 1 || filenameMax < 1 || slotSize != SlotSize(filenameMax) {
		return nil, fmt.Errorf("%w: bad store geometry: capacity %d, filename max %d, slot size %d",
			api.ErrIPCFault, capacity, filenameMax, slotSize)
	}
	if need := SegmentSize(capacity, filenameMax); len(mem) < need {
		return nil, fmt.Errorf("%w: segment is %d bytes, store needs %d", api.ErrIPCFault, len(mem), need)
	}
	return newStore(mem, capacity, filenameMax), nil
}

func newStore(mem []byte, capacity, filenameMax int) *Store {
	return &Store{
		mem:         mem,
		capacity:    capacity,
		filenameMax: filenameMax,
		slotSize:    SlotSize(filenameMax),
		length:      internalshm.Uint32At(mem, lengthOffset),
		writeIndex:  internalshm.Uint32At(mem, writeIndexOffset),
		readIndex:   internalshm.Uint32At(mem, readIndexOffset),
	}
}

// Capacity returns the fixed number of slots.
func (s *Store) Capacity() int { return s.capacity }

// FilenameMax returns the size of the filename field of a slot.
func (s *Store) FilenameMax() int { return s.filenameMax }

// Len returns the number of occupied slots. Without the mutex it is only a hint.
func (s *Store) Len() int {
	return int(internalshm.AtomicLoadUint32(s.length))
}

// Session identifies the bootstrap run that created the store.
func (s *Store) Session() uuid.UUID {
	var id uuid.UUID
	copy(id[:], s.mem[sessionOffset:sessionOffset+16])
	return id
}

// CreatedAt returns when the store was initialized.
func (s *Store) CreatedAt() time.Time {
	return time.Unix(0, int64(binary.NativeEndian.Uint64(s.mem[createdOffset:])))
}

// State returns the bookkeeping fields.
func (s *Store) State() StoreState {
	return StoreState{
		Capacity:   s.capacity,
		Length:     int(internalshm.AtomicLoadUint32(s.length)),
		WriteIndex: int(internalshm.AtomicLoadUint32(s.writeIndex)),
		ReadIndex:  int(internalshm.AtomicLoadUint32(s.readIndex)),
	}
}

// CheckInvariant verifies 0 <= length <= capacity, that both indices are in
// range and that length matches the gap between them.
func (s *Store) CheckInvariant() error {
	st := s.State()
	switch {
	case st.Length < 0 || st.Length > st.Capacity:
		return fmt.Errorf("%w: length %d outside [0, %d]", api.ErrIPCFault, st.Length, st.Capacity)
	case st.WriteIndex >= st.Capacity || st.ReadIndex >= st.Capacity:
		return fmt.Errorf("%w: index out of range: write %d, read %d, capacity %d",
			api.ErrIPCFault, st.WriteIndex, st.ReadIndex, st.Capacity)
	case (st.ReadIndex+st.Length)%st.Capacity != st.WriteIndex:
		return fmt.Errorf("%w: length %d does not match read %d and write %d",
			api.ErrIPCFault, st.Length, st.ReadIndex, st.WriteIndex)
	}
	return nil
}

func (s *Store) slot(i int) []byte {
	off := headerSize + i*s.slotSize
	return s.mem[off : off+s.slotSize]
}

// put copies job into the slot at the write index.
func (s *Store) put(job api.JobRecord) error {
	if err := job.Validate(s.filenameMax); err != nil {
		return err
	}
	length := internalshm.AtomicLoadUint32(s.length)
	w := internalshm.AtomicLoadUint32(s.writeIndex)
	if int(length) >= s.capacity {
		return fmt.Errorf("%w: put into a full store", api.ErrIPCFault)
	}
	if int(w) >= s.capacity {
		return fmt.Errorf("%w: write index %d out of range", api.ErrIPCFault, w)
	}

	slot := s.slot(int(w))
	binary.NativeEndian.PutUint64(slot[slotClientIDOffset:], uint64(job.ClientID))
	binary.NativeEndian.PutUint64(slot[slotFileSizeOffset:], uint64(job.FileSize))
	binary.NativeEndian.PutUint32(slot[slotNameLenOffset:], uint32(len(job.Filename)))
	copy(slot[slotNameOffset:slotNameOffset+s.filenameMax], job.Filename)

	internalshm.AtomicStoreUint32(s.writeIndex, (w+1)%uint32(s.capacity))
	internalshm.AtomicStoreUint32(s.length, length+1)
	return nil
}

// take copies the job out of the slot at the read index. The slot is not
// cleared; it is simply not read again until rewritten.
func (s *Store) take() (api.JobRecord, error) {
	length := internalshm.AtomicLoadUint32(s.length)
	r := internalshm.AtomicLoadUint32(s.readIndex)
	if length == 0 {
		return api.JobRecord{}, fmt.Errorf("%w: take from an empty store", api.ErrIPCFault)
	}
	if int(r) >= s.capacity {
		return api.JobRecord{}, fmt.Errorf("%w: read index %d out of range", api.ErrIPCFault, r)
	}

	slot := s.slot(int(r))
	n := int(binary.NativeEndian.Uint32(slot[slotNameLenOffset:]))
	if n > s.filenameMax {
		return api.JobRecord{}, fmt.Errorf("%w: slot %d filename length %d", api.ErrIPCFault, r, n)
	}
	job := api.JobRecord{
		ClientID: int64(binary.NativeEndian.Uint64(slot[slotClientIDOffset:])),
		FileSize: int64(binary.NativeEndian.Uint64(slot[slotFileSizeOffset:])),
		Filename: string(slot[slotNameOffset : slotNameOffset+n]),
	}

	internalshm.AtomicStoreUint32(s.readIndex, (r+1)%uint32(s.capacity))
	internalshm.AtomicStoreUint32(s.length, length-1)
	return job, nil
}
