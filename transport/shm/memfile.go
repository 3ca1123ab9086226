// Package shm implements the shared-memory transport:
// a per-publisher ring of memory-mapped files ("memfiles"), a fixed
// header followed by the payload, reader-count tracking, and an
// optional zero-copy read path.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ecal-go/ecal/cmn"
)

const (
	magic      uint32 = 0xECA1F11E
	headerSize        = 4 + 4 + 4 + 8 + 8 + 4 + 8 + 4 + 8 + 4 // see field list below
)

// header is the on-disk wire layout:
// {magic, header_size, payload_size, data_clock, send_timestamp_us,
// sender_entity_id, flags}. sender_entity_id is split into
// (SenderProcessID, SenderSeq) since SHM never crosses a host boundary
// (a memfile only ever has local readers), so the host name component
// of EntityID is implicit. WriteGeneration and ReaderCount are
// bookkeeping fields layered on top of the wire header, mutated only
// while the file's advisory lock is held.
type header struct {
	Magic           uint32
	HeaderSize      uint32
	PayloadSize     uint32
	DataClock       int64
	SendTimestampUs int64
	SenderProcessID int32
	SenderSeq       int64
	Flags           uint32
	WriteGeneration int64
	ReaderCount     int32
}

func encodeHeader(h header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[8:], h.PayloadSize)
	binary.LittleEndian.PutUint64(buf[12:], uint64(h.DataClock))
	binary.LittleEndian.PutUint64(buf[20:], uint64(h.SendTimestampUs))
	binary.LittleEndian.PutUint32(buf[28:], uint32(h.SenderProcessID))
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.SenderSeq))
	binary.LittleEndian.PutUint32(buf[40:], h.Flags)
	binary.LittleEndian.PutUint64(buf[44:], uint64(h.WriteGeneration))
	binary.LittleEndian.PutUint32(buf[52:], uint32(h.ReaderCount))
}

func decodeHeader(buf []byte) header {
	return header{
		Magic:           binary.LittleEndian.Uint32(buf[0:]),
		HeaderSize:      binary.LittleEndian.Uint32(buf[4:]),
		PayloadSize:     binary.LittleEndian.Uint32(buf[8:]),
		DataClock:       int64(binary.LittleEndian.Uint64(buf[12:])),
		SendTimestampUs: int64(binary.LittleEndian.Uint64(buf[20:])),
		SenderProcessID: int32(binary.LittleEndian.Uint32(buf[28:])),
		SenderSeq:       int64(binary.LittleEndian.Uint64(buf[32:])),
		Flags:           binary.LittleEndian.Uint32(buf[40:]),
		WriteGeneration: int64(binary.LittleEndian.Uint64(buf[44:])),
		ReaderCount:     int32(binary.LittleEndian.Uint32(buf[52:])),
	}
}

// MemFile is one ring slot: a single memory-mapped file sized to hold
// the header plus the largest payload written so far, never shrinking
// for the lifetime of the publisher.
type MemFile struct {
	path string
	f    *os.File
	data []byte // mmap'd region
	size int
}

func pageRound(n, page int) int {
	if n <= 0 {
		return page
	}
	return ((n + page - 1) / page) * page
}

// Create opens (creating if necessary) a memfile at path sized to at
// least minSize, rounded up to a page multiple.
func Create(path string, minSize int) (*MemFile, error) {
	page := unix.Getpagesize()
	size := pageRound(minSize, page)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "open", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "truncate", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "mmap", err)
	}
	mf := &MemFile{path: path, f: f, data: data, size: size}
	encodeHeader(header{Magic: magic, HeaderSize: headerSize}, mf.data[:headerSize])
	return mf, nil
}

// Open maps an existing memfile for reading without truncating it.
func Open(path string) (*MemFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "open", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "stat", err)
	}
	size := int(st.Size())
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cmn.NewTransportFatal(cmn.LayerSHM, "mmap", err)
	}
	return &MemFile{path: path, f: f, data: data, size: size}, nil
}

func (m *MemFile) Close() error {
	_ = unix.Munmap(m.data)
	return m.f.Close()
}

func (m *MemFile) Remove() error {
	m.Close()
	return os.Remove(m.path)
}

// lock takes the file's exclusive advisory lock, the per-file mutex
// that mediates every header/reader-count mutation.
func (m *MemFile) lock() error    { return unix.Flock(int(m.f.Fd()), unix.LOCK_EX) }
func (m *MemFile) unlock() error  { return unix.Flock(int(m.f.Fd()), unix.LOCK_UN) }

func (m *MemFile) readHeaderLocked() header { return decodeHeader(m.data[:headerSize]) }

// Header returns a point-in-time snapshot of the header, taken under
// the file lock.
func (m *MemFile) Header() (header, error) {
	if err := m.lock(); err != nil {
		return header{}, err
	}
	defer m.unlock()
	return m.readHeaderLocked(), nil
}

// ReaderCount reports the current reader-count without locking (best
// effort; used for the publisher's "file free" scan). Write does not
// check the reader-count again under the lock.
func (m *MemFile) ReaderCount() int32 {
	return int32(binary.LittleEndian.Uint32(m.data[52:]))
}

// EnsureCapacity grows the memfile (remapping) if payloadSize would not
// fit, applying memfile_reserve_percent headroom above the new
// payload. It never shrinks. Must be called with no readers attached
// (callers hold the file lock around Write, which calls this first).
func (m *MemFile) EnsureCapacity(payloadSize, reservePercent int) error {
	need := headerSize + payloadSize
	if reservePercent > 0 {
		need = headerSize + payloadSize*(100+reservePercent)/100
	}
	if need <= m.size {
		return nil
	}
	page := unix.Getpagesize()
	newSize := pageRound(need, page)
	if err := unix.Munmap(m.data); err != nil {
		return cmn.NewTransportFatal(cmn.LayerSHM, "munmap-grow", err)
	}
	if err := m.f.Truncate(int64(newSize)); err != nil {
		return cmn.NewTransportFatal(cmn.LayerSHM, "truncate-grow", err)
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return cmn.NewTransportFatal(cmn.LayerSHM, "mmap-grow", err)
	}
	m.data = data
	m.size = newSize
	return nil
}

// Write publishes one frame into this slot: it locks the file,
// optionally grows it, writes the header and payload, bumps
// write-generation, and unlocks. Zero-copy writers instead use
// BeginZeroCopyWrite/CommitZeroCopyWrite below.
func (m *MemFile) Write(dataClock int64, sendTimestampUs int64, processID int32, seq int64, payload []byte, reservePercent int) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	if err := m.EnsureCapacity(len(payload), reservePercent); err != nil {
		return err
	}
	h := m.readHeaderLocked()
	h.Magic = magic
	h.HeaderSize = headerSize
	h.PayloadSize = uint32(len(payload))
	h.DataClock = dataClock
	h.SendTimestampUs = sendTimestampUs
	h.SenderProcessID = processID
	h.SenderSeq = seq
	h.WriteGeneration++
	copy(m.data[headerSize:], payload)
	encodeHeader(h, m.data[:headerSize])
	return nil
}

// BeginZeroCopyWrite locks the file, grows it if needed, and returns a
// slice into the mapped region the caller may write directly into. The
// caller MUST call CommitZeroCopyWrite (even on error) to unlock and
// publish the generation bump; the slice must not be retained past
// that call.
func (m *MemFile) BeginZeroCopyWrite(payloadSize, reservePercent int) ([]byte, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	if err := m.EnsureCapacity(payloadSize, reservePercent); err != nil {
		m.unlock()
		return nil, err
	}
	return m.data[headerSize : headerSize+payloadSize], nil
}

func (m *MemFile) CommitZeroCopyWrite(dataClock, sendTimestampUs int64, processID int32, seq int64, payloadSize int) {
	defer m.unlock()
	h := m.readHeaderLocked()
	h.Magic = magic
	h.HeaderSize = headerSize
	h.PayloadSize = uint32(payloadSize)
	h.DataClock = dataClock
	h.SendTimestampUs = sendTimestampUs
	h.SenderProcessID = processID
	h.SenderSeq = seq
	h.WriteGeneration++
	encodeHeader(h, m.data[:headerSize])
}

// IncReader / DecReader implement the reader-count contract:
// subscribers increment on entry, decrement on exit; a crashed
// subscriber's leaked count is recovered by the publisher's
// ack-timeout logic in ring.go, not by this file alone.
func (m *MemFile) IncReader() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	h := m.readHeaderLocked()
	h.ReaderCount++
	encodeHeader(h, m.data[:headerSize])
	return nil
}

func (m *MemFile) DecReader() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	h := m.readHeaderLocked()
	if h.ReaderCount > 0 {
		h.ReaderCount--
	}
	encodeHeader(h, m.data[:headerSize])
	return nil
}

// ResetReaders force-clears the reader count; called by the ring when
// an acknowledge_timeout_ms deadline elapses, recovering leaked counts
// from crashed subscribers.
func (m *MemFile) ResetReaders() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	h := m.readHeaderLocked()
	h.ReaderCount = 0
	encodeHeader(h, m.data[:headerSize])
	return nil
}

// WaitGeneration blocks (short polling backoff; there is no portable
// cross-process named event in pure Go without cgo) until the
// WriteGeneration advances past since or timeout elapses, whichever
// comes first.
func (m *MemFile) WaitGeneration(since int64, timeout time.Duration) (header, bool) {
	deadline := time.Now().Add(timeout)
	backoff := 200 * time.Microsecond
	for {
		h, err := m.Header()
		if err == nil && h.WriteGeneration > since {
			return h, true
		}
		if time.Now().After(deadline) {
			return header{}, false
		}
		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
}

// ReadPayload copies the current payload out into dst (growing it if
// needed) and returns the slice, along with the header it was read
// under. Used by the non-zero-copy read path.
func (m *MemFile) ReadPayload(dst []byte) ([]byte, header, error) {
	if err := m.lock(); err != nil {
		return nil, header{}, err
	}
	defer m.unlock()
	h := m.readHeaderLocked()
	if h.Magic != magic || int(h.HeaderSize) != headerSize {
		return nil, h, cmn.NewTransportFatal(cmn.LayerSHM, "read", errBadMagic)
	}
	n := int(h.PayloadSize)
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	copy(dst, m.data[headerSize:headerSize+n])
	return dst, h, nil
}

// ZeroCopyView returns a non-owning slice directly into the mapped
// payload region. The caller MUST NOT retain it past the enclosing
// callback invocation (see transport.FrameHandler).
func (m *MemFile) ZeroCopyView() ([]byte, header, error) {
	h := m.readHeaderLocked()
	if h.Magic != magic || int(h.HeaderSize) != headerSize {
		return nil, h, cmn.NewTransportFatal(cmn.LayerSHM, "read", errBadMagic)
	}
	n := int(h.PayloadSize)
	return m.data[headerSize : headerSize+n], h, nil
}

type badMagic struct{}

func (badMagic) Error() string { return "shm: bad magic or header size" }

var errBadMagic error = badMagic{}
