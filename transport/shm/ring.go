package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ecal-go/ecal/cmn/nlog"
)

// Ring is the publisher-side write path: memfile_buffer_count files
// rotated round-robin, selecting the next whose reader-count is zero.
// Acknowledged mode controls whether Write blocks for acknowledgement.
type Ring struct {
	log            *nlog.Logger
	domain         string
	topic          string
	files          []*MemFile
	next           int
	mu             sync.Mutex
	minSize        int
	reservePercent int
	zeroCopy       bool
	acknowledged   bool
	ackTimeout     time.Duration

	readerCount int32 // connected subscriber count, for acknowledged mode
	readersMu   sync.Mutex
}

type Options struct {
	Domain                string
	Topic                 string
	BufferCount           int
	MinSizeBytes          int
	ReservePercent        int
	ZeroCopy              bool
	Acknowledged          bool
	AcknowledgeTimeoutMs  int
}

func NewRing(log *nlog.Logger, opt Options) (*Ring, error) {
	if opt.BufferCount <= 0 {
		opt.BufferCount = 1
	}
	r := &Ring{
		log:            log,
		domain:         opt.Domain,
		topic:          opt.Topic,
		minSize:        opt.MinSizeBytes,
		reservePercent: opt.ReservePercent,
		zeroCopy:       opt.ZeroCopy,
		acknowledged:   opt.Acknowledged,
		ackTimeout:     time.Duration(opt.AcknowledgeTimeoutMs) * time.Millisecond,
	}
	for i := 0; i < opt.BufferCount; i++ {
		mf, err := Create(r.filePath(i), opt.MinSizeBytes)
		if err != nil {
			return nil, err
		}
		r.files = append(r.files, mf)
	}
	return r, nil
}

func (r *Ring) filePath(i int) string {
	return filepath.Join(Dir(r.domain), fmt.Sprintf("%s.%d.mf", SanitizeTopic(r.topic), i))
}

// Dir returns the directory a given SHM domain's memfiles live under.
func Dir(domain string) string { return filepath.Join("/dev/shm", "ecal", domain) }

func SanitizeTopic(topic string) string {
	out := make([]byte, 0, len(topic))
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '/' || c == ' ' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// selectFile picks the next ring slot whose reader-count is zero,
// falling back to simple round-robin if every slot is still busy. It
// never waits and never resets a reader count; the only reset is
// waitAcknowledged's, on ack timeout.
func (r *Ring) selectFile() *MemFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.files)
	for i := 0; i < n; i++ {
		idx := (r.next + i) % n
		mf := r.files[idx]
		if mf.ReaderCount() == 0 {
			r.next = (idx + 1) % n
			return mf
		}
	}
	// all busy: rotate anyway (non-ack mode keeps moving; ack mode
	// relies on Write's explicit wait below before reaching here)
	mf := r.files[r.next]
	r.next = (r.next + 1) % n
	return mf
}

// Write implements the SHM write path: select a free
// slot, copy-or-zero-copy the payload in, bump generation, and --- in
// acknowledged mode --- block up to acknowledge_timeout_ms for every
// connected subscriber to have observed this generation before
// returning, recovering any leaked reader-count via ResetReaders on
// timeout.
func (r *Ring) Write(ctx context.Context, dataClock, sendTimestampUs int64, processID int32, seq int64, payload []byte) error {
	mf := r.selectFile()
	if r.zeroCopy {
		buf, err := mf.BeginZeroCopyWrite(len(payload), r.reservePercent)
		if err != nil {
			return err
		}
		copy(buf, payload)
		mf.CommitZeroCopyWrite(dataClock, sendTimestampUs, processID, seq, len(payload))
	} else {
		if err := mf.Write(dataClock, sendTimestampUs, processID, seq, payload, r.reservePercent); err != nil {
			return err
		}
	}

	if r.acknowledged {
		r.waitAcknowledged(mf)
	}
	return nil
}

func (r *Ring) waitAcknowledged(mf *MemFile) {
	r.readersMu.Lock()
	want := r.readerCount
	r.readersMu.Unlock()
	if want == 0 {
		return
	}
	deadline := time.Now().Add(r.ackTimeout)
	for time.Now().Before(deadline) {
		if mf.ReaderCount() <= 0 {
			return
		}
		time.Sleep(500 * time.Microsecond)
	}
	// timed out: a crashed subscriber likely leaked its count
	if err := mf.ResetReaders(); err != nil {
		r.log.Warningf("ack timeout reset failed: %v", err)
	}
}

// RegisterReader / UnregisterReader track how many subscribers this
// publisher believes are attached, used only to decide whether
// acknowledged-mode writes need to wait at all.
func (r *Ring) RegisterReader() {
	r.readersMu.Lock()
	r.readerCount++
	r.readersMu.Unlock()
}

func (r *Ring) UnregisterReader() {
	r.readersMu.Lock()
	if r.readerCount > 0 {
		r.readerCount--
	}
	r.readersMu.Unlock()
}

func (r *Ring) Connections() int {
	r.readersMu.Lock()
	defer r.readersMu.Unlock()
	return int(r.readerCount)
}

func (r *Ring) Close() error {
	var first error
	for _, mf := range r.files {
		if err := mf.Remove(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Files exposes the ring's backing memfiles for subscriber-side
// attachment (a subscriber opens the same domain/topic paths
// independently; see ReaderLayer.Attach in layer.go).
func (r *Ring) Files() []*MemFile { return r.files }
