package shm

import (
	"context"
	"sync"
	"time"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/transport"
)

// WriterLayer adapts a Ring to transport.WriterLayer, the side a
// Publisher holds.
type WriterLayer struct {
	ring      *Ring
	processID int32
	seq       int64
}

func NewWriterLayer(ring *Ring, processID int32) *WriterLayer {
	return &WriterLayer{ring: ring, processID: processID}
}

func (w *WriterLayer) Kind() cmn.TransportLayer { return cmn.LayerSHM }

func (w *WriterLayer) SendFrame(ctx context.Context, f transport.Frame) error {
	w.seq++
	return w.ring.Write(ctx, f.DataClock, f.SendTimestampUs, w.processID, w.seq, f.Bytes)
}

func (w *WriterLayer) Connections() int { return w.ring.Connections() }

func (w *WriterLayer) Close() error { return w.ring.Close() }

// ReaderLayer is the subscriber side: it attaches to every memfile in
// the publisher's ring (discovered via domain+topic, the same naming
// scheme Ring uses) and polls each for new generations, invoking the
// handler once per new frame, deduplicated by (processID, seq)
// upstream in the subscriber core.
type ReaderLayer struct {
	log      *nlog.Logger
	domain   string
	topic    string
	zeroCopy bool

	mu       sync.Mutex
	files    []*MemFile
	lastGen  []int64
	handler  transport.FrameHandler
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewReaderLayer(log *nlog.Logger, domain, topic string, zeroCopy bool) *ReaderLayer {
	return &ReaderLayer{log: log, domain: domain, topic: topic, zeroCopy: zeroCopy, stopCh: make(chan struct{})}
}

func (r *ReaderLayer) Kind() cmn.TransportLayer { return cmn.LayerSHM }

func (r *ReaderLayer) SetHandler(h transport.FrameHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Attach opens bufferCount memfiles for the given publisher ring
// naming scheme and starts one polling goroutine per file.
func (r *ReaderLayer) Attach(bufferCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < bufferCount; i++ {
		path := (&Ring{domain: r.domain, topic: r.topic}).filePath(i)
		mf, err := Open(path)
		if err != nil {
			return err
		}
		if err := mf.IncReader(); err != nil {
			return err
		}
		r.files = append(r.files, mf)
		r.lastGen = append(r.lastGen, -1)
		idx := i
		r.wg.Add(1)
		go r.pollLoop(idx, mf)
	}
	return nil
}

func (r *ReaderLayer) pollLoop(idx int, mf *MemFile) {
	defer r.wg.Done()
	since := int64(-1)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		h, ok := mf.WaitGeneration(since, 50*time.Millisecond)
		if !ok {
			continue
		}
		since = h.WriteGeneration

		r.mu.Lock()
		handler := r.handler
		r.mu.Unlock()
		if handler == nil {
			continue
		}

		if r.zeroCopy {
			view, hh, err := mf.ZeroCopyView()
			if err != nil {
				continue
			}
			handler(transport.Frame{
				Topic:           r.topic,
				DataClock:       hh.DataClock,
				SendTimestampUs: hh.SendTimestampUs,
				SenderEntity:    cmn.EntityID{ProcessID: hh.SenderProcessID, Seq: hh.SenderSeq},
				Bytes:           view,
			})
		} else {
			buf, hh, err := mf.ReadPayload(nil)
			if err != nil {
				continue
			}
			handler(transport.Frame{
				Topic:           r.topic,
				DataClock:       hh.DataClock,
				SendTimestampUs: hh.SendTimestampUs,
				SenderEntity:    cmn.EntityID{ProcessID: hh.SenderProcessID, Seq: hh.SenderSeq},
				Bytes:           buf,
			})
		}
		_ = idx
	}
}

func (r *ReaderLayer) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, mf := range r.files {
		_ = mf.DecReader()
		if err := mf.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
