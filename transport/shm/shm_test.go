package shm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/transport"
)

func TestMemFileWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mf, err := Create(filepath.Join(dir, "a.0.mf"), 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mf.Close()

	if err := mf.Write(1, 1000, 7, 1, []byte("hello"), 50); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf, h, err := mf.ReadPayload(nil)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q want %q", buf, "hello")
	}
	if h.DataClock != 1 || h.SenderProcessID != 7 || h.SenderSeq != 1 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestMemFileGrowsPastMinSize(t *testing.T) {
	dir := t.TempDir()
	mf, err := Create(filepath.Join(dir, "b.0.mf"), 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mf.Close()

	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte(i)
	}
	if err := mf.Write(1, 0, 1, 1, big, 50); err != nil {
		t.Fatalf("Write large payload: %v", err)
	}
	buf, h, err := mf.ReadPayload(nil)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if len(buf) != len(big) {
		t.Fatalf("got %d bytes want %d", len(buf), len(big))
	}
	for i := range big {
		if buf[i] != big[i] {
			t.Fatalf("payload mismatch at %d", i)
		}
	}
	if int(h.PayloadSize) != len(big) {
		t.Fatalf("unexpected payload size %d", h.PayloadSize)
	}
}

func TestMemFileReaderCountRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mf, err := Create(filepath.Join(dir, "c.0.mf"), 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mf.Close()

	if mf.ReaderCount() != 0 {
		t.Fatalf("expected 0 readers initially")
	}
	if err := mf.IncReader(); err != nil {
		t.Fatalf("IncReader: %v", err)
	}
	if err := mf.IncReader(); err != nil {
		t.Fatalf("IncReader: %v", err)
	}
	if mf.ReaderCount() != 2 {
		t.Fatalf("got %d readers want 2", mf.ReaderCount())
	}
	if err := mf.DecReader(); err != nil {
		t.Fatalf("DecReader: %v", err)
	}
	if mf.ReaderCount() != 1 {
		t.Fatalf("got %d readers want 1", mf.ReaderCount())
	}
	if err := mf.ResetReaders(); err != nil {
		t.Fatalf("ResetReaders: %v", err)
	}
	if mf.ReaderCount() != 0 {
		t.Fatalf("expected ResetReaders to clear the leaked count")
	}
}

func TestRingRotatesAcrossBuffers(t *testing.T) {
	log := nlog.New("shm-test")
	r, err := NewRing(log, Options{
		Domain:       "ringtest",
		Topic:        "/topic a",
		BufferCount:  4,
		MinSizeBytes: 4096,
	})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	defer r.Close()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		mf := r.selectFile()
		seen[mf.path] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected round-robin to touch 4 distinct files, got %d", len(seen))
	}
}

func TestWriterReaderLayerDeliversFrame(t *testing.T) {
	log := nlog.New("shm-test")
	r, err := NewRing(log, Options{
		Domain:       "layertest",
		Topic:        "CLOCK",
		BufferCount:  2,
		MinSizeBytes: 4096,
	})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	defer r.Close()

	writer := NewWriterLayer(r, 42)
	reader := NewReaderLayer(log, "layertest", "CLOCK", false)
	if err := reader.Attach(2); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer reader.Close()

	var mu sync.Mutex
	var got transport.Frame
	done := make(chan struct{}, 1)
	reader.SetHandler(func(f transport.Frame) {
		mu.Lock()
		got = f
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := writer.SendFrame(context.Background(), transport.Frame{
		DataClock:       1,
		SendTimestampUs: 123,
		Bytes:           []byte("payload"),
	}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reader layer to deliver the frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got.Bytes) != "payload" {
		t.Fatalf("got %q want %q", got.Bytes, "payload")
	}
	if got.DataClock != 1 {
		t.Fatalf("got data_clock %d want 1", got.DataClock)
	}
	if got.SenderEntity.ProcessID != 42 {
		t.Fatalf("got sender process %d want 42", got.SenderEntity.ProcessID)
	}
}

func TestZeroCopyWriterReaderLayerDeliversFrame(t *testing.T) {
	log := nlog.New("shm-test")
	r, err := NewRing(log, Options{
		Domain:       "zctest",
		Topic:        "ZC",
		BufferCount:  1,
		MinSizeBytes: 4096,
		ZeroCopy:     true,
	})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	defer r.Close()

	writer := NewWriterLayer(r, 1)
	reader := NewReaderLayer(log, "zctest", "ZC", true)
	if err := reader.Attach(1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer reader.Close()

	done := make(chan []byte, 1)
	reader.SetHandler(func(f transport.Frame) {
		cp := append([]byte(nil), f.Bytes...)
		select {
		case done <- cp:
		default:
		}
	})

	if err := writer.SendFrame(context.Background(), transport.Frame{
		DataClock: 1,
		Bytes:     []byte("zero-copy"),
	}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case b := <-done:
		if string(b) != "zero-copy" {
			t.Fatalf("got %q want %q", b, "zero-copy")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for zero-copy delivery")
	}
}

func TestSanitizeTopic(t *testing.T) {
	if got := SanitizeTopic("/a b/c"); got != "_a_b_c" {
		t.Fatalf("got %q want %q", got, "_a_b_c")
	}
}
