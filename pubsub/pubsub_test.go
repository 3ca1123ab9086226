package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/transport"
)

// fakeWriter is an in-process WriterLayer that hands every sent frame
// directly to a set of attached fakeReaders, used to exercise the
// Publisher/Subscriber cores without a real transport underneath.
type fakeWriter struct {
	kind     cmn.TransportLayer
	mu       sync.Mutex
	readers  []*fakeReader
	sends    int
	failSend bool
}

func newFakeWriter(kind cmn.TransportLayer) *fakeWriter {
	return &fakeWriter{kind: kind}
}

func (w *fakeWriter) attach(r *fakeReader) {
	w.mu.Lock()
	w.readers = append(w.readers, r)
	w.mu.Unlock()
}

func (w *fakeWriter) Kind() cmn.TransportLayer { return w.kind }

var errFakeSendFailed = &fakeSendError{}

type fakeSendError struct{}

func (*fakeSendError) Error() string { return "fake transport send failure" }

func (w *fakeWriter) SendFrame(_ context.Context, f transport.Frame) error {
	w.mu.Lock()
	if w.failSend {
		w.mu.Unlock()
		return errFakeSendFailed
	}
	w.sends++
	readers := append([]*fakeReader(nil), w.readers...)
	w.mu.Unlock()
	for _, r := range readers {
		r.deliver(f)
	}
	return nil
}

func (w *fakeWriter) Connections() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readers)
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	kind cmn.TransportLayer
	mu   sync.Mutex
	fn   transport.FrameHandler
}

func newFakeReader(kind cmn.TransportLayer) *fakeReader { return &fakeReader{kind: kind} }

func (r *fakeReader) Kind() cmn.TransportLayer { return r.kind }

func (r *fakeReader) SetHandler(fn transport.FrameHandler) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *fakeReader) deliver(f transport.Frame) {
	r.mu.Lock()
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

func (r *fakeReader) Close() error { return nil }

func newTestGate() *descgate.Gate {
	return descgate.New(nlog.New("pubsub-test"), metrics.New())
}

func testTopic() cmn.TopicID {
	return cmn.TopicID{Entity: cmn.EntityID{HostName: "h", ProcessID: 1, Seq: 1}, Name: "t"}
}

func TestPublisherDeliversToSubscriber(t *testing.T) {
	gate := newTestGate()
	topic := testTopic()
	typ := cmn.DataTypeInformation{Name: "bytes"}

	w := newFakeWriter(cmn.LayerSHM)
	r := newFakeReader(cmn.LayerSHM)
	w.attach(r)

	cfg := cmn.DefaultConfig()
	met := metrics.New()
	pub := NewPublisher(nlog.New("pub"), met, gate, topic, typ, cfg.Publisher,
		map[cmn.TransportLayer]transport.WriterLayer{cmn.LayerSHM: w})
	sub := NewSubscriber(nlog.New("sub"), met, gate, topic, typ, cfg.Subscriber,
		[]transport.ReaderLayer{r})
	defer sub.Close()
	defer pub.Close()

	received := make(chan ReceivedPayload, 1)
	sub.SetReceiveCallback(func(p ReceivedPayload) { received <- p })

	n, err := pub.Send(context.Background(), []byte("hello"), 0)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes sent, got %d", n)
	}

	select {
	case p := <-received:
		if string(p.Bytes) != "hello" {
			t.Fatalf("expected payload %q, got %q", "hello", p.Bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublisherSendFailsWithNoEnabledLayer(t *testing.T) {
	gate := newTestGate()
	cfg := cmn.DefaultConfig()
	pub := NewPublisher(nlog.New("pub"), metrics.New(), gate, testTopic(), cmn.DataTypeInformation{}, cfg.Publisher,
		map[cmn.TransportLayer]transport.WriterLayer{})
	defer pub.Close()

	if _, err := pub.Send(context.Background(), []byte("x"), 0); err == nil {
		t.Fatal("expected an error sending with no enabled writer layers")
	}
}

func TestSubscriberDedupsAcrossLayers(t *testing.T) {
	gate := newTestGate()
	topic := testTopic()
	typ := cmn.DataTypeInformation{}

	shmW := newFakeWriter(cmn.LayerSHM)
	udpW := newFakeWriter(cmn.LayerUDP)
	shmR := newFakeReader(cmn.LayerSHM)
	udpR := newFakeReader(cmn.LayerUDP)
	shmW.attach(shmR)
	udpW.attach(udpR)

	cfg := cmn.DefaultConfig()
	met := metrics.New()
	pub := NewPublisher(nlog.New("pub"), met, gate, topic, typ, cfg.Publisher,
		map[cmn.TransportLayer]transport.WriterLayer{cmn.LayerSHM: shmW, cmn.LayerUDP: udpW})
	sub := NewSubscriber(nlog.New("sub"), met, gate, topic, typ, cfg.Subscriber,
		[]transport.ReaderLayer{shmR, udpR})
	defer sub.Close()
	defer pub.Close()

	var mu sync.Mutex
	var count int
	sub.SetReceiveCallback(func(ReceivedPayload) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// A single Send fans the same data_clock out to both layers; the
	// subscriber must deliver it exactly once despite two arrivals.
	if _, err := pub.Send(context.Background(), []byte("x"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly 1 delivery across 2 layers, got %d", got)
	}
}

// TestSubscriberDropsOutOfOrderWhenConfigured reproduces the out-of-
// order scenario verbatim: data_clocks arrive as {5,4,6,3,7}, only
// {5,6,7} are in-order and delivered, and the two reorders (4 and 3)
// must both be recorded as drops.
func TestSubscriberDropsOutOfOrderWhenConfigured(t *testing.T) {
	gate := newTestGate()
	topic := testTopic()
	typ := cmn.DataTypeInformation{}

	r := newFakeReader(cmn.LayerSHM)
	cfg := cmn.DefaultConfig()
	cfg.Subscriber.DropOutOfOrderMessages = true
	sub := NewSubscriber(nlog.New("sub"), metrics.New(), gate, topic, typ, cfg.Subscriber,
		[]transport.ReaderLayer{r})
	defer sub.Close()

	var delivered []int64
	var mu sync.Mutex
	sub.SetReceiveCallback(func(p ReceivedPayload) {
		mu.Lock()
		delivered = append(delivered, p.DataClock)
		mu.Unlock()
	})

	sender := cmn.EntityID{HostName: "h", ProcessID: 1, Seq: 9}
	for _, clock := range []int64{5, 4, 6, 3, 7} {
		r.deliver(transport.Frame{SenderEntity: sender, DataClock: clock, Bytes: []byte("x")})
	}

	mu.Lock()
	got := append([]int64(nil), delivered...)
	mu.Unlock()
	if len(got) != 3 || got[0] != 5 || got[1] != 6 || got[2] != 7 {
		t.Fatalf("expected only in-order clocks [5 6 7], got %v", got)
	}
	if drops := sub.Counters().MessageDrops; drops != 2 {
		t.Fatalf("expected 2 recorded drops, got %d", drops)
	}
}

func TestPublisherEventCallbackFiresOnConnect(t *testing.T) {
	gate := newTestGate()
	topic := testTopic()
	w := newFakeWriter(cmn.LayerSHM)

	cfg := cmn.DefaultConfig()
	pub := NewPublisher(nlog.New("pub"), metrics.New(), gate, topic, cmn.DataTypeInformation{}, cfg.Publisher,
		map[cmn.TransportLayer]transport.WriterLayer{cmn.LayerSHM: w})
	defer pub.Close()

	events := make(chan Event, 4)
	pub.AddEventCallback(func(ev Event) { events <- ev })

	r := newFakeReader(cmn.LayerSHM)
	w.attach(r)

	if _, err := pub.Send(context.Background(), []byte("x"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventConnected {
			t.Fatalf("expected EventConnected, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a connected event")
	}
}

// TestPublisherFiresDroppedOnTransportFailure exercises the
// message_drops path end to end: a writer layer that always fails
// SendFrame must fire EventDropped and bump both the Counters()
// snapshot and the message_drops Prometheus counter.
func TestPublisherFiresDroppedOnTransportFailure(t *testing.T) {
	gate := newTestGate()
	topic := testTopic()
	w := &fakeWriter{kind: cmn.LayerUDP, failSend: true}

	cfg := cmn.DefaultConfig()
	pub := NewPublisher(nlog.New("pub"), metrics.New(), gate, topic, cmn.DataTypeInformation{}, cfg.Publisher,
		map[cmn.TransportLayer]transport.WriterLayer{cmn.LayerUDP: w})
	defer pub.Close()

	events := make(chan Event, 4)
	pub.AddEventCallback(func(ev Event) { events <- ev })

	if _, err := pub.Send(context.Background(), []byte("x"), 0); err == nil {
		t.Fatal("expected Send to fail when the only writer layer errors")
	}

	select {
	case ev := <-events:
		if ev.Kind != EventDropped {
			t.Fatalf("expected EventDropped, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a dropped event")
	}

	if drops := pub.Counters().MessageDrops; drops != 1 {
		t.Fatalf("expected 1 recorded drop, got %d", drops)
	}
}
