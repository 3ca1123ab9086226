// Package pubsub implements the Publisher and Subscriber cores: the
// per-layer fan-out on the send path and the dedup/ordering logic on
// the receive path, sitting on top of the registration bus and the
// selectable transport layers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/transport"
)

// EventKind tags the three transitions a Publisher's callbacks fire on.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDropped
)

// Event is delivered to a Publisher's registered callbacks.
type Event struct {
	Kind      EventKind
	Subscriber cmn.EntityID
}

// Publisher owns a payload buffer's destination set: one writer per
// enabled transport layer, dispatched in priority order. It tracks
// data_clock, connected-subscriber counts (to pick local vs remote
// priority), and fires connected/disconnected/dropped events.
type Publisher struct {
	log   *nlog.Logger
	met   *metrics.Registry
	gate  *descgate.Gate
	topic cmn.TopicID
	typ   cmn.DataTypeInformation
	cfg   cmn.PublisherConfig

	writers map[cmn.TransportLayer]transport.WriterLayer
	layers  cmn.LayerSet

	dataClock int64

	cbMu      sync.Mutex
	callbacks []func(Event)

	lastConnections int
	mu              sync.Mutex

	trafficMu    sync.Mutex
	bytesSent    int64
	messageDrops int64
	lastSendAt   time.Time
	freqEMA      float64
}

// NewPublisher constructs a Publisher for topic/typ. writers holds one
// WriterLayer per enabled transport, already attached to the
// publisher's registration entry; the caller (Runtime) is responsible
// for wiring only the layers cfg actually enables.
func NewPublisher(log *nlog.Logger, met *metrics.Registry, gate *descgate.Gate, topic cmn.TopicID, typ cmn.DataTypeInformation,
	cfg cmn.PublisherConfig, writers map[cmn.TransportLayer]transport.WriterLayer) *Publisher {
	var layers cmn.LayerSet
	for l := range writers {
		layers.Add(l)
	}
	return &Publisher{
		log:     log,
		met:     met,
		gate:    gate,
		topic:   topic,
		typ:     typ,
		cfg:     cfg,
		writers: writers,
		layers:  layers,
	}
}

// AddEventCallback registers fn to be invoked on connected/disconnected/
// dropped transitions observed on this publisher's subscriber set.
func (p *Publisher) AddEventCallback(fn func(Event)) {
	p.cbMu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.cbMu.Unlock()
}

func (p *Publisher) fire(ev Event) {
	p.cbMu.Lock()
	cbs := append([]func(Event)(nil), p.callbacks...)
	p.cbMu.Unlock()
	for _, fn := range cbs {
		fn(ev)
	}
}

// priorityLayers picks the local or remote priority list depending on
// whether any currently-connected subscriber is local: SHM only ever
// reports local connections (it has no cross-host visibility), so a
// nonzero SHM Connections() count is what distinguishes the two cases.
func (p *Publisher) priorityLayers() []cmn.TransportLayer {
	if w, ok := p.writers[cmn.LayerSHM]; ok && w.Connections() > 0 {
		return p.cfg.LayerPriorityLocal
	}
	return p.cfg.LayerPriorityRemote
}

// Send implements the `send(bytes[, timestamp])` contract: assign a
// timestamp, bump data_clock, hand the payload to every enabled layer
// in priority order, and report success if at least one layer
// accepted it. The returned int is the payload size handed to
// transport, mirroring "number of bytes sent" semantics.
func (p *Publisher) Send(ctx context.Context, payload []byte, timestampUs int64) (int, error) {
	if timestampUs < 0 {
		timestampUs = time.Now().UnixMicro()
	}
	clock := atomic.AddInt64(&p.dataClock, 1)

	frame := transport.Frame{
		Topic:           p.topic.Name,
		DataClock:       clock,
		SendTimestampUs: timestampUs,
		Bytes:           payload,
	}

	var lastErr error
	sent := false
	for _, layer := range p.priorityLayers() {
		w, ok := p.writers[layer]
		if !ok {
			continue
		}
		if err := w.SendFrame(ctx, frame); err != nil {
			lastErr = err
			p.log.Warningf("publisher %s: layer %s send failed: %v", p.topic, layer, err)
			p.recordDrop()
			p.fire(Event{Kind: EventDropped})
			continue
		}
		sent = true
	}
	p.pollConnections()
	if !sent {
		if lastErr == nil {
			lastErr = cmn.NewTransportFatal(cmn.LayerTCP, "send", errNoEnabledLayer)
		}
		return 0, lastErr
	}
	p.recordSend(len(payload))
	return len(payload), nil
}

// recordSend updates the bytes-sent counter and the send-rate EMA used
// to populate EntryCounters.DataFrequency on the registration sample.
func (p *Publisher) recordSend(n int) {
	p.trafficMu.Lock()
	defer p.trafficMu.Unlock()
	p.bytesSent += int64(n)
	now := time.Now()
	if !p.lastSendAt.IsZero() {
		if dt := now.Sub(p.lastSendAt).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if p.freqEMA == 0 {
				p.freqEMA = inst
			} else {
				p.freqEMA = 0.8*p.freqEMA + 0.2*inst
			}
		}
	}
	p.lastSendAt = now
}

// recordDrop counts one transport-layer send failure, both locally
// (surfaced via Counters) and as the message_drops Prometheus counter.
func (p *Publisher) recordDrop() {
	p.trafficMu.Lock()
	p.messageDrops++
	p.trafficMu.Unlock()
	if p.met != nil {
		p.met.MessageDrops.WithLabelValues(p.topic.Name, "transport").Inc()
	}
}

// Layers reports which transport layers this publisher currently has
// writers for.
func (p *Publisher) Layers() cmn.LayerSet { return p.layers }

// Counters returns a snapshot of this publisher's live traffic
// counters, refreshed on every Send, for the registration sample.
func (p *Publisher) Counters() cmn.EntryCounters {
	p.trafficMu.Lock()
	defer p.trafficMu.Unlock()
	return cmn.EntryCounters{
		Bytes:         p.bytesSent,
		DataClock:     p.DataClock(),
		DataFrequency: p.freqEMA,
		MessageDrops:  p.messageDrops,
	}
}

var errNoEnabledLayer = &noLayerError{}

type noLayerError struct{}

func (*noLayerError) Error() string { return "no enabled transport layer available" }

// PayloadWriter produces a frame's bytes in place into buf and returns
// the number of bytes actually written, mirroring the zero-copy SHM
// write path.
type PayloadWriter func(buf []byte) int

// SendWriter implements the `send(payload_writer)` contract: same
// dispatch as Send, but the caller fills the buffer in place rather
// than handing over a pre-built slice. Non-SHM layers still receive a
// plain byte slice; only the SHM writer can exploit the zero-copy path
// internally (its SendFrame implementation copies into the mapped
// region exactly once either way).
func (p *Publisher) SendWriter(ctx context.Context, maxSize int, w PayloadWriter, timestampUs int64) (int, error) {
	buf := make([]byte, maxSize)
	n := w(buf)
	return p.Send(ctx, buf[:n], timestampUs)
}

// pollConnections compares the aggregate subscriber count across
// layers against the last observed value and fires connected/
// disconnected events for the delta. This is a poll rather than an
// event push because the registration bus's deadline scanner and each
// WriterLayer's own Connections() count are the only sources of truth
// available without threading a callback through every transport.
func (p *Publisher) pollConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.writers {
		total += w.Connections()
	}
	if total > p.lastConnections {
		p.fire(Event{Kind: EventConnected})
	} else if total < p.lastConnections {
		p.fire(Event{Kind: EventDisconnected})
	}
	p.lastConnections = total
}

// Topic returns the publisher's identity.
func (p *Publisher) Topic() cmn.TopicID { return p.topic }

// DataClock returns the most recently assigned data_clock value.
func (p *Publisher) DataClock() int64 { return atomic.LoadInt64(&p.dataClock) }

// Close releases every writer layer and removes the publisher's
// registration entry.
func (p *Publisher) Close() error {
	var first error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.gate.RemoveTopic(cmn.KindPublisher, p.topic)
	return first
}
