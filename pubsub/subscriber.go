package pubsub

import (
	"sync"
	"sync/atomic"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/transport"
)

// ReceivedPayload is delivered to a Subscriber's receive callback.
type ReceivedPayload struct {
	Topic           cmn.TopicID
	Type            cmn.DataTypeInformation
	SenderEntity    cmn.EntityID
	Bytes           []byte
	SendTimestampUs int64
	DataClock       int64
}

// ReceiveCallback is invoked once per delivered frame. It must not
// retain Bytes past the call for layers that deliver zero-copy views.
type ReceiveCallback func(ReceivedPayload)

type senderState struct {
	lastClock int64
	lastSeen  time.Time
	freqEMA   float64
}

// Subscriber maintains one receiver per enabled layer, deduplicates
// identical (sender, data_clock) deliveries across layers, optionally
// drops out-of-order frames, and measures per-sender data_frequency.
type Subscriber struct {
	log   *nlog.Logger
	met   *metrics.Registry
	gate  *descgate.Gate
	topic cmn.TopicID
	typ   cmn.DataTypeInformation
	cfg   cmn.SubscriberConfig

	readers []transport.ReaderLayer
	layers  cmn.LayerSet

	mu      sync.Mutex
	senders map[int64]*senderState // keyed by sender seq, see onFrame
	recvFn  ReceiveCallback

	dedupMu  sync.Mutex
	dedup    *cuckoo.Filter
	lowWater int64

	bytesRecv    int64
	messageDrops int64

	stopCh chan struct{}
}

// NewSubscriber constructs a Subscriber for topic/typ, attaching readers
// for every layer cfg enables. Each reader's handler is wired to onFrame.
func NewSubscriber(log *nlog.Logger, met *metrics.Registry, gate *descgate.Gate, topic cmn.TopicID, typ cmn.DataTypeInformation,
	cfg cmn.SubscriberConfig, readers []transport.ReaderLayer) *Subscriber {
	var layers cmn.LayerSet
	for _, r := range readers {
		layers.Add(r.Kind())
	}
	s := &Subscriber{
		log:     log,
		met:     met,
		gate:    gate,
		topic:   topic,
		typ:     typ,
		cfg:     cfg,
		readers: readers,
		layers:  layers,
		senders: make(map[int64]*senderState),
		dedup:   cuckoo.NewFilter(1 << 16),
		stopCh:  make(chan struct{}),
	}
	for _, r := range readers {
		r.SetHandler(s.onFrame)
	}
	go s.pruneLoop()
	return s
}

// SetReceiveCallback installs the user callback invoked for every
// frame that survives dedup and (if configured) out-of-order dropping.
func (s *Subscriber) SetReceiveCallback(fn ReceiveCallback) {
	s.mu.Lock()
	s.recvFn = fn
	s.mu.Unlock()
}

func dedupKey(entity cmn.EntityID, clock int64) uint64 {
	h := cmn.TopicHash(entity, "")
	return h ^ uint64(clock)*1099511628211
}

func dedupKeyBytes(k uint64) []byte {
	var b [8]byte
	b[0] = byte(k)
	b[1] = byte(k >> 8)
	b[2] = byte(k >> 16)
	b[3] = byte(k >> 24)
	b[4] = byte(k >> 32)
	b[5] = byte(k >> 40)
	b[6] = byte(k >> 48)
	b[7] = byte(k >> 56)
	return b[:]
}

// onFrame is the shared receive path for every layer: it runs the
// cross-layer dedup check first (the same payload can legitimately
// arrive on SHM and UDP both), then the out-of-order check, then
// delivers to the user callback and updates data_frequency.
func (s *Subscriber) onFrame(f transport.Frame) {
	key := dedupKey(f.SenderEntity, f.DataClock)

	s.dedupMu.Lock()
	already := s.dedup.Lookup(dedupKeyBytes(key))
	if !already {
		s.dedup.InsertUnique(dedupKeyBytes(key))
	}
	s.dedupMu.Unlock()
	if already {
		return
	}

	senderKey := f.SenderEntity.Seq
	now := time.Now()

	s.mu.Lock()
	st, ok := s.senders[senderKey]
	if !ok {
		st = &senderState{}
		s.senders[senderKey] = st
	}
	if s.cfg.DropOutOfOrderMessages && ok && f.DataClock <= st.lastClock {
		s.mu.Unlock()
		s.recordDrop()
		return
	}
	if ok && !st.lastSeen.IsZero() {
		dt := now.Sub(st.lastSeen).Seconds()
		if dt > 0 {
			inst := 1.0 / dt
			if st.freqEMA == 0 {
				st.freqEMA = inst
			} else {
				st.freqEMA = 0.8*st.freqEMA + 0.2*inst
			}
		}
	}
	st.lastClock = f.DataClock
	st.lastSeen = now
	recvFn := s.recvFn
	s.mu.Unlock()

	atomic.AddInt64(&s.bytesRecv, int64(len(f.Bytes)))
	if recvFn != nil {
		recvFn(ReceivedPayload{
			Topic:           s.topic,
			Type:            s.typ,
			SenderEntity:    f.SenderEntity,
			Bytes:           f.Bytes,
			SendTimestampUs: f.SendTimestampUs,
			DataClock:       f.DataClock,
		})
	}
}

// recordDrop counts one out-of-order frame dropped by the
// drop_out_of_order_messages policy, both locally (surfaced via
// Counters) and as the message_drops Prometheus counter.
func (s *Subscriber) recordDrop() {
	atomic.AddInt64(&s.messageDrops, 1)
	if s.met != nil {
		s.met.MessageDrops.WithLabelValues(s.topic.Name, "reorder").Inc()
	}
}

// pruneLoop periodically replaces the dedup filter with an empty one so
// the filter stays bounded instead of growing for the life of the
// subscriber. Every entry is dropped, not only those below a
// data_clock low-water mark: prune records the lowest per-sender
// clock in lowWater, but nothing reads that value.
// Rebuilding (rather than deleting individual keys, which cuckoofilter
// supports but which would still grow unbounded under sustained churn)
// keeps the filter's false-positive rate from drifting upward.
func (s *Subscriber) pruneLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.prune()
		}
	}
}

func (s *Subscriber) prune() {
	s.mu.Lock()
	min := int64(0)
	for _, st := range s.senders {
		if min == 0 || st.lastClock < min {
			min = st.lastClock
		}
	}
	s.mu.Unlock()

	s.dedupMu.Lock()
	s.lowWater = min
	s.dedup = cuckoo.NewFilter(1 << 16)
	s.dedupMu.Unlock()
}

// DataFrequency returns the most recently measured inter-arrival
// frequency (Hz) for a given sender, or 0 if unknown.
func (s *Subscriber) DataFrequency(sender cmn.EntityID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.senders[sender.Seq]; ok {
		return st.freqEMA
	}
	return 0
}

// Layers reports which transport layers this subscriber currently has
// readers attached for.
func (s *Subscriber) Layers() cmn.LayerSet { return s.layers }

// Counters returns a snapshot of this subscriber's live traffic
// counters, refreshed on every delivered/dropped frame, for the
// registration sample. DataClock/DataFrequency reflect the
// most-recently-advanced sender.
func (s *Subscriber) Counters() cmn.EntryCounters {
	s.mu.Lock()
	var clock int64
	var freq float64
	for _, st := range s.senders {
		if st.lastClock > clock {
			clock = st.lastClock
			freq = st.freqEMA
		}
	}
	s.mu.Unlock()
	return cmn.EntryCounters{
		Bytes:         atomic.LoadInt64(&s.bytesRecv),
		DataClock:     clock,
		DataFrequency: freq,
		MessageDrops:  atomic.LoadInt64(&s.messageDrops),
	}
}

// Topic returns the subscriber's identity.
func (s *Subscriber) Topic() cmn.TopicID { return s.topic }

// Close releases every reader layer and removes the subscriber's
// registration entry.
func (s *Subscriber) Close() error {
	close(s.stopCh)
	var first error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.gate.RemoveTopic(cmn.KindSubscriber, s.topic)
	return first
}
