// Package registration implements the registration bus:
// it periodically broadcasts local entity samples over SHM and/or UDP
// multicast, ingests remote samples into a descgate.Gate, and sweeps
// per-entry deadlines so entries that stop refreshing expire.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package registration

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/karrick/godirwalk"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/transport"
	"github.com/ecal-go/ecal/transport/shm"
	"github.com/ecal-go/ecal/transport/udp"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// LocalSource supplies the set of samples this process should
// re-announce on every refresh tick.
type LocalSource func() []*cmn.Sample

const registrationTopic = "__registration__"

// Bus owns the registration transports and the refresh/scanner
// goroutines. One Bus exists per Runtime.
type Bus struct {
	log    *nlog.Logger
	gate   *descgate.Gate
	cfg    cmn.RegistrationConfig
	udpCfg cmn.UDPConfig
	local  LocalSource

	processID int32
	sampleSeq int64

	shmRing   *shm.Ring
	shmReader *shm.ReaderLayer
	udpSender *udp.Sender
	udpRecv   *udp.Receiver

	deadlinesMu sync.Mutex
	deadlines   map[string]time.Time // entry key -> expiry
	entryKind   map[string]cmn.EntityKind
	entryTopic  map[string]cmn.TopicID
	entrySvc    map[string]cmn.ServiceID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds (but does not start) a registration Bus. SHM is attempted
// first; if it fails to initialize, the failure is logged and only the
// registration SHM layer is skipped -- UDP registration remains usable.
func New(log *nlog.Logger, gate *descgate.Gate, cfg cmn.RegistrationConfig, udpCfg cmn.UDPConfig, processID int32, local LocalSource) (*Bus, error) {
	b := &Bus{
		log:        log,
		gate:       gate,
		cfg:        cfg,
		udpCfg:     udpCfg,
		local:      local,
		processID:  processID,
		deadlines:  make(map[string]time.Time),
		entryKind:  make(map[string]cmn.EntityKind),
		entryTopic: make(map[string]cmn.TopicID),
		entrySvc:   make(map[string]cmn.ServiceID),
		stopCh:     make(chan struct{}),
	}

	if !cfg.NetworkEnabled {
		// network_enabled is the master switch: with it off, this
		// process never announces itself nor discovers remote peers,
		// regardless of the per-layer enable flags. Local entries are
		// still tracked once applied via ApplyRemote (used by tests
		// and by a loopback-only embedding process).
		return b, nil
	}

	if cfg.LayerShmEnable {
		sweepStaleRingFiles(log, cfg.LayerShmDomain)
		ring, err := shm.NewRing(log, shm.Options{
			Domain:         cfg.LayerShmDomain,
			Topic:          registrationTopic,
			BufferCount:    1,
			MinSizeBytes:   4096,
			ReservePercent: 100,
		})
		if err != nil {
			log.Warningf("registration SHM ring unavailable, falling back to UDP only: %v", err)
		} else {
			b.shmRing = ring
			reader := shm.NewReaderLayer(log, cfg.LayerShmDomain, registrationTopic, false)
			if err := reader.Attach(1); err != nil {
				log.Warningf("registration SHM reader attach failed: %v", err)
			} else {
				reader.SetHandler(func(f transport.Frame) { b.decodeAndApply(f.Bytes) })
				b.shmReader = reader
			}
		}
	}

	if cfg.LayerUdpEnable {
		entity := cmn.EntityID{HostName: cmn.LocalHostName(), ProcessID: processID}
		sender, err := udp.NewSender(udpCfg, entity, registrationTopic, processID)
		if err != nil {
			log.Warningf("registration UDP sender unavailable: %v", err)
		} else {
			b.udpSender = sender
		}
		recv, err := udp.NewReceiver(log, udpCfg, entity, registrationTopic, nil)
		if err != nil {
			log.Warningf("registration UDP receiver unavailable: %v", err)
		} else {
			recv.SetHandler(func(f transport.Frame) { b.decodeAndApply(f.Bytes) })
			b.udpRecv = recv
		}
	}

	return b, nil
}

// sweepStaleRingFiles walks the SHM domain directory at startup and
// removes memfiles nothing has touched in a long time -- the signature
// of a crashed process that never got to unlink its ring. The
// directory may not exist yet on a first run, which is not an error.
func sweepStaleRingFiles(log *nlog.Logger, domain string) {
	dir := shm.Dir(domain)
	const staleAfter = 24 * time.Hour
	cutoff := time.Now().Add(-staleAfter)
	_ = godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			info, err := os.Stat(osPathname)
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(osPathname); err != nil {
					log.Warningf("sweep: remove stale memfile %s: %v", osPathname, err)
				} else {
					log.Infof("sweep: removed stale memfile %s", osPathname)
				}
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}

// Start launches the refresh loop and the deadline scanner.
func (b *Bus) Start() {
	b.wg.Add(2)
	go b.refreshLoop()
	go b.scanLoop()
}

func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	if b.shmReader != nil {
		_ = b.shmReader.Close()
	}
	if b.shmRing != nil {
		_ = b.shmRing.Close()
	}
	if b.udpSender != nil {
		_ = b.udpSender.Close()
	}
	if b.udpRecv != nil {
		_ = b.udpRecv.Close()
	}
}

func (b *Bus) refreshLoop() {
	defer b.wg.Done()
	interval := time.Duration(b.cfg.RegistrationRefreshMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			b.broadcastLocal()
		}
	}
}

// broadcastLocal re-emits every local entry in the order LocalSource
// returns them; this loop does not reorder them.
func (b *Bus) broadcastLocal() {
	samples := b.local()
	ctx := context.Background()
	for _, s := range samples {
		data, err := jsonAPI.Marshal(s)
		if err != nil {
			b.log.Warningf("marshal local sample: %v", err)
			continue
		}
		seq := atomic.AddInt64(&b.sampleSeq, 1)
		if b.shmRing != nil {
			_ = b.shmRing.Write(ctx, seq, nowMicros(), b.processID, seq, data)
		}
		if b.udpSender != nil {
			_ = b.udpSender.SendFrame(ctx, transport.Frame{DataClock: seq, SendTimestampUs: nowMicros(), Bytes: data})
		}
	}
}

func nowMicros() int64 { return time.Now().UnixMicro() }

// decodeAndApply unmarshals a wire sample received from either
// registration transport and applies it to the gate, also refreshing
// its liveness deadline.
func (b *Bus) decodeAndApply(data []byte) {
	var s cmn.Sample
	if err := jsonAPI.Unmarshal(data, &s); err != nil {
		b.log.Warningf("discarding malformed registration sample: %v", err)
		return
	}
	b.ApplyRemote(&s)
}

// ApplyRemote is exposed so tests and alternate transports can inject a
// sample directly without going through SHM/UDP encoding.
func (b *Bus) ApplyRemote(s *cmn.Sample) {
	b.gate.ApplySample(s, cmn.LayerUDP)
	b.touchDeadline(s)
}

func (b *Bus) touchDeadline(s *cmn.Sample) {
	key, kind, topic, svc := sampleKey(s)
	if key == "" {
		return
	}
	b.deadlinesMu.Lock()
	defer b.deadlinesMu.Unlock()
	if s.Command == cmn.CmdUnregister {
		delete(b.deadlines, key)
		delete(b.entryKind, key)
		delete(b.entryTopic, key)
		delete(b.entrySvc, key)
		return
	}
	b.deadlines[key] = time.Now().Add(time.Duration(b.cfg.RegistrationTimeoutMs) * time.Millisecond)
	b.entryKind[key] = kind
	if kind == cmn.KindPublisher || kind == cmn.KindSubscriber {
		b.entryTopic[key] = topic
	} else {
		b.entrySvc[key] = svc
	}
}

func sampleKey(s *cmn.Sample) (key string, kind cmn.EntityKind, topic cmn.TopicID, svc cmn.ServiceID) {
	switch s.Kind {
	case cmn.KindPublisher:
		if s.Publisher == nil {
			return "", 0, cmn.TopicID{}, cmn.ServiceID{}
		}
		return "pub:" + s.Publisher.Topic.String(), cmn.KindPublisher, s.Publisher.Topic, cmn.ServiceID{}
	case cmn.KindSubscriber:
		if s.Subscriber == nil {
			return "", 0, cmn.TopicID{}, cmn.ServiceID{}
		}
		return "sub:" + s.Subscriber.Topic.String(), cmn.KindSubscriber, s.Subscriber.Topic, cmn.ServiceID{}
	case cmn.KindServer:
		if s.Server == nil {
			return "", 0, cmn.TopicID{}, cmn.ServiceID{}
		}
		return "srv:" + s.Server.Service.String(), cmn.KindServer, cmn.TopicID{}, s.Server.Service
	case cmn.KindClient:
		if s.Client == nil {
			return "", 0, cmn.TopicID{}, cmn.ServiceID{}
		}
		return "cli:" + s.Client.Service.String(), cmn.KindClient, cmn.TopicID{}, s.Client.Service
	}
	return "", 0, cmn.TopicID{}, cmn.ServiceID{}
}

// scanLoop sweeps deadlines and emits synthetic deleted_entity events
// (via descgate.RemoveTopic/RemoveService) when an entry expires
// without refresh.
func (b *Bus) scanLoop() {
	defer b.wg.Done()
	interval := time.Duration(b.cfg.RegistrationRefreshMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			b.sweepExpired()
		}
	}
}

func (b *Bus) sweepExpired() {
	now := time.Now()
	var expired []string
	b.deadlinesMu.Lock()
	for key, dl := range b.deadlines {
		if now.After(dl) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(b.deadlines, key)
	}
	b.deadlinesMu.Unlock()

	for _, key := range expired {
		b.deadlinesMu.Lock()
		kind := b.entryKind[key]
		topic := b.entryTopic[key]
		svc := b.entrySvc[key]
		delete(b.entryKind, key)
		delete(b.entryTopic, key)
		delete(b.entrySvc, key)
		b.deadlinesMu.Unlock()

		switch kind {
		case cmn.KindPublisher, cmn.KindSubscriber:
			b.gate.RemoveTopic(kind, topic)
		case cmn.KindServer, cmn.KindClient:
			b.gate.RemoveService(kind, svc)
		}
	}
}
