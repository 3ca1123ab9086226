// Package ecal is the top-level entry point: a Runtime value owning
// one DescGate, one registration bus, one metrics registry, and the
// thread pool the service plane dispatches onto. The transports do not
// use a thread pool; they run on their own goroutines.
// Initialize/Finalize are a thin process-local wrapper around Runtime
// kept only for API compatibility with the embedding style the
// original global-init pattern expects.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ecal

import (
	"os"
	"sync"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/pubsub"
	"github.com/ecal-go/ecal/registration"
	"github.com/ecal-go/ecal/service"
	"github.com/ecal-go/ecal/threadpool"
	"github.com/ecal-go/ecal/transport"
	"github.com/ecal-go/ecal/transport/shm"
	"github.com/ecal-go/ecal/transport/tcp"
	"github.com/ecal-go/ecal/transport/udp"
)

// Runtime is the explicit, passed-by-reference replacement for what a
// singleton manager would have been: one Gate, one registration Bus,
// one metrics Registry, and the live publisher/subscriber/server/client
// tables used to answer the registration bus's LocalSource callback.
type Runtime struct {
	log       *nlog.Logger
	Metrics   *metrics.Registry
	Gate      *descgate.Gate
	cfg       cmn.Config
	processID int32

	bus       *registration.Bus
	svcPool   *threadpool.Pool

	mu          sync.Mutex
	publishers  map[cmn.TopicID]*pubEntry
	subscribers map[cmn.TopicID]*subEntry
	servers     map[cmn.ServiceID]*service.Server
	clients     map[cmn.ServiceID]*service.Client
}

type pubEntry struct {
	pub *pubsub.Publisher
	typ cmn.DataTypeInformation
}

type subEntry struct {
	sub *pubsub.Subscriber
	typ cmn.DataTypeInformation
}

// New constructs and starts a Runtime: validates cfg, opens the
// registration bus, and is ready to create publishers/subscribers/
// servers/clients.
func New(cfg cmn.Config, processName string) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := nlog.New(processName)
	met := metrics.New()
	gate := descgate.New(log, met)
	processID := int32(os.Getpid())

	r := &Runtime{
		log:         log,
		Metrics:     met,
		Gate:        gate,
		cfg:         cfg,
		processID:   processID,
		publishers:  make(map[cmn.TopicID]*pubEntry),
		subscribers: make(map[cmn.TopicID]*subEntry),
		servers:     make(map[cmn.ServiceID]*service.Server),
		clients:     make(map[cmn.ServiceID]*service.Client),
		svcPool:     threadpool.New("service", log, met, cfg.Service.ThreadPoolSize),
	}

	bus, err := registration.New(log, gate, cfg.Registration, cfg.UDP, processID, r.localSamples)
	if err != nil {
		return nil, err
	}
	r.bus = bus
	bus.Start()
	return r, nil
}

// localSamples is the registration bus's LocalSource: it walks the
// live publisher/subscriber/server/client tables and emits one Sample
// per entry, all publishers first, then subscribers, servers and
// clients. Within each kind the order is Go map iteration order, not
// creation order.
func (r *Runtime) localSamples() []*cmn.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*cmn.Sample, 0, len(r.publishers)+len(r.subscribers)+len(r.servers))
	for topic, e := range r.publishers {
		out = append(out, &cmn.Sample{
			Kind:    cmn.KindPublisher,
			Command: cmn.CmdRegister,
			Publisher: &cmn.PublisherEntry{
				Topic:    topic,
				Type:     e.typ,
				Layers:   e.pub.Layers(),
				Counters: e.pub.Counters(),
			},
		})
	}
	for topic, e := range r.subscribers {
		out = append(out, &cmn.Sample{
			Kind:    cmn.KindSubscriber,
			Command: cmn.CmdRegister,
			Subscriber: &cmn.SubscriberEntry{
				Topic:    topic,
				Type:     e.typ,
				Layers:   e.sub.Layers(),
				Counters: e.sub.Counters(),
			},
		})
	}
	for svcID, srv := range r.servers {
		out = append(out, &cmn.Sample{
			Kind:    cmn.KindServer,
			Command: cmn.CmdRegister,
			Server: &cmn.ServiceEntry{
				Service:   svcID,
				Methods:   srv.Methods(),
				TCPPortV0: srv.PortV0(),
				TCPPortV1: srv.PortV1(),
			},
		})
	}
	for svcID := range r.clients {
		out = append(out, &cmn.Sample{
			Kind:    cmn.KindClient,
			Command: cmn.CmdRegister,
			Client: &cmn.ClientEntry{
				Service: svcID,
			},
		})
	}
	return out
}

// CreatePublisher opens writer layers for every enabled transport
// (per cfg.Publisher) and registers the publisher locally, to be
// announced on the next registration refresh.
func (r *Runtime) CreatePublisher(topicName string, typ cmn.DataTypeInformation) (*pubsub.Publisher, error) {
	entity := cmn.NewEntityID(r.processID)
	topic := cmn.TopicID{Entity: entity, Name: topicName}

	writers := make(map[cmn.TransportLayer]transport.WriterLayer)
	if r.cfg.Publisher.Shm.Enable {
		ring, err := shm.NewRing(r.log, shm.Options{
			Domain:               "ecal_data",
			Topic:                topicName,
			BufferCount:          r.cfg.Publisher.Shm.MemfileBufferCount,
			MinSizeBytes:         r.cfg.Publisher.Shm.MemfileMinSizeBytes,
			ReservePercent:       r.cfg.Publisher.Shm.MemfileReservePercent,
			ZeroCopy:             r.cfg.Publisher.Shm.ZeroCopyMode,
			Acknowledged:         r.cfg.Publisher.Shm.AcknowledgeTimeoutMs > 0,
			AcknowledgeTimeoutMs: r.cfg.Publisher.Shm.AcknowledgeTimeoutMs,
		})
		if err != nil {
			r.log.Warningf("publisher %s: SHM layer unavailable: %v", topicName, err)
		} else {
			writers[cmn.LayerSHM] = shm.NewWriterLayer(ring, r.processID)
		}
	}
	if r.cfg.Publisher.LayerUdpEnable {
		sender, err := udp.NewSender(r.cfg.UDP, entity, topicName, r.processID)
		if err != nil {
			r.log.Warningf("publisher %s: UDP layer unavailable: %v", topicName, err)
		} else {
			writers[cmn.LayerUDP] = sender
		}
	}
	if r.cfg.Publisher.LayerTcpEnable {
		ln, err := tcp.Listen(r.log, ":0", r.processID, transport.Extra{})
		if err != nil {
			r.log.Warningf("publisher %s: TCP layer unavailable: %v", topicName, err)
		} else {
			writers[cmn.LayerTCP] = ln
		}
	}

	pub := pubsub.NewPublisher(r.log, r.Metrics, r.Gate, topic, typ, r.cfg.Publisher, writers)

	r.mu.Lock()
	r.publishers[topic] = &pubEntry{pub: pub, typ: typ}
	r.mu.Unlock()
	return pub, nil
}

// CreateSubscriber attaches an SHM reader and a UDP reader when the
// subscriber config enables them, and registers the subscriber
// locally. No TCP reader is attached; cfg.Subscriber.LayerTcpEnable is
// not read here.
func (r *Runtime) CreateSubscriber(topic cmn.TopicID, typ cmn.DataTypeInformation) (*pubsub.Subscriber, error) {
	var readers []transport.ReaderLayer
	if r.cfg.Subscriber.LayerShmEnable {
		reader := shm.NewReaderLayer(r.log, "ecal_data", topic.Name, false)
		if err := reader.Attach(1); err != nil {
			r.log.Warningf("subscriber %s: SHM layer unavailable: %v", topic, err)
		} else {
			readers = append(readers, reader)
		}
	}
	if r.cfg.Subscriber.LayerUdpEnable {
		recv, err := udp.NewReceiver(r.log, r.cfg.UDP, topic.Entity, topic.Name, nil)
		if err != nil {
			r.log.Warningf("subscriber %s: UDP layer unavailable: %v", topic, err)
		} else {
			readers = append(readers, recv)
		}
	}

	sub := pubsub.NewSubscriber(r.log, r.Metrics, r.Gate, topic, typ, r.cfg.Subscriber, readers)

	r.mu.Lock()
	r.subscribers[topic] = &subEntry{sub: sub, typ: typ}
	r.mu.Unlock()
	return sub, nil
}

// CreateServer opens a service.Server on ephemeral ports and registers
// it under serviceName, to be announced on the next refresh.
func (r *Runtime) CreateServer(serviceName string) (*service.Server, error) {
	srv, err := service.Listen(r.log, r.Metrics, serviceName, r.svcPool)
	if err != nil {
		return nil, err
	}
	entity := cmn.NewEntityID(r.processID)
	svcID := cmn.ServiceID{Entity: entity, Name: serviceName}

	r.mu.Lock()
	r.servers[svcID] = srv
	r.mu.Unlock()
	return srv, nil
}

// NewServiceClient returns a client handle that discovers and calls
// every server currently advertising serviceName, and registers the
// client itself so it becomes visible to GetMonitoring and to other
// processes' registries on the next refresh.
func (r *Runtime) NewServiceClient(serviceName string) *service.Client {
	cli := service.NewClient(r.log, r.Metrics, r.Gate, serviceName)

	entity := cmn.NewEntityID(r.processID)
	svcID := cmn.ServiceID{Entity: entity, Name: serviceName}

	r.mu.Lock()
	r.clients[svcID] = cli
	r.mu.Unlock()
	return cli
}

// GetMonitoring returns a snapshot of every publisher, subscriber,
// server, and client currently known to this process's DescGate
// (local and remote, as discovered via the registration bus). It
// returns ErrMonitoringNotAvailable if cfg.MonitoringEnabled is false.
func (r *Runtime) GetMonitoring() (cmn.MonitoringSnapshot, error) {
	if !r.cfg.MonitoringEnabled {
		return cmn.MonitoringSnapshot{}, cmn.ErrMonitoringNotAvailable
	}
	return cmn.MonitoringSnapshot{
		Publishers:  r.Gate.QueryPublishers(),
		Subscribers: r.Gate.QuerySubscribers(),
		Servers:     r.Gate.QueryServers(),
		Clients:     r.Gate.QueryClients(),
	}, nil
}

// Finalize stops the registration bus, closes every live publisher/
// subscriber/server, and drains the service thread pool.
func (r *Runtime) Finalize() error {
	r.bus.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.publishers {
		_ = e.pub.Close()
	}
	for _, e := range r.subscribers {
		_ = e.sub.Close()
	}
	for _, srv := range r.servers {
		_ = srv.Close()
	}
	r.clients = make(map[cmn.ServiceID]*service.Client)
	r.svcPool.Shutdown()
	return r.svcPool.Join()
}

var (
	cellMu sync.Mutex
	cell   *Runtime
)

// Initialize constructs a Runtime from cfg and stores it in a
// process-local cell, for callers that prefer a global-init entry
// point over holding a Runtime value directly. Double-initialization
// without an intervening Finalize is a LifecycleError, not a crash.
func Initialize(cfg cmn.Config, processName string) error {
	cellMu.Lock()
	defer cellMu.Unlock()
	if cell != nil {
		return cmn.ErrAlreadyInitialized
	}
	rt, err := New(cfg, processName)
	if err != nil {
		return err
	}
	cell = rt
	return nil
}

// Finalize tears down the process-local Runtime created by Initialize.
func Finalize() error {
	cellMu.Lock()
	defer cellMu.Unlock()
	if cell == nil {
		return cmn.ErrNotInitialized
	}
	err := cell.Finalize()
	cell = nil
	return err
}

// Instance returns the process-local Runtime, or nil if Initialize has
// not been called.
func Instance() *Runtime {
	cellMu.Lock()
	defer cellMu.Unlock()
	return cell
}
