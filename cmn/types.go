// Package cmn holds the types, configuration, and helpers shared by
// every plane of the runtime: registration, transport, pub/sub, and
// service.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "fmt"

// EntityID uniquely identifies a publisher, subscriber, server, or
// client within a single (host, process). The numeric Seq is
// monotonically assigned per process and gives EntityID a total,
// lexicographic order; ShortID is a short, globally distinct string
// minted once per entity (see idgen.go) and used as a map/log key.
type EntityID struct {
	HostName  string
	ProcessID int32
	Seq       int64
	ShortID   string
}

func (e EntityID) String() string {
	return fmt.Sprintf("%s/%d/%d(%s)", e.HostName, e.ProcessID, e.Seq, e.ShortID)
}

// Less gives EntityID a total order on (HostName, ProcessID, Seq), the
// ordering TopicID relies on to stay sortable.
func (e EntityID) Less(o EntityID) bool {
	if e.HostName != o.HostName {
		return e.HostName < o.HostName
	}
	if e.ProcessID != o.ProcessID {
		return e.ProcessID < o.ProcessID
	}
	return e.Seq < o.Seq
}

func (e EntityID) Equal(o EntityID) bool {
	return e.HostName == o.HostName && e.ProcessID == o.ProcessID && e.Seq == o.Seq
}

// TopicID is the pair (EntityID, topic_name); equality and ordering are
// lexicographic on (entity_id, topic_name).
type TopicID struct {
	Entity EntityID
	Name   string
}

func (t TopicID) Less(o TopicID) bool {
	if !t.Entity.Equal(o.Entity) {
		return t.Entity.Less(o.Entity)
	}
	return t.Name < o.Name
}

func (t TopicID) Equal(o TopicID) bool {
	return t.Entity.Equal(o.Entity) && t.Name == o.Name
}

func (t TopicID) String() string { return fmt.Sprintf("%s/%s", t.Entity, t.Name) }

// ServiceID identifies a service server or client the same way TopicID
// identifies a publisher/subscriber.
type ServiceID struct {
	Entity EntityID
	Name   string
}

func (s ServiceID) String() string { return fmt.Sprintf("%s/%s", s.Entity, s.Name) }

// DataTypeInformation is freely comparable: (name, encoding, descriptor).
// encoding is an opaque tag ("proto", "capnp", "raw", ...); descriptor
// is an opaque, encoding-specific blob.
type DataTypeInformation struct {
	Name       string
	Encoding   string
	Descriptor []byte
}

func (d DataTypeInformation) Equal(o DataTypeInformation) bool {
	if d.Name != o.Name || d.Encoding != o.Encoding || len(d.Descriptor) != len(o.Descriptor) {
		return false
	}
	for i := range d.Descriptor {
		if d.Descriptor[i] != o.Descriptor[i] {
			return false
		}
	}
	return true
}

// TransportLayer is the kind tag for the three selectable transports.
type TransportLayer uint8

const (
	LayerSHM TransportLayer = iota
	LayerUDP
	LayerTCP
)

func (l TransportLayer) String() string {
	switch l {
	case LayerSHM:
		return "shm"
	case LayerUDP:
		return "udp"
	case LayerTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// LayerSet is a small fixed-size set of advertised/enabled transport
// layers — deliberately not a map, since the cardinality is always <= 3.
type LayerSet struct {
	bits uint8
}

func (s *LayerSet) Add(l TransportLayer)     { s.bits |= 1 << l }
func (s LayerSet) Has(l TransportLayer) bool { return s.bits&(1<<l) != 0 }
func (s LayerSet) Empty() bool               { return s.bits == 0 }

func (s LayerSet) Layers() []TransportLayer {
	out := make([]TransportLayer, 0, 3)
	for _, l := range [...]TransportLayer{LayerSHM, LayerUDP, LayerTCP} {
		if s.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// SampleCommand tags a registration Sample as a registration or an
// unregistration.
type SampleCommand uint8

const (
	CmdRegister SampleCommand = iota
	CmdUnregister
)

// EntityKind discriminates the four entity families carried by Sample.
type EntityKind uint8

const (
	KindPublisher EntityKind = iota
	KindSubscriber
	KindServer
	KindClient
)

func (k EntityKind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// MethodInformation describes one RPC method advertised by a server or
// invoked by a client.
type MethodInformation struct {
	Name         string
	RequestType  DataTypeInformation
	ResponseType DataTypeInformation
	CallCount    int64
}

// EntryCounters are the live traffic counters carried on
// Publisher/SubscriberEntry.
type EntryCounters struct {
	Bytes         int64
	DataClock     int64
	DataFrequency float64 // Hz, measured over inter-arrival times
	MessageDrops  int64
}

// PublisherEntry / SubscriberEntry describe one registered endpoint.
type PublisherEntry struct {
	Topic    TopicID
	Type     DataTypeInformation
	Layers   LayerSet
	Counters EntryCounters
}

type SubscriberEntry struct {
	Topic    TopicID
	Type     DataTypeInformation
	Layers   LayerSet
	Counters EntryCounters
}

// ServiceEntry / ClientEntry describe one registered endpoint; TCPPortV0/V1
// are the advertised ports for the two coexisting protocol versions
// (both ports are advertised and
// listened-on simultaneously).
type ServiceEntry struct {
	Service  ServiceID
	Methods  []MethodInformation
	TCPPortV0 int
	TCPPortV1 int
}

type ClientEntry struct {
	Service  ServiceID
	Methods  []MethodInformation
}

// Sample is a tagged registration record: exactly one of the Publisher/
// Subscriber/Server/Client fields is populated, selected by Kind.
type Sample struct {
	Kind       EntityKind
	Command    SampleCommand
	Publisher  *PublisherEntry
	Subscriber *SubscriberEntry
	Server     *ServiceEntry
	Client     *ClientEntry
}

// MonitoringSnapshot is the aggregate view returned by
// Runtime.GetMonitoring(): one topic/service id per currently known
// publisher, subscriber, server, and client.
type MonitoringSnapshot struct {
	Publishers  []TopicID
	Subscribers []TopicID
	Servers     []ServiceID
	Clients     []ServiceID
}

// PayloadFrame is the unit delivered to a subscriber, carried over any
// of the three transports.
type PayloadFrame struct {
	SenderEntity    EntityID
	DataClock       int64
	SendTimestampUs int64
	Size            int
	Bytes           []byte
}
