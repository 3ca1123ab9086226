package cmn

import (
	"strconv"

	"github.com/OneOfOne/xxhash"
)

// TopicHash is the 64-bit digest carried in every UDP fragment header
// so a receiver can group fragments without re-parsing
// the topic name on every packet, and so per-topic multicast addresses
// can be derived deterministically under multicast_config_version=v2.
func TopicHash(entity EntityID, topic string) uint64 {
	return xxhash.Checksum64(entityTopicBytes(entity, topic))
}

func entityTopicBytes(entity EntityID, topic string) []byte {
	buf := make([]byte, 0, len(entity.HostName)+len(topic)+24)
	buf = append(buf, entity.HostName...)
	buf = strconv.AppendInt(buf, int64(entity.ProcessID), 10)
	buf = strconv.AppendInt(buf, entity.Seq, 10)
	buf = append(buf, topic...)
	return buf
}

// SampleDigest hashes the structurally-significant fields of a Sample
// for DescGate's reapply-is-a-noop fast path: two samples that would
// leave an entry unchanged must hash identically. Collisions only cost
// a fallthrough to the authoritative field compare, never a missed
// update.
func SampleDigest(s *Sample) uint64 {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(s.Kind), byte(s.Command))
	switch s.Kind {
	case KindPublisher:
		buf = appendPub(buf, s.Publisher)
	case KindSubscriber:
		buf = appendSub(buf, s.Subscriber)
	case KindServer:
		buf = appendSrv(buf, s.Server)
	case KindClient:
		buf = appendCli(buf, s.Client)
	}
	return xxhash.Checksum64(buf)
}

func appendEntity(buf []byte, e EntityID) []byte {
	buf = append(buf, e.HostName...)
	buf = strconv.AppendInt(buf, int64(e.ProcessID), 10)
	buf = strconv.AppendInt(buf, e.Seq, 10)
	return buf
}

func appendType(buf []byte, t DataTypeInformation) []byte {
	buf = append(buf, t.Name...)
	buf = append(buf, t.Encoding...)
	buf = append(buf, t.Descriptor...)
	return buf
}

func appendPub(buf []byte, p *PublisherEntry) []byte {
	if p == nil {
		return buf
	}
	buf = appendEntity(buf, p.Topic.Entity)
	buf = append(buf, p.Topic.Name...)
	buf = appendType(buf, p.Type)
	buf = append(buf, p.Layers.bits)
	return buf
}

func appendSub(buf []byte, s *SubscriberEntry) []byte {
	if s == nil {
		return buf
	}
	buf = appendEntity(buf, s.Topic.Entity)
	buf = append(buf, s.Topic.Name...)
	buf = appendType(buf, s.Type)
	buf = append(buf, s.Layers.bits)
	return buf
}

func appendSrv(buf []byte, s *ServiceEntry) []byte {
	if s == nil {
		return buf
	}
	buf = appendEntity(buf, s.Service.Entity)
	buf = append(buf, s.Service.Name...)
	for _, m := range s.Methods {
		buf = append(buf, m.Name...)
	}
	return buf
}

func appendCli(buf []byte, c *ClientEntry) []byte {
	if c == nil {
		return buf
	}
	buf = appendEntity(buf, c.Service.Entity)
	buf = append(buf, c.Service.Name...)
	return buf
}
