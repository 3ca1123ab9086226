// Package udp implements the UDP multicast transport:
// fragmentation under an MTU budget, per-(sender,topic,message) bounded
// reassembly with a deadline, and v1/v2 address derivation.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/transport"
)

const (
	fragHeaderSize = 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 // sender hash, topic hash, msgID, total, idx, count, size, offset, data_clock, send_ts, sender pid, sender seq
	defaultMTU     = 1400
)

// AddressFor derives the (group, port) a topic's UDP fragments travel
// on: v1 uses one fixed group with a per-topic port offset, v2 hashes
// the topic into a port range off the configured base.
func AddressFor(cfg cmn.UDPConfig, entity cmn.EntityID, topic string) (group string, port int) {
	switch cfg.MulticastConfigVersion {
	case cmn.MulticastV1:
		h := cmn.TopicHash(entity, topic)
		return cfg.Group, cfg.Port + int(h%1000)
	default: // v2
		h := cmn.TopicHash(entity, topic)
		return cfg.Group, cfg.Port + int(h%8192)
	}
}

type fragHeader struct {
	SenderHash      uint64
	TopicHash       uint64
	MessageID       uint32
	TotalSize       uint32
	FragIndex       uint32
	FragCount       uint32
	FragSize        uint32
	Offset          uint32
	DataClock       int64
	SendTimestampUs int64
	SenderProcessID int32
	SenderSeq       int64
}

func encodeFragHeader(h fragHeader, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], h.SenderHash)
	binary.LittleEndian.PutUint64(buf[8:], h.TopicHash)
	binary.LittleEndian.PutUint32(buf[16:], h.MessageID)
	binary.LittleEndian.PutUint32(buf[20:], h.TotalSize)
	binary.LittleEndian.PutUint32(buf[24:], h.FragIndex)
	binary.LittleEndian.PutUint32(buf[28:], h.FragCount)
	binary.LittleEndian.PutUint32(buf[32:], h.FragSize)
	binary.LittleEndian.PutUint32(buf[36:], h.Offset)
	binary.LittleEndian.PutUint64(buf[40:], uint64(h.DataClock))
	binary.LittleEndian.PutUint64(buf[48:], uint64(h.SendTimestampUs))
	binary.LittleEndian.PutUint32(buf[56:], uint32(h.SenderProcessID))
	binary.LittleEndian.PutUint64(buf[60:], uint64(h.SenderSeq))
}

func decodeFragHeader(buf []byte) fragHeader {
	return fragHeader{
		SenderHash:      binary.LittleEndian.Uint64(buf[0:]),
		TopicHash:       binary.LittleEndian.Uint64(buf[8:]),
		MessageID:       binary.LittleEndian.Uint32(buf[16:]),
		TotalSize:       binary.LittleEndian.Uint32(buf[20:]),
		FragIndex:       binary.LittleEndian.Uint32(buf[24:]),
		FragCount:       binary.LittleEndian.Uint32(buf[28:]),
		FragSize:        binary.LittleEndian.Uint32(buf[32:]),
		Offset:          binary.LittleEndian.Uint32(buf[36:]),
		DataClock:       int64(binary.LittleEndian.Uint64(buf[40:])),
		SendTimestampUs: int64(binary.LittleEndian.Uint64(buf[48:])),
		SenderProcessID: int32(binary.LittleEndian.Uint32(buf[56:])),
		SenderSeq:       int64(binary.LittleEndian.Uint64(buf[60:])),
	}
}

// Sender is the publisher-side UDP writer layer: it fragments each
// frame under the configured MTU and writes each fragment as its own
// datagram. Loss is expected and not recovered at this layer.
type Sender struct {
	conn      *net.UDPConn
	dst       *net.UDPAddr
	mtu       int
	processID int32
	seq       int64
	msgID     uint32
	topicHash uint64
	mu        sync.Mutex
}

func NewSender(cfg cmn.UDPConfig, entity cmn.EntityID, topic string, processID int32) (*Sender, error) {
	group, port := AddressFor(cfg, entity, topic)
	addr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerUDP, "dial", err)
	}
	if cfg.TTL > 0 {
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastTTL(cfg.TTL)
	}
	return &Sender{
		conn:      conn,
		dst:       addr,
		mtu:       defaultMTU,
		processID: processID,
		topicHash: cmn.TopicHash(entity, topic),
	}, nil
}

func (s *Sender) Kind() cmn.TransportLayer { return cmn.LayerUDP }

func (s *Sender) Connections() int { return 1 } // UDP is connectionless; "enabled" is all that matters

func (s *Sender) SendFrame(ctx context.Context, f transport.Frame) error {
	s.mu.Lock()
	s.seq++
	s.msgID++
	msgID := s.msgID
	seq := s.seq
	s.mu.Unlock()

	payload := f.Bytes
	fragPayload := s.mtu - fragHeaderSize
	if fragPayload <= 0 {
		fragPayload = 512
	}
	total := len(payload)
	count := (total + fragPayload - 1) / fragPayload
	if count == 0 {
		count = 1
	}
	senderHash := cmn.TopicHash(cmn.EntityID{ProcessID: s.processID, Seq: seq}, "")

	buf := make([]byte, fragHeaderSize+fragPayload)
	for i := 0; i < count; i++ {
		start := i * fragPayload
		end := start + fragPayload
		if end > total {
			end = total
		}
		chunk := payload[start:end]
		encodeFragHeader(fragHeader{
			SenderHash:      senderHash,
			TopicHash:       s.topicHash,
			MessageID:       msgID,
			TotalSize:       uint32(total),
			FragIndex:       uint32(i),
			FragCount:       uint32(count),
			FragSize:        uint32(len(chunk)),
			Offset:          uint32(start),
			DataClock:       f.DataClock,
			SendTimestampUs: f.SendTimestampUs,
			SenderProcessID: s.processID,
			SenderSeq:       seq,
		}, buf)
		copy(buf[fragHeaderSize:], chunk)
		if _, err := s.conn.Write(buf[:fragHeaderSize+len(chunk)]); err != nil {
			return cmn.Wrap(err, "udp send fragment")
		}
	}
	return nil
}

func (s *Sender) Close() error { return s.conn.Close() }

// pending is one in-flight reassembly for a (sender, topic, message)
// key.
type pending struct {
	total           int
	count           int
	got             int
	received        []bool
	buf             []byte
	deadline        time.Time
	dataClock       int64
	sendTimestampUs int64
	senderProcessID int32
	senderSeq       int64
}

// Receiver is the subscriber-side UDP reader layer: it listens on one
// multicast group/port and reassembles fragments per
// (sender,topic,message_id), dropping and counting timed-out partials.
type Receiver struct {
	log       *nlog.Logger
	conn      *net.UDPConn
	handler   transport.FrameHandler
	mu        sync.Mutex
	msgs      map[uint64]*pending
	timeout   time.Duration
	dropCount int64
	stopCh    chan struct{}
}

func NewReceiver(log *nlog.Logger, cfg cmn.UDPConfig, entity cmn.EntityID, topic string, iface *net.Interface) (*Receiver, error) {
	group, port := AddressFor(cfg, entity, topic)
	laddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", iface, laddr)
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerUDP, "listen-multicast", err)
	}
	if cfg.ReceiveBuffer > 0 {
		_ = conn.SetReadBuffer(cfg.ReceiveBuffer)
	}
	r := &Receiver{
		log:     log,
		conn:    conn,
		msgs:    make(map[uint64]*pending),
		timeout: time.Duration(cfg.ReassemblyTimeoutMs) * time.Millisecond,
		stopCh:  make(chan struct{}),
	}
	go r.readLoop()
	go r.sweepLoop()
	return r, nil
}

func (r *Receiver) Kind() cmn.TransportLayer { return cmn.LayerUDP }

func (r *Receiver) SetHandler(h transport.FrameHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Receiver) DropCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropCount
}

func pendingKey(senderHash, topicHash uint64, msgID uint32) uint64 {
	return senderHash ^ (topicHash * 1099511628211) ^ uint64(msgID)
}

func (r *Receiver) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if n < fragHeaderSize {
			continue
		}
		h := decodeFragHeader(buf[:fragHeaderSize])
		chunk := append([]byte(nil), buf[fragHeaderSize:n]...)
		r.assemble(h, chunk)
	}
}

func (r *Receiver) assemble(h fragHeader, chunk []byte) {
	key := pendingKey(h.SenderHash, h.TopicHash, h.MessageID)
	r.mu.Lock()
	p, ok := r.msgs[key]
	if !ok {
		p = &pending{
			total:           int(h.TotalSize),
			count:           int(h.FragCount),
			received:        make([]bool, h.FragCount),
			buf:             make([]byte, h.TotalSize),
			deadline:        time.Now().Add(r.timeout),
			dataClock:       h.DataClock,
			sendTimestampUs: h.SendTimestampUs,
			senderProcessID: h.SenderProcessID,
			senderSeq:       h.SenderSeq,
		}
		r.msgs[key] = p
	}
	if int(h.FragIndex) < len(p.received) && !p.received[h.FragIndex] {
		p.received[h.FragIndex] = true
		p.got++
		offset := int(h.Offset)
		if offset >= 0 && offset+len(chunk) <= len(p.buf) {
			copy(p.buf[offset:], chunk)
		}
	}
	complete := p.got >= p.count
	handler := r.handler
	var deliver []byte
	var done *pending
	if complete {
		deliver = p.buf
		done = p
		delete(r.msgs, key)
	}
	r.mu.Unlock()

	if complete && handler != nil {
		handler(transport.Frame{
			DataClock:       done.dataClock,
			SendTimestampUs: done.sendTimestampUs,
			SenderEntity:    cmn.EntityID{ProcessID: done.senderProcessID, Seq: done.senderSeq},
			Bytes:           deliver,
		})
	}
}

// sweepLoop drops reassembly state that has sat past its deadline,
// counting each in the Receiver's dropCount.
func (r *Receiver) sweepLoop() {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-t.C:
			r.mu.Lock()
			for k, p := range r.msgs {
				if now.After(p.deadline) {
					delete(r.msgs, k)
					r.dropCount++
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *Receiver) Close() error {
	close(r.stopCh)
	return r.conn.Close()
}
