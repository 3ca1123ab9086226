// Package tcp implements the TCP transport: one
// listener per publisher, length-prefixed framed streaming fanned out
// to every open subscriber session, and automatic subscriber-side
// reconnection.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/transport"
)

const frameHeaderSize = 8 + 8 + 4 + 8 + 4 // DataClock, SendTimestampUs, SenderProcessID, SenderSeq, RawSize

// handshake bytes sent once by the publisher right after accept, so a
// mid-stream subscriber connecting to a publisher that has compression
// turned on is never corrupted by misinterpreting compressed bytes as
// raw ones.
const (
	handshakeRaw        byte = 'N'
	handshakeCompressed byte = 'C'
)

// rawSize is the uncompressed payload length, carried so the subscriber
// side never has to guess a decompression buffer size: it is the exact
// byte count, not a hint, whether or not this frame is compressed.
func putFrameHeader(buf []byte, dataClock, sendTs int64, processID int32, seq int64, rawSize uint32) {
	binary.BigEndian.PutUint64(buf[0:], uint64(dataClock))
	binary.BigEndian.PutUint64(buf[8:], uint64(sendTs))
	binary.BigEndian.PutUint32(buf[16:], uint32(processID))
	binary.BigEndian.PutUint64(buf[20:], uint64(seq))
	binary.BigEndian.PutUint32(buf[28:], rawSize)
}

func getFrameHeader(buf []byte) (dataClock, sendTs int64, processID int32, seq int64, rawSize uint32) {
	dataClock = int64(binary.BigEndian.Uint64(buf[0:]))
	sendTs = int64(binary.BigEndian.Uint64(buf[8:]))
	processID = int32(binary.BigEndian.Uint32(buf[16:]))
	seq = int64(binary.BigEndian.Uint64(buf[20:]))
	rawSize = binary.BigEndian.Uint32(buf[28:])
	return
}

// Listener is the publisher-side TCP writer layer: it accepts
// subscriber sessions and fans every SendFrame out to all of them.
type Listener struct {
	log        *nlog.Logger
	ln         net.Listener
	processID  int32
	seq        int64
	compressed bool

	mu       sync.Mutex
	sessions map[net.Conn]*bufio.Writer
}

// Listen opens a TCP listener on addr (":0" picks an ephemeral port,
// the usual eCAL pattern of advertising the chosen port through the
// registration sample).
func Listen(log *nlog.Logger, addr string, processID int32, extra transport.Extra) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerTCP, "listen", err)
	}
	l := &Listener{
		log:        log,
		ln:         ln,
		processID:  processID,
		compressed: extra.Compressed(),
		sessions:   make(map[net.Conn]*bufio.Writer),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *Listener) Kind() cmn.TransportLayer { return cmn.LayerTCP }

func (l *Listener) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		flag := handshakeRaw
		if l.compressed {
			flag = handshakeCompressed
		}
		if _, err := conn.Write([]byte{flag}); err != nil {
			conn.Close()
			continue
		}
		l.mu.Lock()
		l.sessions[conn] = bufio.NewWriter(conn)
		l.mu.Unlock()
		go l.drainUntilClosed(conn)
	}
}

// drainUntilClosed blocks reading from conn (subscribers never send
// application data on this session, only TCP-level EOF/RST) so the
// listener notices disconnects promptly and removes the session.
func (l *Listener) drainUntilClosed(conn net.Conn) {
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			l.mu.Lock()
			delete(l.sessions, conn)
			l.mu.Unlock()
			conn.Close()
			return
		}
	}
}

func (l *Listener) SendFrame(ctx context.Context, f transport.Frame) error {
	l.seq++
	seq := l.seq

	payload := f.Bytes
	rawSize := uint32(len(payload))
	if l.compressed {
		compressed, err := compress(payload)
		if err == nil {
			payload = compressed
		}
	}

	hdr := make([]byte, frameHeaderSize)
	putFrameHeader(hdr, f.DataClock, f.SendTimestampUs, l.processID, seq, rawSize)
	total := uint32(len(hdr) + len(payload))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], total)

	l.mu.Lock()
	defer l.mu.Unlock()
	for conn, w := range l.sessions {
		if _, err := w.Write(lenBuf[:]); err != nil {
			delete(l.sessions, conn)
			continue
		}
		if _, err := w.Write(hdr); err != nil {
			delete(l.sessions, conn)
			continue
		}
		if _, err := w.Write(payload); err != nil {
			delete(l.sessions, conn)
			continue
		}
		_ = w.Flush()
	}
	return nil
}

func (l *Listener) Close() error {
	l.mu.Lock()
	for conn := range l.sessions {
		conn.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}

func compress(src []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(src, dst, ht[:])
	if err != nil {
		return nil, err
	}
	if n == 0 { // incompressible: lz4 reports 0 when it declines to compress
		return src, nil
	}
	return dst[:n], nil
}

func decompress(src []byte, hint int) ([]byte, error) {
	dst := make([]byte, hint)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// Session is the subscriber-side TCP reader layer: one persistent
// connection to a publisher's Listener, with automatic reconnection
// bounded by maxReconnections (negative = infinite).
type Session struct {
	log              *nlog.Logger
	addr             string
	maxReconnections int
	handler          transport.FrameHandler

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func Dial(log *nlog.Logger, addr string, maxReconnections int) *Session {
	s := &Session{log: log, addr: addr, maxReconnections: maxReconnections, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) Kind() cmn.TransportLayer { return cmn.LayerTCP }

func (s *Session) SetHandler(h transport.FrameHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) run() {
	defer s.wg.Done()
	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", s.addr, 2*time.Second)
		if err != nil {
			attempts++
			if s.maxReconnections >= 0 && attempts > s.maxReconnections {
				s.log.Errorf("tcp session to %s giving up after %d attempts", s.addr, attempts)
				return
			}
			time.Sleep(backoff(attempts))
			continue
		}
		attempts = 0
		s.serve(conn)
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 100 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (s *Session) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	flag, err := r.ReadByte()
	if err != nil {
		return
	}
	compressed := flag == handshakeCompressed

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		total := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, total)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		if int(total) < frameHeaderSize {
			continue
		}
		dataClock, sendTs, processID, seq, rawSize := getFrameHeader(body[:frameHeaderSize])
		payload := body[frameHeaderSize:]
		if compressed {
			d, err := decompress(payload, int(rawSize))
			if err != nil {
				s.log.Warningf("tcp session %s: dropping frame, decompress failed: %v", s.addr, err)
				continue
			}
			payload = d
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(transport.Frame{
				DataClock:       dataClock,
				SendTimestampUs: sendTs,
				SenderEntity:    cmn.EntityID{ProcessID: processID, Seq: seq},
				Bytes:           payload,
			})
		}
	}
}

func (s *Session) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}
