package service

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/threadpool"
)

// MethodCallback handles one RPC invocation's request bytes and
// returns either response bytes, or a non-nil error to report as
// call_state=failed.
type MethodCallback func(request []byte) ([]byte, error)

// Server listens on one TCP port per advertised protocol version and
// dispatches every accepted request to a method callback via the
// shared thread pool; there is no per-method queueing, only the pool's
// overall worker bound.
type Server struct {
	log  *nlog.Logger
	met  *metrics.Registry
	name string
	pool *threadpool.Pool

	lnV0 net.Listener
	lnV1 net.Listener

	mu      sync.RWMutex
	methods map[string]MethodCallback
	infos   map[string]cmn.MethodInformation
}

// Listen opens listeners for both protocol versions (v0 and v1 are
// always advertised together) on ephemeral ports.
func Listen(log *nlog.Logger, met *metrics.Registry, name string, pool *threadpool.Pool) (*Server, error) {
	lnV0, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, cmn.NewTransportFatal(cmn.LayerTCP, "service-listen-v0", err)
	}
	lnV1, err := net.Listen("tcp", ":0")
	if err != nil {
		lnV0.Close()
		return nil, cmn.NewTransportFatal(cmn.LayerTCP, "service-listen-v1", err)
	}
	s := &Server{
		log:     log,
		met:     met,
		name:    name,
		pool:    pool,
		lnV0:    lnV0,
		lnV1:    lnV1,
		methods: make(map[string]MethodCallback),
		infos:   make(map[string]cmn.MethodInformation),
	}
	go s.acceptLoop(lnV0, ProtocolV0)
	go s.acceptLoop(lnV1, ProtocolV1)
	return s, nil
}

// PortV0 / PortV1 are the advertised TCP ports, stored on the
// registration ServiceEntry.
func (s *Server) PortV0() int { return s.lnV0.Addr().(*net.TCPAddr).Port }
func (s *Server) PortV1() int { return s.lnV1.Addr().(*net.TCPAddr).Port }

// SetMethodCallback registers fn under info.Name, replacing any prior
// registration for that name.
func (s *Server) SetMethodCallback(info cmn.MethodInformation, fn MethodCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[info.Name] = fn
	s.infos[info.Name] = info
}

// RemoveMethodCallback unregisters a method by name.
func (s *Server) RemoveMethodCallback(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.methods, name)
	delete(s.infos, name)
}

// Methods returns a snapshot of every registered method's
// MethodInformation, used to populate the ServiceEntry registration
// sample.
func (s *Server) Methods() []cmn.MethodInformation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cmn.MethodInformation, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener, version ProtocolVersion) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn, version)
	}
}

func (s *Server) serveConn(conn net.Conn, version ProtocolVersion) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	var writeMu sync.Mutex

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		total := binary.BigEndian.Uint32(lenBuf[:])
		body, err := readFrameBody(r, total)
		if err != nil {
			return
		}
		req, err := decodeRequest(body)
		if err != nil {
			s.log.Warningf("service %s: malformed request: %v", s.name, err)
			continue
		}

		s.pool.Post(func() {
			resp := s.dispatch(req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if _, err := w.Write(encodeResponse(resp)); err != nil {
				return
			}
			_ = w.Flush()
		})
	}
}

func (s *Server) dispatch(req requestFrame) responseFrame {
	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()

	resp := responseFrame{Version: req.Version, RequestIDv0: req.RequestIDv0, RequestIDv1: req.RequestIDv1}
	if !ok {
		resp.State = cmn.CallFailed
		resp.ErrorMsg = "unknown method: " + req.Method
		s.countCall(req.Method, cmn.CallFailed)
		return resp
	}

	body, err := fn(req.Body)
	if err != nil {
		resp.State = cmn.CallFailed
		resp.ErrorMsg = err.Error()
		s.countCall(req.Method, cmn.CallFailed)
		return resp
	}
	resp.State = cmn.CallExecuted
	resp.Body = body
	s.countCall(req.Method, cmn.CallExecuted)
	return resp
}

func (s *Server) countCall(method string, state cmn.CallState) {
	if s.met == nil {
		return
	}
	s.met.ServiceCalls.WithLabelValues(s.name, method, state.String()).Inc()
}

func (s *Server) Close() error {
	err0 := s.lnV0.Close()
	err1 := s.lnV1.Close()
	if err0 != nil {
		return err0
	}
	return err1
}
