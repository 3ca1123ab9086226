package service

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
)

// Response is what a blocking or callback call resolves to.
type Response struct {
	State    cmn.CallState
	ErrorMsg string
	Bytes    []byte
}

// ResponseCallback is invoked once per instance for call_with_callback/
// call_with_callback_async.
type ResponseCallback func(Response)

// EventKind tags the three transitions a Client's event callbacks fire
// on, one per instance.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventTimeout
)

// Event is delivered to a Client's registered event callbacks.
type Event struct {
	Kind    EventKind
	Service cmn.ServiceID
}

// Instance is one client handle onto a single discovered server,
// holding its own persistent connection and request_id correlation
// table; it is the unit call_with_response/call_with_callback operate
// on, one per instance.
type Instance struct {
	log       *nlog.Logger
	met       *metrics.Registry
	service   cmn.ServiceID
	version   ProtocolVersion
	fireEvent func(Event)

	mu      sync.Mutex
	conn    net.Conn
	w       *bufio.Writer
	r       *bufio.Reader
	nextID  uint32
	pending map[string]chan responseFrame
	closed  bool
}

// dial opens a connection to addr, negotiating protocol version: try
// v1 first, fall back to v0 once if dialing the v1 port fails (there is
// no handshake exchange). onEvent is the owning Client's fan-out, fired
// with EventConnected as soon as the connection is established.
func dial(log *nlog.Logger, met *metrics.Registry, service cmn.ServiceID, addrV1, addrV0 string, onEvent func(Event)) (*Instance, error) {
	var conn net.Conn
	var version ProtocolVersion
	var err error

	if addrV1 != "" {
		conn, err = net.DialTimeout("tcp", addrV1, 2*time.Second)
		if err == nil {
			version = ProtocolV1
		}
	}
	if conn == nil {
		conn, err = net.DialTimeout("tcp", addrV0, 2*time.Second)
		if err != nil {
			return nil, cmn.NewTransportFatal(cmn.LayerTCP, "service-dial", err)
		}
		version = ProtocolV0
	}

	inst := &Instance{
		log:       log,
		met:       met,
		service:   service,
		version:   version,
		fireEvent: onEvent,
		conn:      conn,
		w:         bufio.NewWriter(conn),
		r:         bufio.NewReader(conn),
		pending:   make(map[string]chan responseFrame),
	}
	go inst.readLoop()
	inst.fire(Event{Kind: EventConnected, Service: service})
	return inst, nil
}

func (inst *Instance) fire(ev Event) {
	if inst.fireEvent != nil {
		inst.fireEvent(ev)
	}
}

func (inst *Instance) readLoop() {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(inst.r, lenBuf[:]); err != nil {
			inst.failAllPending()
			return
		}
		total := binary.BigEndian.Uint32(lenBuf[:])
		body, err := readFrameBody(inst.r, total)
		if err != nil {
			inst.failAllPending()
			return
		}
		resp, err := decodeResponse(body)
		if err != nil {
			inst.log.Warningf("service client: malformed response: %v", err)
			continue
		}
		key := inst.correlationKey(resp.RequestIDv0, resp.RequestIDv1)
		inst.mu.Lock()
		ch, ok := inst.pending[key]
		if ok {
			delete(inst.pending, key)
		}
		inst.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (inst *Instance) failAllPending() {
	inst.mu.Lock()
	alreadyClosed := inst.closed
	for k, ch := range inst.pending {
		close(ch)
		delete(inst.pending, k)
	}
	inst.closed = true
	inst.mu.Unlock()
	if !alreadyClosed {
		inst.fire(Event{Kind: EventDisconnected, Service: inst.service})
	}
}

func (inst *Instance) correlationKey(idv0 uint32, idv1 string) string {
	if inst.version == ProtocolV0 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], idv0)
		return string(b[:])
	}
	return idv1
}

// call sends req and blocks until a matching response arrives or
// timeout elapses. On timeout the request's pending entry is removed
// (the request is not cancelled on the wire); a late response then
// finds no pending entry in readLoop and is discarded.
func (inst *Instance) call(method string, body []byte, timeout time.Duration) Response {
	req := requestFrame{Version: inst.version, Method: method, Body: body}
	var key string
	if inst.version == ProtocolV0 {
		inst.mu.Lock()
		inst.nextID++
		req.RequestIDv0 = inst.nextID
		inst.mu.Unlock()
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], req.RequestIDv0)
		key = string(b[:])
	} else {
		req.RequestIDv1 = cmn.NewRequestID()
		key = req.RequestIDv1
	}

	ch := make(chan responseFrame, 1)
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return Response{State: cmn.CallFailed, ErrorMsg: "connection closed"}
	}
	inst.pending[key] = ch
	inst.mu.Unlock()

	inst.mu.Lock()
	_, werr := inst.w.Write(encodeRequest(req))
	if werr == nil {
		werr = inst.w.Flush()
	}
	inst.mu.Unlock()
	if werr != nil {
		inst.mu.Lock()
		delete(inst.pending, key)
		inst.mu.Unlock()
		return Response{State: cmn.CallFailed, ErrorMsg: werr.Error()}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{State: cmn.CallFailed, ErrorMsg: "connection closed"}
		}
		return Response{State: resp.State, ErrorMsg: resp.ErrorMsg, Bytes: resp.Body}
	case <-time.After(timeout):
		inst.mu.Lock()
		delete(inst.pending, key)
		inst.mu.Unlock()
		if inst.met != nil {
			inst.met.ServiceTimeouts.WithLabelValues(inst.service.Name, method).Inc()
		}
		inst.fire(Event{Kind: EventTimeout, Service: inst.service})
		return Response{State: cmn.CallTimeouted, ErrorMsg: "timeout"}
	}
}

func (inst *Instance) Close() error {
	inst.mu.Lock()
	inst.closed = true
	inst.mu.Unlock()
	return inst.conn.Close()
}

// CallWithResponse implements the per-instance call_with_response:
// blocks up to timeout_ms against this instance alone, distinct from
// Client.CallWithResponse's fan-out to every discovered instance.
func (inst *Instance) CallWithResponse(method string, request []byte, timeoutMs int) Response {
	return inst.call(method, request, time.Duration(timeoutMs)*time.Millisecond)
}

// CallWithCallback implements the per-instance call_with_callback:
// blocks until cb has run with this instance's result.
func (inst *Instance) CallWithCallback(method string, request []byte, timeoutMs int, cb ResponseCallback) {
	cb(inst.CallWithResponse(method, request, timeoutMs))
}

// CallWithCallbackAsync implements the per-instance
// call_with_callback_async: returns immediately, invoking cb on a
// goroutine once this instance's call completes or times out.
func (inst *Instance) CallWithCallbackAsync(method string, request []byte, timeoutMs int, cb ResponseCallback) {
	go cb(inst.CallWithResponse(method, request, timeoutMs))
}

// Client discovers server instances for one service_name via DescGate
// and dials a fresh Instance per discovered endpoint on every call
// (connection reuse is left to the embedding process; the core
// guarantees correctness of the call, not pooling policy).
type Client struct {
	log     *nlog.Logger
	met     *metrics.Registry
	gate    *descgate.Gate
	service string

	cbMu      sync.Mutex
	callbacks []func(Event)
}

func NewClient(log *nlog.Logger, met *metrics.Registry, gate *descgate.Gate, service string) *Client {
	return &Client{log: log, met: met, gate: gate, service: service}
}

// AddEventCallback registers fn to be invoked on every connected/
// disconnected/timeout transition observed on any instance this client
// dials, per spec's "service events ... emitted per instance."
func (c *Client) AddEventCallback(fn func(Event)) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.cbMu.Unlock()
}

func (c *Client) fire(ev Event) {
	c.cbMu.Lock()
	cbs := append([]func(Event)(nil), c.callbacks...)
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(ev)
	}
}

// GetClientInstances returns one Instance per currently discovered
// server advertising this service_name. Each returned Instance exposes
// its own CallWithResponse/CallWithCallback/CallWithCallbackAsync,
// distinct from the fan-out variants below.
func (c *Client) GetClientInstances() []*Instance {
	entries := c.gate.ServerEntries(c.service)
	out := make([]*Instance, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Entity.HostName
		addrV1 := ""
		if e.TCPPortV1 > 0 {
			addrV1 = net.JoinHostPort(host, strconv.Itoa(e.TCPPortV1))
		}
		addrV0 := net.JoinHostPort(host, strconv.Itoa(e.TCPPortV0))
		inst, err := dial(c.log, c.met, e.Service, addrV1, addrV0, c.fire)
		if err != nil {
			c.log.Warningf("service client: dial %s failed: %v", e.Service, err)
			continue
		}
		out = append(out, inst)
	}
	return out
}

// CallWithResponse implements `call_with_response`: blocks up to
// timeout_ms against every discovered instance and returns one
// Response per instance, in the same order as GetClientInstances.
func (c *Client) CallWithResponse(method string, request []byte, timeoutMs int) []Response {
	instances := c.GetClientInstances()
	out := make([]Response, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst *Instance) {
			defer wg.Done()
			defer inst.Close()
			out[i] = inst.CallWithResponse(method, request, timeoutMs)
		}(i, inst)
	}
	wg.Wait()
	return out
}

// CallWithCallback implements `call_with_callback`: blocks until every
// instance's callback has run (including timed-out instances, which
// still invoke cb with call_state=timeouted, per the v6.1 behavior
// change).
func (c *Client) CallWithCallback(method string, request []byte, timeoutMs int, cb ResponseCallback) {
	instances := c.GetClientInstances()
	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			defer inst.Close()
			resp := inst.CallWithResponse(method, request, timeoutMs)
			cb(resp)
		}(inst)
	}
	wg.Wait()
}

// CallWithCallbackAsync implements `call_with_callback_async`: returns
// immediately, invoking cb on a goroutine per instance as each
// response or timeout arrives.
func (c *Client) CallWithCallbackAsync(method string, request []byte, timeoutMs int, cb ResponseCallback) {
	instances := c.GetClientInstances()
	for _, inst := range instances {
		go func(inst *Instance) {
			defer inst.Close()
			resp := inst.CallWithResponse(method, request, timeoutMs)
			cb(resp)
		}(inst)
	}
}
