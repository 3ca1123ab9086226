package service

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
	"github.com/ecal-go/ecal/descgate"
	"github.com/ecal-go/ecal/threadpool"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := nlog.New("service-test")
	met := metrics.New()
	pool := threadpool.New("service-test", log, met, 4)
	srv, err := Listen(log, met, "echo-svc", pool)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dialLocal(t *testing.T, srv *Server, version ProtocolVersion) *Instance {
	t.Helper()
	log := nlog.New("service-test")
	met := metrics.New()
	addrV0 := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.PortV0()))
	addrV1 := net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.PortV1()))
	if version == ProtocolV0 {
		addrV1 = ""
	}
	inst, err := dial(log, met, cmn.ServiceID{Name: "echo-svc"}, addrV1, addrV0, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { inst.Close() })
	return inst
}

func TestCallWithResponseV1Executes(t *testing.T) {
	srv := newTestServer(t)
	srv.SetMethodCallback(cmn.MethodInformation{Name: "echo"}, func(req []byte) ([]byte, error) {
		out := make([]byte, len(req))
		copy(out, req)
		return out, nil
	})

	inst := dialLocal(t, srv, ProtocolV1)
	resp := inst.CallWithResponse("echo", []byte("stressed"), 2000)
	if resp.State != cmn.CallExecuted {
		t.Fatalf("expected executed, got %v (%s)", resp.State, resp.ErrorMsg)
	}
	if string(resp.Bytes) != "stressed" {
		t.Fatalf("expected echoed body, got %q", resp.Bytes)
	}
}

func TestCallWithResponseV0Fallback(t *testing.T) {
	srv := newTestServer(t)
	srv.SetMethodCallback(cmn.MethodInformation{Name: "echo"}, func(req []byte) ([]byte, error) {
		return req, nil
	})

	inst := dialLocal(t, srv, ProtocolV0)
	if inst.version != ProtocolV0 {
		t.Fatalf("expected v0 negotiated, got %v", inst.version)
	}
	resp := inst.CallWithResponse("echo", []byte("ping"), 2000)
	if resp.State != cmn.CallExecuted || string(resp.Bytes) != "ping" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCallUnknownMethodFails(t *testing.T) {
	srv := newTestServer(t)
	inst := dialLocal(t, srv, ProtocolV1)

	resp := inst.CallWithResponse("does_not_exist", nil, 2000)
	if resp.State != cmn.CallFailed {
		t.Fatalf("expected failed call state for unknown method, got %v", resp.State)
	}
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	srv.SetMethodCallback(cmn.MethodInformation{Name: "slow"}, func(req []byte) ([]byte, error) {
		<-release
		return req, nil
	})

	inst := dialLocal(t, srv, ProtocolV1)
	resp := inst.CallWithResponse("slow", []byte("x"), 100)
	if resp.State != cmn.CallTimeouted {
		t.Fatalf("expected timeouted, got %v", resp.State)
	}

	close(release)
	time.Sleep(200 * time.Millisecond)

	inst.mu.Lock()
	pending := len(inst.pending)
	inst.mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no pending requests after the late response was discarded, got %d", pending)
	}
}

func TestClientEventCallbackFiresConnectedAndTimeout(t *testing.T) {
	srv := newTestServer(t)
	release := make(chan struct{})
	defer close(release)
	srv.SetMethodCallback(cmn.MethodInformation{Name: "slow"}, func(req []byte) ([]byte, error) {
		<-release
		return req, nil
	})

	log := nlog.New("service-test")
	met := metrics.New()
	gate := descgate.New(log, met)
	entity := cmn.EntityID{HostName: "127.0.0.1", ProcessID: 1, Seq: 1}
	gate.ApplySample(&cmn.Sample{
		Kind:    cmn.KindServer,
		Command: cmn.CmdRegister,
		Server: &cmn.ServiceEntry{
			Service:   cmn.ServiceID{Entity: entity, Name: "echo-svc"},
			TCPPortV0: srv.PortV0(),
			TCPPortV1: srv.PortV1(),
		},
	}, cmn.LayerUDP)
	client := NewClient(log, met, gate, "echo-svc")

	events := make(chan Event, 8)
	client.AddEventCallback(func(ev Event) { events <- ev })

	client.CallWithResponse("slow", []byte("x"), 100)

	var gotConnected, gotTimeout bool
	deadline := time.After(time.Second)
	for !gotConnected || !gotTimeout {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventConnected:
				gotConnected = true
			case EventTimeout:
				gotTimeout = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, connected=%v timeout=%v", gotConnected, gotTimeout)
		}
	}
}

func TestInstanceCallWithResponseIsPerInstance(t *testing.T) {
	srv := newTestServer(t)
	srv.SetMethodCallback(cmn.MethodInformation{Name: "echo"}, func(req []byte) ([]byte, error) {
		return req, nil
	})

	log := nlog.New("service-test")
	met := metrics.New()
	gate := descgate.New(log, met)
	entity := cmn.EntityID{HostName: "127.0.0.1", ProcessID: 1, Seq: 1}
	gate.ApplySample(&cmn.Sample{
		Kind:    cmn.KindServer,
		Command: cmn.CmdRegister,
		Server: &cmn.ServiceEntry{
			Service:   cmn.ServiceID{Entity: entity, Name: "echo-svc"},
			TCPPortV0: srv.PortV0(),
			TCPPortV1: srv.PortV1(),
		},
	}, cmn.LayerUDP)
	client := NewClient(log, met, gate, "echo-svc")

	instances := client.GetClientInstances()
	if len(instances) != 1 {
		t.Fatalf("expected 1 discovered instance, got %d", len(instances))
	}
	defer instances[0].Close()

	resp := instances[0].CallWithResponse("echo", []byte("direct"), 2000)
	if resp.State != cmn.CallExecuted || string(resp.Bytes) != "direct" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientCallWithResponseDiscoversServers(t *testing.T) {
	srv := newTestServer(t)
	srv.SetMethodCallback(cmn.MethodInformation{Name: "echo"}, func(req []byte) ([]byte, error) {
		return req, nil
	})

	log := nlog.New("service-test")
	met := metrics.New()
	gate := descgate.New(log, met)
	entity := cmn.EntityID{HostName: "127.0.0.1", ProcessID: 1, Seq: 1}
	gate.ApplySample(&cmn.Sample{
		Kind:    cmn.KindServer,
		Command: cmn.CmdRegister,
		Server: &cmn.ServiceEntry{
			Service:   cmn.ServiceID{Entity: entity, Name: "echo-svc"},
			TCPPortV0: srv.PortV0(),
			TCPPortV1: srv.PortV1(),
		},
	}, cmn.LayerUDP)
	client := NewClient(log, met, gate, "echo-svc")

	responses := client.CallWithResponse("echo", []byte("hi"), 2000)
	if len(responses) != 1 {
		t.Fatalf("expected 1 discovered instance, got %d", len(responses))
	}
	if responses[0].State != cmn.CallExecuted || string(responses[0].Bytes) != "hi" {
		t.Fatalf("unexpected response: %+v", responses[0])
	}
}
