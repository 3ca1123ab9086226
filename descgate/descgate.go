// Package descgate implements the process-local descriptor registry
// (DescGate): the authoritative view of every publisher,
// subscriber, server, and client currently known to this process,
// whether local or discovered remotely through the registration bus.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package descgate

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/ecal-go/ecal/cmn"
	"github.com/ecal-go/ecal/cmn/metrics"
	"github.com/ecal-go/ecal/cmn/nlog"
)

// slowCallbackTimeout bounds how long fire() waits on one event
// callback before marking it slow and moving on; it matches the
// default registration refresh cadence (cmn.DefaultConfig().
// Registration.RegistrationRefreshMs), the period within which a
// well-behaved callback is expected to return.
const slowCallbackTimeout = time.Second

// EventKind tags the two transitions event callbacks fire on.
type EventKind uint8

const (
	EventNewEntity EventKind = iota
	EventDeletedEntity
)

// Event is delivered to a subscribed callback on every new_entity /
// deleted_entity transition.
type Event struct {
	Kind   EventKind
	Entity cmn.EntityID
	Sample *cmn.Sample
}

type callback struct {
	token   uint64
	fn      func(Event)
	dropped int32 // set to 1 once this callback has been observed blocking past refresh
}

// Token identifies a registered callback so it can be removed.
type Token uint64

type pubEntry struct {
	entry  cmn.PublisherEntry
	digest uint64
}

type subEntry struct {
	entry  cmn.SubscriberEntry
	digest uint64
}

type srvEntry struct {
	entry  cmn.ServiceEntry
	digest uint64
}

type cliEntry struct {
	entry  cmn.ClientEntry
	digest uint64
}

// Gate is the DescGate: reader-preferred RW lock guarding four maps
// (publishers, subscribers, servers, clients), plus a bounded
// membership filter used to make identical-sample reapplication a
// fast, allocation-free no-op.
type Gate struct {
	log *nlog.Logger
	met *metrics.Registry

	mu   sync.RWMutex
	pubs map[cmn.TopicID]*pubEntry
	subs map[cmn.TopicID]*subEntry
	srvs map[cmn.ServiceID]*srvEntry
	clis map[cmn.ServiceID]*cliEntry

	// seen is a probabilistic recently-applied-unchanged set: a hit
	// means "probably already applied with this exact digest", a miss
	// means "definitely not" -- the compare-and-swap against the
	// authoritative map below is what actually decides whether to skip
	// the update, so false positives only cost an extra map lookup,
	// never an incorrect skip.
	seenMu sync.Mutex
	seen   *cuckoo.Filter

	cbMu      sync.Mutex
	callbacks map[EventKind][]*callback
	nextToken uint64
}

func New(log *nlog.Logger, met *metrics.Registry) *Gate {
	return &Gate{
		log:       log,
		met:       met,
		pubs:      make(map[cmn.TopicID]*pubEntry),
		subs:      make(map[cmn.TopicID]*subEntry),
		srvs:      make(map[cmn.ServiceID]*srvEntry),
		clis:      make(map[cmn.ServiceID]*cliEntry),
		seen:      cuckoo.NewFilter(1 << 14),
		callbacks: make(map[EventKind][]*callback),
	}
}

func digestKey(d uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], d)
	return b[:]
}

// ApplySample inserts, updates, or removes an entry.
// Re-applying a structurally identical sample is a no-op: no
// allocation, no write-lock hold for longer than the filter probe, and
// no event callback firing. transportHint names the plane that
// delivered this sample; ApplySample does not use or log it.
func (g *Gate) ApplySample(s *cmn.Sample, transportHint cmn.TransportLayer) {
	if s == nil {
		g.log.Warningf("discarding nil sample")
		return
	}
	digest := cmn.SampleDigest(s)

	if s.Command == cmn.CmdRegister {
		g.seenMu.Lock()
		hit := g.seen.Lookup(digestKey(digest))
		g.seenMu.Unlock()
		if hit && g.unchanged(s, digest) {
			return // fast path: measurably cheaper than a cold insert
		}
	}

	changed, entity, deleted := g.applyLocked(s, digest)
	if !changed {
		return
	}

	g.seenMu.Lock()
	g.seen.InsertUnique(digestKey(digest))
	g.seenMu.Unlock()

	kind := EventNewEntity
	if deleted {
		kind = EventDeletedEntity
	}
	g.fire(Event{Kind: kind, Entity: entity, Sample: s})
}

// unchanged reports whether applying s would leave the registry
// unchanged, used only to validate a cuckoo-filter hit before trusting
// the fast path (the filter itself can false-positive).
func (g *Gate) unchanged(s *cmn.Sample, digest uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch s.Kind {
	case cmn.KindPublisher:
		e, ok := g.pubs[s.Publisher.Topic]
		return ok && e.digest == digest
	case cmn.KindSubscriber:
		e, ok := g.subs[s.Subscriber.Topic]
		return ok && e.digest == digest
	case cmn.KindServer:
		e, ok := g.srvs[s.Server.Service]
		return ok && e.digest == digest
	case cmn.KindClient:
		e, ok := g.clis[s.Client.Service]
		return ok && e.digest == digest
	}
	return false
}

// applyLocked performs the actual mutation under the write lock and
// reports whether anything changed, along with the entity id affected
// and whether the change was a removal.
func (g *Gate) applyLocked(s *cmn.Sample, digest uint64) (changed bool, entity cmn.EntityID, deleted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch s.Kind {
	case cmn.KindPublisher:
		if s.Publisher == nil {
			return false, cmn.EntityID{}, false
		}
		key := s.Publisher.Topic
		entity = key.Entity
		if s.Command == cmn.CmdUnregister {
			if _, ok := g.pubs[key]; !ok {
				return false, entity, true
			}
			delete(g.pubs, key)
			return true, entity, true
		}
		if e, ok := g.pubs[key]; ok && e.digest == digest {
			return false, entity, false
		}
		g.pubs[key] = &pubEntry{entry: *s.Publisher, digest: digest}
		return true, entity, false

	case cmn.KindSubscriber:
		if s.Subscriber == nil {
			return false, cmn.EntityID{}, false
		}
		key := s.Subscriber.Topic
		entity = key.Entity
		if s.Command == cmn.CmdUnregister {
			if _, ok := g.subs[key]; !ok {
				return false, entity, true
			}
			delete(g.subs, key)
			return true, entity, true
		}
		if e, ok := g.subs[key]; ok && e.digest == digest {
			return false, entity, false
		}
		g.subs[key] = &subEntry{entry: *s.Subscriber, digest: digest}
		return true, entity, false

	case cmn.KindServer:
		if s.Server == nil {
			return false, cmn.EntityID{}, false
		}
		key := s.Server.Service
		entity = key.Entity
		if s.Command == cmn.CmdUnregister {
			if _, ok := g.srvs[key]; !ok {
				return false, entity, true
			}
			delete(g.srvs, key)
			return true, entity, true
		}
		if e, ok := g.srvs[key]; ok && e.digest == digest {
			return false, entity, false
		}
		g.srvs[key] = &srvEntry{entry: *s.Server, digest: digest}
		return true, entity, false

	case cmn.KindClient:
		if s.Client == nil {
			return false, cmn.EntityID{}, false
		}
		key := s.Client.Service
		entity = key.Entity
		if s.Command == cmn.CmdUnregister {
			if _, ok := g.clis[key]; !ok {
				return false, entity, true
			}
			delete(g.clis, key)
			return true, entity, true
		}
		if e, ok := g.clis[key]; ok && e.digest == digest {
			return false, entity, false
		}
		g.clis[key] = &cliEntry{entry: *s.Client, digest: digest}
		return true, entity, false
	}

	g.log.Warningf("discarding malformed sample kind=%d", s.Kind)
	return false, cmn.EntityID{}, false
}

// QueryPublishers returns a snapshot of all known publisher TopicIds.
func (g *Gate) QueryPublishers() []cmn.TopicID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]cmn.TopicID, 0, len(g.pubs))
	for k := range g.pubs {
		out = append(out, k)
	}
	return out
}

func (g *Gate) QuerySubscribers() []cmn.TopicID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]cmn.TopicID, 0, len(g.subs))
	for k := range g.subs {
		out = append(out, k)
	}
	return out
}

func (g *Gate) QueryServers() []cmn.ServiceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]cmn.ServiceID, 0, len(g.srvs))
	for k := range g.srvs {
		out = append(out, k)
	}
	return out
}

func (g *Gate) QueryClients() []cmn.ServiceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]cmn.ServiceID, 0, len(g.clis))
	for k := range g.clis {
		out = append(out, k)
	}
	return out
}

// QueryPublisherInfo / QuerySubscriberInfo return the DataTypeInformation
// of a known topic, and the second return reports presence.
func (g *Gate) QueryPublisherInfo(id cmn.TopicID) (cmn.DataTypeInformation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.pubs[id]
	if !ok {
		return cmn.DataTypeInformation{}, false
	}
	return e.entry.Type, true
}

func (g *Gate) QuerySubscriberInfo(id cmn.TopicID) (cmn.DataTypeInformation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.subs[id]
	if !ok {
		return cmn.DataTypeInformation{}, false
	}
	return e.entry.Type, true
}

// QueryMethods returns the MethodInformation set for a known server.
func (g *Gate) QueryMethods(id cmn.ServiceID) ([]cmn.MethodInformation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.srvs[id]
	if !ok {
		return nil, false
	}
	return e.entry.Methods, true
}

// ServerEntries returns every ServiceEntry whose Service.Name matches
// name, used by the service client to discover instances to call.
func (g *Gate) ServerEntries(name string) []cmn.ServiceEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []cmn.ServiceEntry
	for k, e := range g.srvs {
		if k.Name == name {
			out = append(out, e.entry)
		}
	}
	return out
}

// RemoveTopic is how the registration bus's deadline scanner expires a
// stale remote entry: it synthesizes an unregister
// sample internally so the same code path (and event semantics) apply.
func (g *Gate) RemoveTopic(kind cmn.EntityKind, topic cmn.TopicID) {
	switch kind {
	case cmn.KindPublisher:
		g.ApplySample(&cmn.Sample{Kind: cmn.KindPublisher, Command: cmn.CmdUnregister,
			Publisher: &cmn.PublisherEntry{Topic: topic}}, cmn.LayerUDP)
	case cmn.KindSubscriber:
		g.ApplySample(&cmn.Sample{Kind: cmn.KindSubscriber, Command: cmn.CmdUnregister,
			Subscriber: &cmn.SubscriberEntry{Topic: topic}}, cmn.LayerUDP)
	}
}

func (g *Gate) RemoveService(kind cmn.EntityKind, id cmn.ServiceID) {
	switch kind {
	case cmn.KindServer:
		g.ApplySample(&cmn.Sample{Kind: cmn.KindServer, Command: cmn.CmdUnregister,
			Server: &cmn.ServiceEntry{Service: id}}, cmn.LayerUDP)
	case cmn.KindClient:
		g.ApplySample(&cmn.Sample{Kind: cmn.KindClient, Command: cmn.CmdUnregister,
			Client: &cmn.ClientEntry{Service: id}}, cmn.LayerUDP)
	}
}

// AddEventCallback registers fn to run on every transition of kind.
// Callback invocation happens with the registry lock released, so fn
// may safely call back into the Gate.
func (g *Gate) AddEventCallback(kind EventKind, fn func(Event)) Token {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.nextToken++
	cb := &callback{token: g.nextToken, fn: fn}
	g.callbacks[kind] = append(g.callbacks[kind], cb)
	return Token(cb.token)
}

// RemoveEventCallback unregisters a previously-added callback.
func (g *Gate) RemoveEventCallback(kind EventKind, tok Token) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	list := g.callbacks[kind]
	for i, cb := range list {
		if cb.token == uint64(tok) {
			g.callbacks[kind] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// fire dispatches ev to every callback registered for ev.Kind. A
// callback already marked dropped (it blocked past one registration
// refresh previously) is skipped so one slow consumer cannot stall the
// others. The mark is never cleared, so such a callback is skipped on
// every later event; it stays registered until RemoveEventCallback.
// Each call is itself watched: one that has not returned within
// slowCallbackTimeout is marked slow via MarkSlow so a single wedged
// consumer cannot stall fire() itself on every future event.
func (g *Gate) fire(ev Event) {
	g.cbMu.Lock()
	list := append([]*callback(nil), g.callbacks[ev.Kind]...)
	g.cbMu.Unlock()

	for _, cb := range list {
		if atomic.LoadInt32(&cb.dropped) == 1 {
			continue
		}
		g.runWatched(ev, cb)
	}
}

func (g *Gate) runWatched(ev Event, cb *callback) {
	done := make(chan struct{})
	go func() {
		cb.fn(ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(slowCallbackTimeout):
		g.MarkSlow(ev.Kind, Token(cb.token))
	}
}

// MarkSlow flags a callback (by token) as currently blocking past
// slowCallbackTimeout so all further notifications are skipped for it;
// the mark has no clearing call. fire's own watchdog calls this, not the
// registration bus (the bus never holds callback tokens).
func (g *Gate) MarkSlow(kind EventKind, tok Token) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	for _, cb := range g.callbacks[kind] {
		if cb.token == uint64(tok) {
			atomic.StoreInt32(&cb.dropped, 1)
			return
		}
	}
}
