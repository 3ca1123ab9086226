package cmn

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

var (
	hostNameOnce sync.Once
	hostName     string

	entitySeq int64

	idGen *shortid.Shortid
)

func init() {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(os.Getpid()))
	if err != nil {
		// shortid.New only fails on a malformed alphabet; DefaultABC is
		// always well-formed, so this is unreachable in practice.
		sid = shortid.MustNew(1, shortid.DefaultABC, 1)
	}
	idGen = sid
}

// LocalHostName returns (and caches) os.Hostname(), falling back to
// "localhost" if the syscall fails.
func LocalHostName() string {
	hostNameOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "localhost"
		}
		hostName = h
	})
	return hostName
}

// NewEntityID mints a process-local EntityID: Seq is a per-process
// atomic counter (gives a cheap total order), ShortID is a
// collision-resistant string minted via teris-io/shortid so it can be
// used directly as a map key or logged without risk of clashing with
// another process on the same host.
func NewEntityID(pid int32) EntityID {
	seq := atomic.AddInt64(&entitySeq, 1)
	sid, err := idGen.Generate()
	if err != nil {
		sid = LocalHostName()
	}
	return EntityID{
		HostName:  LocalHostName(),
		ProcessID: pid,
		Seq:       seq,
		ShortID:   sid,
	}
}

// NewRequestID mints a short, collision-resistant RPC correlation id
// from the same generator as EntityID.
func NewRequestID() string {
	sid, err := idGen.Generate()
	if err != nil {
		sid = LocalHostName()
	}
	return sid
}
