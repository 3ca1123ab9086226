// Package transport defines the capability interface shared by the
// three selectable transport layers (SHM, UDP, TCP). Per-layer
// implementations, including their wire encoding, live in the
// shm, udp, and tcp subpackages; this package only holds the contract
// the publisher/subscriber cores program against.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"

	"github.com/ecal-go/ecal/cmn"
)

// Frame is one payload handed to or received from a layer.
type Frame struct {
	SenderEntity    cmn.EntityID
	Topic           string
	DataClock       int64
	SendTimestampUs int64
	Bytes           []byte
}

// WriterLayer is the publisher-side capability: hand a frame to the
// layer's write path. Implementations never block past their own
// configured timeouts (e.g. SHM acknowledged mode's
// acknowledge_timeout_ms); "send" on the publisher core itself is
// never cancellable once in-flight.
type WriterLayer interface {
	Kind() cmn.TransportLayer
	SendFrame(ctx context.Context, f Frame) error
	// Connections reports how many subscriber endpoints this layer
	// currently believes are attached, used by the publisher core to
	// decide local vs remote layer priority.
	Connections() int
	Close() error
}

// FrameHandler is invoked by a ReaderLayer for every frame it receives.
// It must not block: long-running user work belongs on the caller's
// own goroutine/thread-pool task, not inside this callback, since for
// SHM zero-copy delivery the backing buffer is only valid for the
// duration of the call.
type FrameHandler func(Frame)

// ReaderLayer is the subscriber-side capability.
type ReaderLayer interface {
	Kind() cmn.TransportLayer
	SetHandler(FrameHandler)
	Close() error
}

// Extra carries the advanced, optional per-stream knobs the transport
// layers understand: compression and a sender tag.
type Extra struct {
	Compression  string // "" or "lz4"
	SenderID     string
}

func (e Extra) Compressed() bool { return e.Compression == "lz4" }
