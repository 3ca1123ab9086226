// Package service implements the RPC service plane: a length-prefixed,
// protocol-versioned request/response wire format over TCP, a method
// table on the server side, and per-instance blocking/callback call
// variants on the client side.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package service

import (
	"encoding/binary"
	"io"

	"github.com/ecal-go/ecal/cmn"
)

// ProtocolVersion selects the request_id wire encoding. v0 is the
// original numeric-counter encoding; v1 carries the shortid-minted
// string request_id so correlation stays collision-resistant across
// concurrent callers without a central counter.
type ProtocolVersion uint8

const (
	ProtocolV0 ProtocolVersion = 0
	ProtocolV1 ProtocolVersion = 1
)

// MaxProtocolVersion is the highest version this build advertises.
const MaxProtocolVersion = ProtocolV1

type requestFrame struct {
	Version    ProtocolVersion
	RequestIDv0 uint32
	RequestIDv1 string
	Method     string
	Body       []byte
}

type responseFrame struct {
	Version     ProtocolVersion
	RequestIDv0 uint32
	RequestIDv1 string
	State       cmn.CallState
	ErrorMsg    string
	Body        []byte
}

var errFrameTooLarge = &frameTooLargeError{}

type frameTooLargeError struct{}

func (*frameTooLargeError) Error() string { return "service frame exceeds maximum size" }

const maxFrameBody = 64 << 20

func encodeRequest(f requestFrame) []byte {
	var buf []byte
	buf = append(buf, byte(f.Version))
	switch f.Version {
	case ProtocolV0:
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], f.RequestIDv0)
		buf = append(buf, idBuf[:]...)
	default:
		buf = appendVarbytesInline(buf, []byte(f.RequestIDv1))
	}
	buf = appendVarbytesInline(buf, []byte(f.Method))
	buf = appendVarbytesInline(buf, f.Body)
	return withLengthPrefix(buf)
}

func encodeResponse(f responseFrame) []byte {
	var buf []byte
	buf = append(buf, byte(f.Version))
	switch f.Version {
	case ProtocolV0:
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], f.RequestIDv0)
		buf = append(buf, idBuf[:]...)
	default:
		buf = appendVarbytesInline(buf, []byte(f.RequestIDv1))
	}
	buf = append(buf, byte(f.State))
	buf = appendVarbytesInline(buf, []byte(f.ErrorMsg))
	buf = appendVarbytesInline(buf, f.Body)
	return withLengthPrefix(buf)
}

func appendVarbytesInline(buf, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func withLengthPrefix(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// readFrameBody reads one length-prefixed frame body (minus the outer
// u32 length already consumed by the caller) up to maxFrameBody bytes.
func readFrameBody(r io.Reader, total uint32) ([]byte, error) {
	if total > maxFrameBody {
		return nil, cmn.Wrapf(errFrameTooLarge, "frame length %d exceeds %d", total, maxFrameBody)
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeRequest(body []byte) (requestFrame, error) {
	var f requestFrame
	if len(body) < 1 {
		return f, cmn.Wrap(errShortFrame, "request frame")
	}
	f.Version = ProtocolVersion(body[0])
	rest := body[1:]
	switch f.Version {
	case ProtocolV0:
		if len(rest) < 4 {
			return f, cmn.Wrap(errShortFrame, "request v0 id")
		}
		f.RequestIDv0 = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	default:
		id, tail, err := takeVarbytes(rest)
		if err != nil {
			return f, err
		}
		f.RequestIDv1 = string(id)
		rest = tail
	}
	method, rest, err := takeVarbytes(rest)
	if err != nil {
		return f, err
	}
	f.Method = string(method)
	body, _, err = takeVarbytes(rest)
	if err != nil {
		return f, err
	}
	f.Body = body
	return f, nil
}

func decodeResponse(body []byte) (responseFrame, error) {
	var f responseFrame
	if len(body) < 1 {
		return f, cmn.Wrap(errShortFrame, "response frame")
	}
	f.Version = ProtocolVersion(body[0])
	rest := body[1:]
	switch f.Version {
	case ProtocolV0:
		if len(rest) < 4 {
			return f, cmn.Wrap(errShortFrame, "response v0 id")
		}
		f.RequestIDv0 = binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
	default:
		id, tail, err := takeVarbytes(rest)
		if err != nil {
			return f, err
		}
		f.RequestIDv1 = string(id)
		rest = tail
	}
	if len(rest) < 1 {
		return f, cmn.Wrap(errShortFrame, "response call_state")
	}
	f.State = cmn.CallState(rest[0])
	rest = rest[1:]
	errMsg, rest, err := takeVarbytes(rest)
	if err != nil {
		return f, err
	}
	f.ErrorMsg = string(errMsg)
	respBody, _, err := takeVarbytes(rest)
	if err != nil {
		return f, err
	}
	f.Body = respBody
	return f, nil
}

var errShortFrame = &shortFrameError{}

type shortFrameError struct{}

func (*shortFrameError) Error() string { return "service frame truncated" }

func takeVarbytes(buf []byte) (val, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errShortFrame
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errShortFrame
	}
	return buf[:n], buf[n:], nil
}
