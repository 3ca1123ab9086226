package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy. ConfigError and TransportFatal
// propagate to the API caller (construction failure); LifecycleError
// values are returned by Initialize, Finalize and GetMonitoring.
// Transient transport failures and CallState-carrying responses are
// not returned as errors — they are logged/counted and surfaced
// through event callbacks or response fields instead.

// ConfigError reports invalid or out-of-range configuration. It is
// returned by Config.Validate, and ecal.New fails as a whole when
// validation fails; it does not disable only the affected subsystem.
// SHM setup failures in publishers, subscribers and the registration
// bus are logged and that layer is skipped, without a ConfigError.
type ConfigError struct {
	Field string
	Value any
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q value %v: %s", e.Field, e.Value, e.Msg)
}

func NewConfigError(field string, value any, msg string) error {
	return errors.WithStack(&ConfigError{Field: field, Value: value, Msg: msg})
}

// TransportFatal surfaces as construction failure of a publisher,
// subscriber, server, or client handle (port in use, SHM allocation
// failure, ...).
type TransportFatal struct {
	Layer TransportLayer
	Op    string
	Cause error
}

func (e *TransportFatal) Error() string {
	return fmt.Sprintf("transport[%s] %s: %v", e.Layer, e.Op, e.Cause)
}

func (e *TransportFatal) Unwrap() error { return e.Cause }

func NewTransportFatal(layer TransportLayer, op string, cause error) error {
	return errors.WithStack(&TransportFatal{Layer: layer, Op: op, Cause: cause})
}

// LifecycleError covers Initialize/Finalize reference counting:
// double-init returns an error, it never aborts the process.
type LifecycleError struct {
	Msg string
}

func (e *LifecycleError) Error() string { return e.Msg }

var ErrAlreadyInitialized = &LifecycleError{Msg: "already initialized"}
var ErrNotInitialized = &LifecycleError{Msg: "not initialized"}

// ErrMonitoringNotAvailable is returned by GetMonitoring when monitoring
// has not been enabled in the process's configuration.
var ErrMonitoringNotAvailable = &LifecycleError{Msg: "not available"}

// CallState is the outcome of one RPC invocation.
type CallState int32

const (
	CallNone CallState = iota
	CallExecuted
	CallTimeouted
	CallFailed
)

func (c CallState) String() string {
	switch c {
	case CallNone:
		return "none"
	case CallExecuted:
		return "executed"
	case CallTimeouted:
		return "timeouted"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Wrap and Wrapf re-export pkg/errors so callers in every package use
// one consistent error-wrapping idiom without importing pkg/errors
// directly everywhere.
func Wrap(err error, msg string) error                 { return errors.Wrap(err, msg) }
func Wrapf(err error, format string, a ...any) error    { return errors.Wrapf(err, format, a...) }
func Cause(err error) error                             { return errors.Cause(err) }
