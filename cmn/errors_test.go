package cmn

import (
	"errors"
	"testing"
)

func TestTransportFatalUnwraps(t *testing.T) {
	cause := errors.New("bind failed")
	err := NewTransportFatal(LayerTCP, "listen", cause)
	if !errors.Is(err, cause) {
		t.Fatal("NewTransportFatal must preserve the cause for errors.Is")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := NewConfigError("publisher.layer_shm.memfile_min_size_bytes", 2048, "must be >= 4096")
	if err.Error() == "" {
		t.Fatal("ConfigError must render a non-empty message")
	}
}

func TestCallStateString(t *testing.T) {
	cases := map[CallState]string{
		CallNone:      "none",
		CallExecuted:  "executed",
		CallTimeouted: "timeouted",
		CallFailed:    "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("CallState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
