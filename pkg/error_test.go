package pkg

import (
	"errors"
	"io"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindOK, "ok"},
		{KindInvalidArg, "invalid_arg"},
		{KindNoDevice, "no_device"},
		{KindNotEnoughData, "not_enough_data"},
		{KindBadHeader, "bad_header"},
		{KindMuxError, "mux_error"},
		{KindTimeout, "timeout"},
		{KindPlistError, "plist_error"},
		{KindSSLError, "ssl_error"},
		{KindPairingFailed, "pairing_failed"},
		{KindPasswordProtected, "password_protected"},
		{KindUserDeniedPairing, "user_denied_pairing"},
		{KindReadError, "read_error"},
		{KindWriteError, "write_error"},
		{KindDirNotEmpty, "dir_not_empty"},
		{KindOpNotSupported, "op_not_supported"},
		{KindObjectNotFound, "object_not_found"},
		{KindNoMem, "no_mem"},
		{Kind(999), "kind(999)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap(KindMuxError, "mux.dispatch", cause)

	if err.Error() != "mux.dispatch: mux_error: unexpected EOF" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected errors.Is to unwrap to the cause")
	}

	bare := New(KindTimeout, "afc.Read", "")
	if bare.Error() != "afc.Read: timeout" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestIs(t *testing.T) {
	err := Wrap(KindNoDevice, "transport.Recv", io.EOF)
	if !Is(err, KindNoDevice) {
		t.Errorf("Is(err, KindNoDevice) = false, want true")
	}
	if Is(err, KindTimeout) {
		t.Errorf("Is(err, KindTimeout) = true, want false")
	}
	if Is(io.EOF, KindNoDevice) {
		t.Errorf("Is on a plain error should be false")
	}
	if Is(nil, KindNoDevice) {
		t.Errorf("Is(nil, ...) should be false")
	}
}
