package ref

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/ids"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s := NewSigner("test-secret")
	p := Payload{
		CallerPID:     "client-chan-1",
		SocketRef:     "socket-ref-9",
		ResourceID:    ids.New(),
		PresharedKey:  "psk-abc",
		ICECredential: "ice-xyz",
	}

	encoded, err := s.Encode(p)
	require.NoError(t, err)

	decoded, err := s.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestDecode_RejectsTamperedRef(t *testing.T) {
	s := NewSigner("test-secret")
	encoded, err := s.Encode(Payload{CallerPID: "a", ResourceID: ids.New()})
	require.NoError(t, err)

	tampered := encoded + "x"
	_, err = s.Decode(tampered)
	require.ErrorIs(t, err, ErrInvalidRef)
}

func TestDecode_RejectsWrongSecret(t *testing.T) {
	encoded, err := NewSigner("secret-a").Encode(Payload{CallerPID: "a", ResourceID: ids.New()})
	require.NoError(t, err)

	_, err = NewSigner("secret-b").Decode(encoded)
	require.ErrorIs(t, err, ErrInvalidRef)
}
