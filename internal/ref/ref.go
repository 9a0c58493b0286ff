// Package ref signs and verifies the rendezvous "ref" a gateway channel
// mints for every authorize_flow round trip: an opaque, tamper-evident
// token the gateway hands back unmodified in flow_authorized, binding the
// reply to the exact (caller, socket, resource) tuple that requested it.
// Grounded on internal/security's HMAC-SHA256 sign/verify pattern,
// generalized from a single token-claims shape to an arbitrary payload.
package ref

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ocx/meshcore/internal/ids"
)

// ErrInvalidRef is returned for any ref that fails to parse or verify.
var ErrInvalidRef = errors.New("ref: invalid or tampered rendezvous ref")

// Payload is the signed content of a ref.
type Payload struct {
	CallerPID     string  `json:"caller_pid"`
	SocketRef     string  `json:"socket_ref"`
	ResourceID    ids.ID  `json:"resource_id"`
	PresharedKey  string  `json:"preshared_key"`
	ICECredential string  `json:"ice_credentials"`
}

// Signer mints and verifies refs with a single HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the configured ref secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Encode signs p and returns an opaque ref string: base64(json) + "." +
// base64(hmac-sha256).
func (s *Signer) Encode(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ref: marshal payload: %w", err)
	}
	sig := s.sign(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Decode verifies and parses a ref string back into its Payload. Encode and
// Decode are inverses: Decode(Encode(p)) == p for every p.
func (s *Signer) Decode(ref string) (Payload, error) {
	var p Payload
	bodyPart, sigPart, ok := split(ref)
	if !ok {
		return p, ErrInvalidRef
	}
	body, err := base64.RawURLEncoding.DecodeString(bodyPart)
	if err != nil {
		return p, ErrInvalidRef
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return p, ErrInvalidRef
	}
	if !hmac.Equal(sig, s.sign(body)) {
		return p, ErrInvalidRef
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, ErrInvalidRef
	}
	return p, nil
}

func (s *Signer) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func split(ref string) (body, sig string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}
