package gatewaychan

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
)

func newTestGatewayChannel(cache *Cache, broker *pubsub.Broker, signer *ref.Signer, gatewayVersion string) *Channel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChannel(cache, broker, logger, signer, gatewayVersion, nil)
}

// A gateway channel authorizing a flow request must push authorize_flow
// with a ref, and once the gateway replies flow_authorized with that same
// ref, the requesting client's own topic must receive connect.
func TestAuthorizeFlow_RoundTripPushesConnectToRequester(t *testing.T) {
	gatewayID := ids.New()
	clientID := ids.New()
	resourceID := ids.New()
	cache := New(gatewayID)
	broker := pubsub.NewBroker()
	signer := ref.NewSigner("rendezvous-secret")
	ch := newTestGatewayChannel(cache, broker, signer, "1.4.0")

	clientSub := broker.Subscribe(pubsub.ClientTopic(clientID))
	defer clientSub.Close()

	ch.authorizeFlow(signer, "1.4.0", AuthorizeFlowRequest{
		CallerPID:    clientID.String(),
		SocketRef:    "socket-1",
		ClientID:     clientID,
		Resource:     domain.Resource{ID: resourceID, Type: domain.ResourceDNS, Address: "db.internal"},
		ExpiresAt:    time.Now().Add(time.Hour),
		PresharedKey: "psk",
	})

	push := <-ch.out
	require.Equal(t, "authorize_flow", push.Type)
	authorized := push.Payload.(authorizeFlowPush)
	require.NotEmpty(t, authorized.Ref)

	ch.FlowAuthorized(signer, authorized.Ref, "gw-pubkey", "10.1.0.1", "")

	msg := <-clientSub.C
	connect, ok := msg.(Connect)
	require.True(t, ok)
	require.Equal(t, "gw-pubkey", connect.GatewayPublicKey)
	require.Equal(t, "psk", connect.PresharedKey)
}

func TestFlowAuthorized_UnknownRefIsIgnored(t *testing.T) {
	cache := New(ids.New())
	broker := pubsub.NewBroker()
	signer := ref.NewSigner("rendezvous-secret")
	ch := newTestGatewayChannel(cache, broker, signer, "1.4.0")

	ch.FlowAuthorized(signer, "not-a-real-ref", "gw-pubkey", "10.1.0.1", "")
	// No panic, no pending entry to resolve: nothing to assert beyond
	// absence of a crash, since there was no requester to notify.
}

// A gateway below v1.4 never gets a ref-based authorize_flow; it gets the
// legacy request_connection push, and the requester is connected
// immediately since there is no flow_authorized round trip to wait for.
func TestAuthorizeFlow_LegacyGatewayUsesRequestConnection(t *testing.T) {
	clientID := ids.New()
	resourceID := ids.New()
	cache := New(ids.New())
	broker := pubsub.NewBroker()
	signer := ref.NewSigner("rendezvous-secret")
	ch := newTestGatewayChannel(cache, broker, signer, "1.3.0")

	clientSub := broker.Subscribe(pubsub.ClientTopic(clientID))
	defer clientSub.Close()

	ch.authorizeFlow(signer, "1.3.0", AuthorizeFlowRequest{
		ClientID:     clientID,
		Resource:     domain.Resource{ID: resourceID, Type: domain.ResourceCIDR, Address: "10.0.0.0/24"},
		PresharedKey: "psk",
	})

	push := <-ch.out
	require.Equal(t, "request_connection", push.Type)

	msg := <-clientSub.C
	_, ok := msg.(Connect)
	require.True(t, ok)
}
