package gatewaychan

import (
	"time"

	"github.com/ocx/meshcore/internal/domain"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
	"github.com/ocx/meshcore/internal/version"
)

// AuthorizeFlowRequest is what a client channel publishes on the target
// gateway's topic to broker a tunnel (spec.md §4.5 Rendezvous).
type AuthorizeFlowRequest struct {
	CallerPID      string
	SocketRef      string
	ClientID       ids.ID
	Resource       domain.Resource
	ExpiresAt      time.Time
	ICECredentials any
	PresharedKey   string
	Subject        any
}

// Connect is pushed back to the client channel's own topic once the
// gateway has confirmed the flow; it carries everything the client needs
// to dial the tunnel directly.
type Connect struct {
	GatewayPublicKey string
	GatewayIPv4      string
	GatewayIPv6      string
	PresharedKey     string
	ICECredentials   any
}

// InvalidRef is pushed back to the client channel when the gateway's
// flow_authorized reply fails ref verification.
type InvalidRef struct{}

// RequestAuthorization is called by a client channel to begin rendezvous:
// it publishes AuthorizeFlowRequest on the target gateway's point-to-point
// topic. The gateway channel handling that topic does the rest.
func RequestAuthorization(broker *pubsub.Broker, gatewayID ids.ID, req AuthorizeFlowRequest) {
	broker.Publish(pubsub.GatewayTopic(gatewayID), req)
}

// rewriteForVersion collapses an `ip` resource to a `cidr` /32 (or /128 for
// IPv6) for gateways that predate native single-address routing.
func rewriteForVersion(resource domain.Resource, gatewayVersion string) domain.Resource {
	if resource.Type != domain.ResourceIP {
		return resource
	}
	if version.GatewaySupportsIPResources(gatewayVersion) {
		return resource
	}
	rewritten := resource
	rewritten.Type = domain.ResourceCIDR
	if isIPv6(resource.Address) {
		rewritten.Address = resource.Address + "/128"
	} else {
		rewritten.Address = resource.Address + "/32"
	}
	return rewritten
}

func isIPv6(addr string) bool {
	for _, r := range addr {
		if r == ':' {
			return true
		}
	}
	return false
}

// authorizeFlow implements gatewaychan.Channel's half of the rendezvous
// protocol: rewrite the resource, sign a ref binding the caller's socket
// identity to the resource and credentials, and push authorize_flow to the
// gateway socket.
func (ch *Channel) authorizeFlow(signer *ref.Signer, gatewayVersion string, req AuthorizeFlowRequest) {
	resource := rewriteForVersion(req.Resource, gatewayVersion)

	// Gateways below v1.4 never learned flow_authorized: they get the
	// legacy request_connection push (no allow_access message is sent) and
	// no ref round trip, so the client channel gets its :connect as soon as
	// the push is sent.
	if !version.GatewaySupportsRefRendezvous(gatewayVersion) {
		ch.out <- Push{Type: "request_connection", Payload: authorizeFlowPush{
			Resource:       resource,
			ClientID:       req.ClientID,
			ICECredentials: req.ICECredentials,
			PresharedKey:   req.PresharedKey,
			ExpiresAt:      req.ExpiresAt,
			Subject:        req.Subject,
		}}
		ch.broker.Publish(pubsub.ClientTopic(req.ClientID), Connect{
			PresharedKey:   req.PresharedKey,
			ICECredentials: req.ICECredentials,
		})
		return
	}

	signed, err := signer.Encode(ref.Payload{
		CallerPID:     req.CallerPID,
		SocketRef:     req.SocketRef,
		ResourceID:    resource.ID,
		PresharedKey:  req.PresharedKey,
		ICECredential: toICECredentialString(req.ICECredentials),
	})
	if err != nil {
		ch.logger.Error("sign rendezvous ref", "error", err)
		return
	}

	ch.pendingRefs.put(signed, req)
	ch.out <- Push{Type: "authorize_flow", Payload: authorizeFlowPush{
		Ref:            signed,
		Resource:       resource,
		ClientID:       req.ClientID,
		ICECredentials: req.ICECredentials,
		PresharedKey:   req.PresharedKey,
		ExpiresAt:      req.ExpiresAt,
		Subject:        req.Subject,
	}}
}

type authorizeFlowPush struct {
	Ref            string
	Resource       domain.Resource
	ClientID       ids.ID
	ICECredentials any
	PresharedKey   string
	ExpiresAt      time.Time
	Subject        any
}

// FlowAuthorized handles the gateway socket's flow_authorized{ref} reply:
// decodes the ref, and if it verifies, replies :connect to the requesting
// client's own topic; otherwise publishes invalid_ref back to it.
func (ch *Channel) FlowAuthorized(signer *ref.Signer, signedRef string, gatewayPublicKey, gatewayIPv4, gatewayIPv6 string) {
	req, ok := ch.pendingRefs.take(signedRef)
	if !ok {
		return
	}
	if _, err := signer.Decode(signedRef); err != nil {
		ch.broker.Publish(pubsub.ClientTopic(req.ClientID), InvalidRef{})
		return
	}
	ch.broker.Publish(pubsub.ClientTopic(req.ClientID), Connect{
		GatewayPublicKey: gatewayPublicKey,
		GatewayIPv4:      gatewayIPv4,
		GatewayIPv6:      gatewayIPv6,
		PresharedKey:     req.PresharedKey,
		ICECredentials:   req.ICECredentials,
	})
}

func toICECredentialString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
