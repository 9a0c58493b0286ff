// Package transport binds client and gateway WebSocket sockets to their
// respective channels: it verifies the connecting JWT, hydrates the
// channel's cache, pumps Channel.Out() onto the wire, and decodes inbound
// frames back into channel method calls. Grounded on
// internal/fabric/websocket.go's upgrader/origin-check/ping-pong pattern,
// generalized from the teacher's single agent-spoke protocol to the two
// distinct client/gateway socket protocols spec.md §4 describes.
package transport

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ClientClaims is the JWT payload a client socket's connecting token
// carries: which client, actor, account, and identity provider minted it.
type ClientClaims struct {
	ClientID       string `json:"client_id"`
	ActorID        string `json:"actor_id"`
	AccountID      string `json:"account_id"`
	AuthProviderID string `json:"auth_provider_id"`
	jwt.RegisteredClaims
}

// GatewayClaims is the JWT payload a gateway socket's connecting token
// carries.
type GatewayClaims struct {
	GatewayID string `json:"gateway_id"`
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

func verifyClientToken(secret, raw string) (ClientClaims, error) {
	var claims ClientClaims
	token, err := jwt.ParseWithClaims(raw, &claims, hmacKeyFunc(secret))
	if err != nil || !token.Valid {
		return claims, fmt.Errorf("transport: invalid client token: %w", err)
	}
	return claims, nil
}

func verifyGatewayToken(secret, raw string) (GatewayClaims, error) {
	var claims GatewayClaims
	token, err := jwt.ParseWithClaims(raw, &claims, hmacKeyFunc(secret))
	if err != nil || !token.Valid {
		return claims, fmt.Errorf("transport: invalid gateway token: %w", err)
	}
	return claims, nil
}

func hmacKeyFunc(secret string) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("transport: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}
}
