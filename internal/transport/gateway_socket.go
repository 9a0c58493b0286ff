package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/meshcore/internal/gatewaychan"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/pkg/geo"
)

type gatewayFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type flowAuthorizedData struct {
	Ref              string `json:"ref"`
	GatewayPublicKey string `json:"gateway_public_key"`
	GatewayIPv4      string `json:"gateway_ipv4"`
	GatewayIPv6      string `json:"gateway_ipv6"`
}

func (s *Server) handleGatewaySocket(w http.ResponseWriter, r *http.Request) {
	claims, err := verifyGatewayToken(s.cfg.GatewaySigningSecret, bearerToken(r))
	if err != nil {
		s.logger.Warn("gateway socket: token rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	gatewayID, err1 := ids.Parse(claims.GatewayID)
	accountID, err2 := ids.Parse(claims.AccountID)
	if err1 != nil || err2 != nil {
		http.Error(w, "malformed claims", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway socket: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cache := gatewaychan.New(gatewayID)
	if s.reauthorizer != nil {
		flows, err := s.reauthorizer.HydrateFlows(ctx, gatewayID)
		if err != nil {
			s.logger.Error("gateway socket: hydrate flows failed", "gateway_id", gatewayID, "error", err)
			conn.Close()
			return
		}
		for _, f := range flows {
			cache.Put(f.ClientID, f.ResourceID, f.FlowID, f.ExpiresAt)
		}
	}

	gatewayVersion := r.URL.Query().Get("version")
	ch := gatewaychan.NewChannel(cache, s.broker, s.logger, s.signer, gatewayVersion, s.reauthorizer)
	if s.relays != nil {
		ch.EnableRelayWatch(s.relays, geo.Point{}, false)
	}

	initPayload := struct {
		GatewayID ids.ID `json:"gateway_id"`
		Relays    any    `json:"relays"`
	}{GatewayID: gatewayID, Relays: ch.InitialRelays()}

	ch.Join(ctx, accountID, initPayload)

	go s.gatewayWritePump(conn, ch.Out())
	s.gatewayReadPump(conn, ch)
}

func (s *Server) gatewayWritePump(conn *websocket.Conn, out <-chan gatewaychan.Push) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case push, ok := <-out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(push); err != nil {
				s.logger.Warn("gateway socket: write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) gatewayReadPump(conn *websocket.Conn, ch *gatewaychan.Channel) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "flow_authorized" {
			continue
		}
		var data flowAuthorizedData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			continue
		}
		ch.FlowAuthorized(s.signer, data.Ref, data.GatewayPublicKey, data.GatewayIPv4, data.GatewayIPv6)
	}
}
