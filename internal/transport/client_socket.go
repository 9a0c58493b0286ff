package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ocx/meshcore/internal/clientchan"
	"github.com/ocx/meshcore/internal/ids"
	"github.com/ocx/meshcore/pkg/geo"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// clientFrame is the envelope every inbound client socket message arrives
// in; Data's shape depends on Type.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type prepareConnectionData struct {
	GatewayID      string `json:"gateway_id"`
	ResourceID     string `json:"resource_id"`
	ICECredentials any    `json:"ice_credentials"`
	PresharedKey   string `json:"preshared_key"`
}

func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := verifyClientToken(s.cfg.ClientSigningSecret, bearerToken(r))
	if err != nil {
		s.logger.Warn("client socket: token rejected", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	clientID, err1 := ids.Parse(claims.ClientID)
	actorID, err2 := ids.Parse(claims.ActorID)
	accountID, err3 := ids.Parse(claims.AccountID)
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "malformed claims", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client socket: upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cache := clientchan.New(clientID, actorID, accountID)
	policies, resources, memberships, err := s.hydrator.Hydrate(ctx, actorID)
	if err != nil {
		s.logger.Error("client socket: hydrate failed", "client_id", clientID, "error", err)
		conn.Close()
		return
	}
	cache.LoadHydration(policies, resources, memberships)

	remoteIPStr := remoteIP(r)
	clientVersion := r.URL.Query().Get("version")
	socketRef := ids.New().String()

	subject := func() clientchan.Subject {
		return clientchan.Subject{
			AuthProviderID: claims.AuthProviderID,
			RemoteIP:       remoteIPStr,
			RemoteIPRegion: r.Header.Get("X-Client-Region"),
			Now:            time.Now(),
			TokenExpiresAt: jwtExpiry(claims.ExpiresAt),
		}
	}

	ch := clientchan.NewChannel(cache, s.broker, s.logger, subject, clientVersion, s.hydrator, socketRef)
	if s.relays != nil {
		ch.EnableRelayWatch(s.relays, geo.Point{}, false)
	}

	initPayload := struct {
		ClientID ids.ID `json:"client_id"`
		Relays   any    `json:"relays"`
	}{ClientID: clientID, Relays: ch.InitialRelays()}

	accountSub, clientSub := ch.Join(ctx, initPayload)
	defer ch.Close(accountSub, clientSub)

	go s.clientWritePump(conn, ch.Out())
	s.clientReadPump(conn, ch)
}

func (s *Server) clientWritePump(conn *websocket.Conn, out <-chan clientchan.Push) {
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
				s.logger.Warn("client socket: write failed", "error", err)
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

func (s *Server) clientReadPump(conn *websocket.Conn, ch *clientchan.Channel) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "prepare_connection", "reuse_connection":
			var data prepareConnectionData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				continue
			}
			gatewayID, err1 := ids.Parse(data.GatewayID)
			resourceID, err2 := ids.Parse(data.ResourceID)
			if err1 != nil || err2 != nil {
				continue
			}
			var err error
			if frame.Type == "reuse_connection" {
				err = ch.ReuseConnection(gatewayID, resourceID, data.ICECredentials, data.PresharedKey)
			} else {
				err = ch.PrepareConnection(gatewayID, resourceID, data.ICECredentials, data.PresharedKey)
			}
			if err != nil {
				s.logger.Warn("client socket: authorize failed", "resource_id", resourceID, "error", err)
			}
		}
	}
}

func jwtExpiry(t *jwt.NumericDate) *time.Time {
	if t == nil {
		return nil
	}
	exp := t.Time
	return &exp
}
