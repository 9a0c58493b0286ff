package transport

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ocx/meshcore/internal/clientchan"
	"github.com/ocx/meshcore/internal/config"
	"github.com/ocx/meshcore/internal/gatewaychan"
	"github.com/ocx/meshcore/internal/obs"
	"github.com/ocx/meshcore/internal/presence"
	"github.com/ocx/meshcore/internal/pubsub"
	"github.com/ocx/meshcore/internal/ref"
)

// Server binds the pub/sub fabric, hydrators, and presence registry to
// HTTP routes that upgrade to the client and gateway socket protocols.
type Server struct {
	cfg          config.JWTConfig
	logger       *slog.Logger
	metrics      *obs.Metrics
	broker       *pubsub.Broker
	hydrator     *clientchan.Hydrator
	reauthorizer *gatewaychan.Reauthorizer
	relays       *presence.Registry
	signer       *ref.Signer

	upgrader websocket.Upgrader
}

// NewServer wires a Server. relays may be nil, in which case neither
// socket protocol performs relay selection (a single-region deployment
// with no presence backend configured).
func NewServer(
	jwtCfg config.JWTConfig,
	serverCfg config.ServerConfig,
	logger *slog.Logger,
	metrics *obs.Metrics,
	broker *pubsub.Broker,
	hydrator *clientchan.Hydrator,
	reauthorizer *gatewaychan.Reauthorizer,
	relays *presence.Registry,
	signer *ref.Signer,
) *Server {
	return &Server{
		cfg:          jwtCfg,
		logger:       obs.Component(logger, "transport"),
		metrics:      metrics,
		broker:       broker,
		hydrator:     hydrator,
		reauthorizer: reauthorizer,
		relays:       relays,
		signer:       signer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(serverCfg),
		},
	}
}

// buildCheckOrigin allows every origin in dev, and only those listed in
// ServerConfig.CORSAllowOrigins in production.
func buildCheckOrigin(cfg config.ServerConfig) func(r *http.Request) bool {
	if cfg.Env != "production" {
		return func(r *http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(cfg.CORSAllowOrigins))
	for _, o := range cfg.CORSAllowOrigins {
		allowed[o] = true
	}
	if allowed["*"] {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return allowed[strings.TrimSpace(r.Header.Get("Origin"))]
	}
}

// Router returns the HTTP handler: /socket/client and /socket/gateway
// upgrade to their respective protocols; /healthz answers liveness probes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/socket/client", s.handleClientSocket).Methods(http.MethodGet)
	r.HandleFunc("/socket/gateway", s.handleGatewaySocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i+1:], "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
