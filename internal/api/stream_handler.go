package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/research-status-relay/internal/pubsub"
	"github.com/JakeFAU/research-status-relay/internal/relay"
	"github.com/JakeFAU/research-status-relay/internal/stream"
)

// statusUpdates handles GET /api/status-updates. The response stays open as
// an event stream until the client leaves or the relay ends the session. If
// the session never started the client gets a JSON 503 instead.
func (s *Server) statusUpdates(w http.ResponseWriter, r *http.Request) {
	sink := stream.NewSession(w, stream.Options{AllowOrigin: s.cfg.CORS.AllowOrigin})
	outcome, err := s.relay.Serve(r.Context(), sink)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, relay.ErrOverCapacity):
		writeError(w, http.StatusServiceUnavailable, "too many open status streams")
	case errors.Is(err, relay.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, pubsub.ErrConnection):
		writeError(w, http.StatusServiceUnavailable, "status channel unavailable")
	default:
		s.logger.Error("status stream failed", zap.String("session_id", outcome.SessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status stream failed")
	}
}

// preflight answers the CORS pre-flight for the stream endpoint.
func (s *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	stream.SetHeaders(w.Header(), s.cfg.CORS.AllowOrigin)
	w.Header().Del("Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
