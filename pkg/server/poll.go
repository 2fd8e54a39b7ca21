package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexandertiopan1212/netzero-ems/pkg/ingest"
	"github.com/alexandertiopan1212/netzero-ems/pkg/log"
)

// authorizePoll checks the bearer ID token when token verification is
// configured. It writes the error response itself and returns false on
// failure.
func (s *Server) authorizePoll(w http.ResponseWriter, r *http.Request) bool {
	if s.verifyToken == nil {
		return true
	}
	ctx := r.Context()

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	email, err := s.verifyToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return false
	}
	for _, allowed := range s.pollEmails {
		if subtle.ConstantTimeCompare([]byte(email), []byte(allowed)) == 1 {
			log.Ctx(ctx).DebugContext(ctx, "poll: authorized", slog.String("email", email))
			return true
		}
	}
	log.Ctx(ctx).WarnContext(ctx, "unauthorized email for poll", slog.String("email", email))
	writeJSONError(w, "forbidden", http.StatusForbidden)
	return false
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.authorizePoll(w, r) {
		return
	}
	ctx := r.Context()

	res, err := s.poller.Job(ctx)
	if err != nil && res.Readings == 0 {
		writeJSONError(w, "poll failed", http.StatusBadGateway)
		return
	}

	resp := struct {
		ingest.Result
		Error string `json:"error,omitempty"`
	}{Result: res}
	if err != nil {
		// some devices were stored
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}
