package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/maxbeyer1/reddit-monitor/internal/acklink"
	"github.com/maxbeyer1/reddit-monitor/internal/domain"
	"github.com/maxbeyer1/reddit-monitor/internal/escalation"
	"github.com/maxbeyer1/reddit-monitor/internal/metrics"
)

const maxFormBytes = 8 << 10

// Acknowledger resolves acknowledgment tokens.
type Acknowledger interface {
	Acknowledge(ctx context.Context, token string) (escalation.AckResult, domain.PendingEscalation)
}

type ackResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AckHandler authenticates the request and consumes its token. The credential
// is checked before any lookup so unknown and known tokens are
// indistinguishable to unauthenticated callers.
func AckHandler(secret string, acks Acknowledger, m *metrics.Metrics, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			m.AckRequest("bad_request")
			writeJSON(w, http.StatusBadRequest, ackResponse{Error: "Malformed request"})
			return
		}

		if !authorized(secret, credential(r)) {
			m.AckRequest("unauthorized")
			logger.Warn("security: rejected acknowledgment with invalid credential",
				"rid", RequestIDFromContext(r.Context()), "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, ackResponse{Error: "Unauthorized"})
			return
		}

		token := tokenFrom(r)
		if token == "" {
			m.AckRequest("bad_request")
			writeJSON(w, http.StatusBadRequest, ackResponse{Error: "Missing notification ID"})
			return
		}

		result, esc := acks.Acknowledge(r.Context(), token)
		m.AckRequest(result.String())
		switch result {
		case escalation.AckAcknowledged:
			writeJSON(w, http.StatusOK, ackResponse{Success: true, Status: string(domain.StatusAcknowledged)})
		case escalation.AckAlreadyTerminal:
			logger.Info("acknowledgment for resolved notification", "token", token, "status", esc.Status)
			writeJSON(w, http.StatusOK, ackResponse{Success: true, Status: string(esc.Status)})
		default:
			logger.Info("acknowledgment for unknown notification", "token", token)
			writeJSON(w, http.StatusNotFound, ackResponse{Error: "Notification not found"})
		}
	}
}

func credential(r *http.Request) string {
	if v := r.Header.Get(acklink.SecretHeader); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.Form.Get("secret")
}

func authorized(secret, got string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(got)) == 1
}

func tokenFrom(r *http.Request) string {
	if v := strings.TrimSpace(r.PathValue("token")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Form.Get("id")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Form.Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
