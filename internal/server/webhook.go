package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookPayload is the body of a change notification from Flipt
type WebhookPayload struct {
	Event     string   `json:"event"`
	FlagKeys  []string `json:"flag_keys"`
	Timestamp string   `json:"timestamp"`
}

// eventPing verifies delivery without changing anything
const eventPing = "ping"

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// Verify signature if secret is configured
	if s.cfg.WebhookSecret != "" && !s.verifySignature(r, body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if payload.Event == eventPing {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// the snapshot covers the whole namespace, so any change refetches it
	s.logger.InfoContext(r.Context(), "webhook received",
		"event", payload.Event, "flags", payload.FlagKeys)

	if err := s.refresh(r.Context(), "webhook"); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSignature))
}
