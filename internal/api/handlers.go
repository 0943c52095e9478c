package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// sendRequest is the body of a manual outbound send.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// sendHandler delivers a one-off message outside the turn pipeline, for
// operator use. The response carries the wire-format delivery result.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err, "original_to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message body cannot be empty"))
		return
	}

	result := s.msgService.Send(r.Context(), canonicalTo, req.Body, "")
	if result.Sent != models.SentTrue {
		slog.Error("Server.sendHandler: delivery failed", "to", canonicalTo, "statusCode", result.StatusCode)
		writeJSONResponse(w, http.StatusBadGateway, models.SuccessWithMessage("Delivery failed", result))
		return
	}

	slog.Info("Server.sendHandler: message sent", "to", canonicalTo)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// escalationsHandler lists escalation records for manual follow-up. The
// optional "since" query parameter (RFC 3339) bounds the listing; the default
// is the escalation retention window.
func (s *Server) escalationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	since := time.Now().Add(-DefaultEscalationTTL)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid 'since' timestamp, expected RFC 3339"))
			return
		}
		since = parsed
	}

	records, err := s.st.ListEscalations(since)
	if err != nil {
		slog.Error("Server.escalationsHandler: listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list escalations"))
		return
	}
	if records == nil {
		records = []models.EscalationRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// conversationHandler returns the conversation state for one identity, for
// operator inspection. The phone follows the path: /conversations/{phone}.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if raw == "" || strings.Contains(raw, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Expected /conversations/{phone}"))
		return
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(raw)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	state, stateErr := s.states.Get(r.Context(), phone)
	if stateErr != nil {
		slog.Warn("Server.conversationHandler: degraded state load", "identity", phone, "error", stateErr)
	}
	history := s.states.GetHistory(r.Context(), phone, DefaultHistoryLimit)

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"state":   state,
		"history": history,
	}))
}
