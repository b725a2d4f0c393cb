package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/jam"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/queue"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

// validationResponse carries the full problem list of a rejected request.
type validationResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

// handleSubmit accepts a code submission and enqueues it. The response
// only acknowledges admission; results arrive through the notifier.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed request body"})

		return
	}

	sub, err := s.intake.Submit(r.Context(), &req)
	if err != nil {
		var verr *queue.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, validationResponse{
				Error:    "validation failed",
				Problems: verr.Problems,
			})

			return
		}

		s.log.WithError(err).Error("Submission intake failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"submission intake failed"})

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"challenge": sub.ChallengeID,
		"attempt":   sub.Attempt,
		"depth":     s.pool.Depth(),
	})
}

// handleJamRegister applies a user to a jam topic.
func (s *server) handleJamRegister(w http.ResponseWriter, r *http.Request) {
	var req jam.RegistrationRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed request body"})

		return
	}

	if err := s.jams.Register(r.Context(), &req); err != nil {
		s.writeJamError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

// handleJamConfirm confirms a pending registration.
func (s *server) handleJamConfirm(w http.ResponseWriter, r *http.Request) {
	var req jam.ConfirmRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed request body"})

		return
	}

	if err := s.jams.Confirm(r.Context(), &req); err != nil {
		s.writeJamError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// handleJamAbandon withdraws a registration.
func (s *server) handleJamAbandon(w http.ResponseWriter, r *http.Request) {
	var req jam.AbandonRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"malformed request body"})

		return
	}

	if err := s.jams.Abandon(r.Context(), &req); err != nil {
		s.writeJamError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

// writeJamError maps service errors onto HTTP statuses.
func (s *server) writeJamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{"already registered"})
	case errors.Is(err, jam.ErrRegistrationClosed):
		writeJSON(w, http.StatusConflict, errorResponse{"registration window closed"})
	default:
		s.log.WithError(err).Error("Jam command failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}
