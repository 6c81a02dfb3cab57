package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/orca-platform/orca-server/internal/api/middleware"
	"github.com/orca-platform/orca-server/internal/chat"
	"github.com/orca-platform/orca-server/internal/llm"
	"github.com/orca-platform/orca-server/internal/logging"
)

type ChatRunner interface {
	Begin(ctx context.Context, userID string, history []llm.Message) (*chat.Turn, error)
}

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// ChatHandler runs one chat turn and streams the assistant's text as
// text/plain. Errors before the first byte are JSON; a failure after that
// aborts the response so the client never mistakes a partial answer for a
// complete one.
func ChatHandler(runner ChatRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		var req chatRequest
		if err := decodeJSON(r, &req); err != nil || len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "Messages array is required")
			return
		}

		history := make([]llm.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			role := llm.RoleUser
			if strings.EqualFold(m.Role, llm.RoleAssistant) {
				role = llm.RoleAssistant
			}
			history = append(history, llm.Message{Role: role, Content: llm.Text(m.Content)})
		}

		turn, err := runner.Begin(r.Context(), middleware.UserID(r.Context()), history)
		if err != nil {
			log.Error().Err(err).Msg("chat turn failed to start")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := turn.Stream(w); err != nil {
			if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
				log.Info().Msg("client went away during chat turn")
				return
			}
			log.Error().Err(err).Msg("chat stream failed")
			panic(http.ErrAbortHandler)
		}
	}
}
