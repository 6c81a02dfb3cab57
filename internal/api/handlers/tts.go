package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/orca-platform/orca-server/internal/llm"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/util"
)

type Speaker interface {
	Speech(ctx context.Context, req llm.SpeechRequest) ([]byte, error)
}

type TTSOptions struct {
	Model    string
	Voice    string
	MaxChars int
}

// TTSHandler synthesizes {text, voice?, speed?} to MP3. Text beyond
// MaxChars is dropped before synthesis.
func TTSHandler(speaker Speaker, opts TTSOptions) http.HandlerFunc {
	if opts.Model == "" {
		opts.Model = "tts-1"
	}
	if opts.Voice == "" {
		opts.Voice = "nova"
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 4096
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text  string   `json:"text"`
			Voice string   `json:"voice"`
			Speed *float64 `json:"speed"`
		}
		if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Text) == "" {
			writeError(w, http.StatusBadRequest, "Text is required")
			return
		}

		req := llm.SpeechRequest{
			Model:          opts.Model,
			Input:          util.TruncateRunes(body.Text, opts.MaxChars, ""),
			Voice:          opts.Voice,
			ResponseFormat: "mp3",
			Speed:          1,
		}
		if body.Voice != "" {
			req.Voice = body.Voice
		}
		if body.Speed != nil && *body.Speed > 0 {
			req.Speed = *body.Speed
		}

		audio, err := speaker.Speech(r.Context(), req)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("speech synthesis failed")
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(audio)
	}
}

// HealthHandler answers liveness checks.
func HealthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}
