// Package server exposes the OpenAI-compatible chat completions surface on
// top of the assistant completion client.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/harunnryd/kefubridge/pkg/completion"
	"github.com/harunnryd/kefubridge/pkg/errorsx"
	"github.com/harunnryd/kefubridge/pkg/glm"
	"github.com/harunnryd/kefubridge/pkg/metrics"
)

// CompletionAPI is the slice of the completion client the server needs.
type CompletionAPI interface {
	CreateCompletion(ctx context.Context, assistantID string, messages []glm.Message, apiKey, refConvID string) (*completion.Envelope, error)
	CreateCompletionStream(ctx context.Context, assistantID string, messages []glm.Message, apiKey, refConvID string, w io.Writer) error
	GenerateImages(ctx context.Context, assistantID, prompt, apiKey string) ([]string, error)
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []glm.Message `json:"messages"`
	Stream         bool          `json:"stream"`
	ConversationID string        `json:"conversation_id"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Server handles the chat completions endpoint. The model field selects the
// assistant id; the bearer credential may carry several comma-separated api
// keys, one of which is picked per request.
type Server struct {
	api      CompletionAPI
	logger   *slog.Logger
	observer metrics.Observer
	pick     func(n int) int
}

func New(api CompletionAPI, logger *slog.Logger, observer metrics.Observer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &Server{api: api, logger: logger, observer: observer, pick: rand.Intn}
}

// Handler returns the routed http handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/images/generations", s.handleImageGenerations)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	return mux
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	keys := glm.SplitAPIKeys(r.Header.Get("Authorization"))
	if len(keys) == 0 {
		s.writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing api key")
		return
	}
	apiKey := keys[s.pick(len(keys))]

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	started := time.Now()
	defer func() {
		s.observer.RecordEvent(metrics.MetricsEvent{
			Name:  "http_completion_ms",
			Time:  time.Now(),
			Value: float64(time.Since(started).Milliseconds()),
			Tags:  map[string]string{"model": req.Model, "stream": boolTag(req.Stream)},
		})
	}()

	if req.Stream {
		s.streamCompletion(w, r, req, apiKey)
		return
	}

	env, err := s.api.CreateCompletion(r.Context(), req.Model, req.Messages, apiKey, req.ConversationID)
	if err != nil {
		s.logger.Error("completion failed", "model", req.Model, "error", err)
		status, kind := statusForReason(errorsx.Reason(err))
		s.writeError(w, status, kind, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("encoding completion failed", "error", err)
	}
}

// streamCompletion sets up the event-stream response. All degraded upstream
// conditions are resolved inside the transformer, so once headers are written
// the stream always terminates cleanly.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req chatRequest, apiKey string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if err := s.api.CreateCompletionStream(r.Context(), req.Model, req.Messages, apiKey, req.ConversationID, w); err != nil {
		// The stream never opened; synthesize the fallback terminal chunk so
		// the client sees a complete frame sequence.
		s.logger.Error("completion stream failed", "model", req.Model, "error", err)
		glm.NewChunkTransformer(req.Model, s.logger).WriteFallback(w)
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	keys := glm.SplitAPIKeys(r.Header.Get("Authorization"))
	if len(keys) == 0 {
		s.writeError(w, http.StatusUnauthorized, "invalid_request_error", "missing api key")
		return
	}
	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if req.Model == "" || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model and prompt are required")
		return
	}

	urls, err := s.api.GenerateImages(r.Context(), req.Model, req.Prompt, keys[s.pick(len(keys))])
	if err != nil {
		s.logger.Error("image generation failed", "model", req.Model, "error", err)
		status, kind := statusForReason(errorsx.Reason(err))
		s.writeError(w, status, kind, err.Error())
		return
	}
	resp := imageResponse{Created: time.Now().Unix()}
	for _, u := range urls {
		resp.Data = append(resp.Data, struct {
			URL string `json:"url"`
		}{URL: u})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding image response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = kind
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding error body failed", "error", err)
	}
}

func statusForReason(reason errorsx.ReasonCode) (int, string) {
	switch reason {
	case errorsx.ReasonAuthRefresh:
		return http.StatusUnauthorized, "invalid_request_error"
	case errorsx.ReasonContentFiltered:
		return http.StatusBadRequest, "invalid_request_error"
	case errorsx.ReasonFileInvalid, errorsx.ReasonFileTooLarge:
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
