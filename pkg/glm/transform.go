package glm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/kefubridge/pkg/completion"
)

const doneSentinel = "data: [DONE]\n\n"

// FallbackText is the answer synthesized when the upstream did not reply
// with an event stream in chunk mode.
const FallbackText = "服务暂时不可用，第三方响应错误"

// ChunkTransformer converts the assistant stream into OpenAI-compatible
// chunk frames written to w as they are produced. The contract with chunk
// consumers is that no error surfaces mid-stream: malformed events, transport
// errors and early closes all still end with the [DONE] sentinel.
type ChunkTransformer struct {
	assistantID string
	logger      *slog.Logger
	now         func() int64
}

func NewChunkTransformer(assistantID string, logger *slog.Logger) *ChunkTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkTransformer{
		assistantID: assistantID,
		logger:      logger,
		now:         func() int64 { return time.Now().Unix() },
	}
}

// Transform consumes body and writes chunk frames to w, returning the remote
// conversation id once the stream terminates.
func (t *ChunkTransformer) Transform(body io.Reader, w io.Writer) (convID string) {
	created := t.now()
	differ := NewDiffer(CitationAnnounce)
	writeFrame(w, completion.NewRoleChunk(t.assistantID, created))

	ended := false
	err := ScanEvents(body, func(data string) error {
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.logger.Error("stream response invalid", "data", data)
			return errStreamDone
		}
		if convID == "" && ev.ConversationID != "" {
			convID = ev.ConversationID
		}
		if ev.Status == StatusFinish || ev.Status == StatusIntervene {
			notice := ""
			if ev.Status == StatusIntervene && ev.LastError != nil && ev.LastError.InterveneText != "" {
				notice = "\n\n" + ev.LastError.InterveneText
			}
			writeFrame(w, completion.NewStopChunk(ev.ConversationID, t.assistantID, notice, created))
			writeRaw(w, doneSentinel)
			ended = true
			return errStreamDone
		}
		if delta := differ.Apply(ev.Message); delta != "" {
			writeFrame(w, completion.NewContentChunk(ev.ConversationID, t.assistantID, delta, created))
		}
		return nil
	})
	if err != nil && err != errStreamDone {
		t.logger.Error("stream transport error", "error", err)
	}
	if !ended {
		writeFrame(w, completion.NewStopChunk(convID, t.assistantID, "", created))
		writeRaw(w, doneSentinel)
	}
	return convID
}

// WriteFallback synthesizes the single terminal chunk used when the upstream
// response is not an event stream.
func (t *ChunkTransformer) WriteFallback(w io.Writer) {
	writeFrame(w, completion.NewFallbackChunk(t.assistantID, FallbackText, t.now()))
	writeRaw(w, doneSentinel)
}

func writeFrame(w io.Writer, env *completion.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	writeRaw(w, "data: "+string(raw)+"\n\n")
}

func writeRaw(w io.Writer, frame string) {
	if _, err := io.WriteString(w, frame); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
