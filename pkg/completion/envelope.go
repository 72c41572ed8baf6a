// Package completion defines the OpenAI-chat-completions-compatible reply
// shapes produced by both the batch collector and the chunk transformer.
package completion

import "time"

const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"

	FinishStop = "stop"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta carries the incremental part of a chunk. Content is a pointer so the
// role announcement can serialize an explicit empty string while the terminal
// chunk stays an empty object.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Envelope struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Object  string   `json:"object"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Created int64    `json:"created"`
}

// The upstream stream carries no token accounting, so envelopes report a
// fixed placeholder the way the original service did.
func placeholderUsage() *Usage {
	return &Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}
}

func stop() *string {
	s := FinishStop
	return &s
}

// NewCompletion builds an empty batch envelope to be filled by the collector.
func NewCompletion(model string) *Envelope {
	return &Envelope{
		Model:  model,
		Object: ObjectCompletion,
		Choices: []Choice{{
			Message:      &Message{Role: "assistant"},
			FinishReason: stop(),
		}},
		Usage:   placeholderUsage(),
		Created: time.Now().Unix(),
	}
}

// NewRoleChunk announces the assistant role before any content is streamed.
func NewRoleChunk(model string, created int64) *Envelope {
	empty := ""
	return &Envelope{
		Model:   model,
		Object:  ObjectChunk,
		Choices: []Choice{{Delta: &Delta{Role: "assistant", Content: &empty}}},
		Created: created,
	}
}

// NewContentChunk carries one text delta.
func NewContentChunk(id, model, content string, created int64) *Envelope {
	return &Envelope{
		ID:      id,
		Model:   model,
		Object:  ObjectChunk,
		Choices: []Choice{{Delta: &Delta{Content: &content}}},
		Created: created,
	}
}

// NewStopChunk terminates a chunk stream. A non-empty content (e.g. an
// intervene notice) is attached to the final delta.
func NewStopChunk(id, model, content string, created int64) *Envelope {
	delta := &Delta{}
	if content != "" {
		delta.Content = &content
	}
	return &Envelope{
		ID:      id,
		Model:   model,
		Object:  ObjectChunk,
		Choices: []Choice{{Delta: delta, FinishReason: stop()}},
		Usage:   placeholderUsage(),
		Created: created,
	}
}

// NewFallbackChunk is the single terminal chunk synthesized when the upstream
// did not answer with an event stream.
func NewFallbackChunk(model, content string, created int64) *Envelope {
	return &Envelope{
		Model:  model,
		Object: ObjectChunk,
		Choices: []Choice{{
			Delta:        &Delta{Role: "assistant", Content: &content},
			FinishReason: stop(),
		}},
		Usage:   placeholderUsage(),
		Created: created,
	}
}

// Text returns the assembled answer of a batch envelope.
func (e *Envelope) Text() string {
	if e == nil || len(e.Choices) == 0 || e.Choices[0].Message == nil {
		return ""
	}
	return e.Choices[0].Message.Content
}
