// Package glm speaks the ChatGLM assistant streaming API: token acquisition,
// file upload, and the reassembly of its heterogeneous event stream into
// either one assembled answer or an OpenAI-compatible chunk stream.
package glm

// Top-level stream statuses. A per-message status of "finish" only marks a
// content segment (image group, code block, execution output) as complete.
const (
	StatusFinish    = "finish"
	StatusIntervene = "intervene"
)

// Content segment types carried by stream events.
const (
	ContentText            = "text"
	ContentCode            = "code"
	ContentImage           = "image"
	ContentQuoteResult     = "quote_result"
	ContentExecutionOutput = "execution_output"
)

// StreamEvent is one SSE payload from the assistant stream endpoint.
type StreamEvent struct {
	ConversationID string        `json:"conversation_id"`
	Status         string        `json:"status"`
	Message        *EventMessage `json:"message"`
	LastError      *EventError   `json:"last_error"`
}

type EventError struct {
	InterveneText string `json:"intervene_text"`
}

type EventMessage struct {
	Status   string        `json:"status"`
	Content  *EventContent `json:"content"`
	MetaData *EventMeta    `json:"meta_data"`
}

// EventContent is a union: the populated field depends on Type. Text and Code
// are cumulative snapshots, Content carries execution output.
type EventContent struct {
	Type    string       `json:"type"`
	Text    string       `json:"text"`
	Code    string       `json:"code"`
	Image   []EventImage `json:"image"`
	Content string       `json:"content"`
}

type EventImage struct {
	ImageURL string `json:"image_url"`
}

type EventMeta struct {
	MetadataList []EventCitation `json:"metadata_list"`
}

type EventCitation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}
