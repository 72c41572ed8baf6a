package glm

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/harunnryd/kefubridge/pkg/completion"
	"github.com/harunnryd/kefubridge/pkg/errorsx"
)

// Collector drives one assistant stream to completion and returns the
// assembled answer as a single envelope. Frames are diffed as they arrive; a
// transport close without a terminal event yields whatever was accumulated.
type Collector struct {
	assistantID string
}

func NewCollector(assistantID string) *Collector {
	return &Collector{assistantID: assistantID}
}

func (c *Collector) Collect(body io.Reader) (*completion.Envelope, error) {
	env := completion.NewCompletion(c.assistantID)
	differ := NewDiffer(CitationDefer)
	var content strings.Builder

	err := ScanEvents(body, func(data string) error {
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return errorsx.Newf(errorsx.ReasonUpstreamFormat, "stream response invalid: %s", data)
		}
		if env.ID == "" && ev.ConversationID != "" {
			env.ID = ev.ConversationID
		}
		if ev.Status == StatusIntervene {
			return errorsx.New(errorsx.ReasonContentFiltered, "answer withheld by upstream content filter")
		}
		if ev.Status == StatusFinish {
			return errStreamDone
		}
		if delta := differ.Apply(ev.Message); delta != "" {
			content.WriteString(delta)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return nil, err
	}

	env.Choices[0].Message.Content = StripSourceTags(content.String()) + differ.TrailingSources()
	return env, nil
}
