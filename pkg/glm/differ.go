package glm

import (
	"regexp"
	"strings"
)

// CitationMode controls how quote_result segments surface.
type CitationMode int

const (
	// CitationDefer accumulates citations and appends them once, as a
	// trailing sources section, when the stream terminates.
	CitationDefer CitationMode = iota
	// CitationAnnounce surfaces each citation group immediately as a short
	// search-progress notice.
	CitationAnnounce
)

var sourceTagPattern = regexp.MustCompile(`【\d+†(来源|source)】`)

// Differ reduces the ordered vendor event sequence to ordered text deltas.
// It tracks, per in-flight stream, how much of each cumulative payload has
// already been surfaced so that the concatenation of all returned deltas
// equals the final rendered text with no gaps or repeats. Consumed lengths
// are kept per content type and clamped, so a payload shorter than what was
// already surfaced yields an empty delta rather than corrupt output.
type Differ struct {
	mode CitationMode

	textSeen    int
	codeSeen    int
	codeOpen    bool
	sepPending  bool
	lastExecOut string
	citations   strings.Builder
}

func NewDiffer(mode CitationMode) *Differ {
	return &Differ{mode: mode}
}

// Apply consumes one non-terminal event message and returns the freshly
// surfaced text delta, possibly empty.
func (d *Differ) Apply(msg *EventMessage) string {
	if msg == nil || msg.Content == nil {
		return ""
	}
	content := msg.Content
	switch content.Type {
	case ContentText:
		return d.applyText(content.Text)
	case ContentCode:
		return d.applyCode(content.Code, msg.Status == StatusFinish)
	case ContentImage:
		if msg.Status != StatusFinish {
			return ""
		}
		return d.applyImages(content.Image)
	case ContentQuoteResult:
		if msg.Status != StatusFinish || msg.MetaData == nil {
			return ""
		}
		return d.applyCitations(msg.MetaData.MetadataList)
	case ContentExecutionOutput:
		if msg.Status != StatusFinish {
			return ""
		}
		return d.applyExecutionOutput(content.Content)
	default:
		return ""
	}
}

// applyText diffs the cumulative text snapshot against what was already
// surfaced, inserting a newline separator after a non-text segment.
func (d *Differ) applyText(text string) string {
	var delta strings.Builder
	if d.sepPending {
		delta.WriteByte('\n')
		d.sepPending = false
	}
	if len(text) > d.textSeen {
		delta.WriteString(text[d.textSeen:])
		d.textSeen = len(text)
	}
	return delta.String()
}

// applyCode opens the fence on the first chunk of a run, emits only the new
// suffix of the cumulative code string afterwards, and closes the fence on
// the run's finish event. A run interrupted by other segment types stays
// open until its own finish arrives.
func (d *Differ) applyCode(code string, finished bool) string {
	if finished {
		if !d.codeOpen {
			return ""
		}
		d.codeOpen = false
		d.codeSeen = 0
		return "\n```\n"
	}
	var delta strings.Builder
	if !d.codeOpen {
		d.codeOpen = true
		delta.WriteString("```python\n")
	}
	if len(code) > d.codeSeen {
		delta.WriteString(code[d.codeSeen:])
		d.codeSeen = len(code)
	}
	return delta.String()
}

func (d *Differ) applyImages(images []EventImage) string {
	var delta strings.Builder
	for _, img := range images {
		if !wellFormedURL(img.ImageURL) {
			continue
		}
		delta.WriteString("![图像](")
		delta.WriteString(img.ImageURL)
		delta.WriteString(")")
	}
	if delta.Len() == 0 {
		return ""
	}
	delta.WriteByte('\n')
	d.sepPending = true
	return delta.String()
}

func (d *Differ) applyCitations(list []EventCitation) string {
	if len(list) == 0 {
		return ""
	}
	if d.mode == CitationDefer {
		for _, c := range list {
			d.citations.WriteString(c.Title)
			d.citations.WriteString(" - ")
			d.citations.WriteString(c.URL)
			d.citations.WriteByte('\n')
		}
		return ""
	}
	var delta strings.Builder
	for _, c := range list {
		delta.WriteString("检索 ")
		delta.WriteString(c.Title)
		delta.WriteString("(")
		delta.WriteString(c.URL)
		delta.WriteString(") ...")
	}
	delta.WriteByte('\n')
	d.sepPending = true
	return delta.String()
}

// applyExecutionOutput suppresses duplicates of the immediately preceding
// output.
func (d *Differ) applyExecutionOutput(output string) string {
	if output == "" || output == d.lastExecOut {
		return ""
	}
	d.lastExecOut = output
	return strings.TrimPrefix(output, "\n") + "\n"
}

// TrailingSources renders the deferred citation buffer, empty if none were
// collected or the differ announces citations inline.
func (d *Differ) TrailingSources() string {
	if d.citations.Len() == 0 {
		return ""
	}
	return "\n\n搜索结果来自：\n" + strings.TrimSuffix(d.citations.String(), "\n")
}

// StripSourceTags removes inline numbered source markers the assistant weaves
// into answers that carry citations.
func StripSourceTags(s string) string {
	return sourceTagPattern.ReplaceAllString(s, "")
}

func wellFormedURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
