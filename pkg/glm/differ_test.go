package glm

import (
	"strings"
	"testing"
)

func textEvent(snapshot string) *EventMessage {
	return &EventMessage{Content: &EventContent{Type: ContentText, Text: snapshot}}
}

func codeEvent(snapshot string, finished bool) *EventMessage {
	status := ""
	if finished {
		status = StatusFinish
	}
	return &EventMessage{Status: status, Content: &EventContent{Type: ContentCode, Code: snapshot}}
}

func TestDifferTextDeltasConcatenateToSnapshot(t *testing.T) {
	d := NewDiffer(CitationDefer)
	snapshots := []string{"你", "你好", "你好，世", "你好，世界"}
	var assembled strings.Builder
	for _, snap := range snapshots {
		assembled.WriteString(d.Apply(textEvent(snap)))
	}
	if got := assembled.String(); got != "你好，世界" {
		t.Fatalf("assembled = %q", got)
	}
}

func TestDifferClampsShrunkenSnapshot(t *testing.T) {
	d := NewDiffer(CitationDefer)
	d.Apply(textEvent("hello world"))
	if delta := d.Apply(textEvent("hello")); delta != "" {
		t.Fatalf("shrunken snapshot produced delta %q", delta)
	}
	// Growth past the high-water mark resumes normally.
	if delta := d.Apply(textEvent("hello world!")); delta != "!" {
		t.Fatalf("resumed delta = %q", delta)
	}
}

func TestDifferCodeFenceOpensAndClosesOncePerRun(t *testing.T) {
	d := NewDiffer(CitationDefer)
	var out strings.Builder
	out.WriteString(d.Apply(codeEvent("print(", false)))
	out.WriteString(d.Apply(codeEvent("print(1)", false)))
	out.WriteString(d.Apply(codeEvent("print(1)", true)))
	want := "```python\nprint(1)\n```\n"
	if got := out.String(); got != want {
		t.Fatalf("code run = %q, want %q", got, want)
	}

	// A second run reopens the fence with a fresh offset.
	out.Reset()
	out.WriteString(d.Apply(codeEvent("x = 2", false)))
	out.WriteString(d.Apply(codeEvent("x = 2", true)))
	want = "```python\nx = 2\n```\n"
	if got := out.String(); got != want {
		t.Fatalf("second code run = %q, want %q", got, want)
	}
}

func TestDifferCodeFinishWithoutOpenIsSilent(t *testing.T) {
	d := NewDiffer(CitationDefer)
	if delta := d.Apply(codeEvent("", true)); delta != "" {
		t.Fatalf("dangling finish produced %q", delta)
	}
}

func TestDifferImagesSeparateFollowingText(t *testing.T) {
	d := NewDiffer(CitationDefer)
	imgs := &EventMessage{Status: StatusFinish, Content: &EventContent{
		Type:  ContentImage,
		Image: []EventImage{{ImageURL: "https://img.example/a.png"}, {ImageURL: "ftp://bad"}},
	}}
	delta := d.Apply(imgs)
	if delta != "![图像](https://img.example/a.png)\n" {
		t.Fatalf("image delta = %q", delta)
	}
	// The next text delta starts with the pending separator.
	if next := d.Apply(textEvent("看图")); next != "\n看图" {
		t.Fatalf("post-image text delta = %q", next)
	}
}

func TestDifferExecutionOutputDeduplicates(t *testing.T) {
	d := NewDiffer(CitationDefer)
	exec := func(out string) *EventMessage {
		return &EventMessage{Status: StatusFinish, Content: &EventContent{Type: ContentExecutionOutput, Content: out}}
	}
	if delta := d.Apply(exec("\nresult: 42")); delta != "result: 42\n" {
		t.Fatalf("first output = %q", delta)
	}
	if delta := d.Apply(exec("\nresult: 42")); delta != "" {
		t.Fatalf("duplicate output = %q", delta)
	}
	if delta := d.Apply(exec("result: 43")); delta != "result: 43\n" {
		t.Fatalf("new output = %q", delta)
	}
}

func TestDifferCitationModes(t *testing.T) {
	quote := &EventMessage{Status: StatusFinish, Content: &EventContent{Type: ContentQuoteResult},
		MetaData: &EventMeta{MetadataList: []EventCitation{{Title: "天气", URL: "https://w.example"}}}}

	deferred := NewDiffer(CitationDefer)
	if delta := deferred.Apply(quote); delta != "" {
		t.Fatalf("deferred citations surfaced inline: %q", delta)
	}
	if got := deferred.TrailingSources(); got != "\n\n搜索结果来自：\n天气 - https://w.example" {
		t.Fatalf("trailing sources = %q", got)
	}

	announced := NewDiffer(CitationAnnounce)
	if delta := announced.Apply(quote); delta != "检索 天气(https://w.example) ...\n" {
		t.Fatalf("announced citation = %q", delta)
	}
	if got := announced.TrailingSources(); got != "" {
		t.Fatalf("announce mode has trailing sources %q", got)
	}
}

func TestStripSourceTags(t *testing.T) {
	in := "答案【3†来源】继续【12†source】完"
	if got := StripSourceTags(in); got != "答案继续完" {
		t.Fatalf("stripped = %q", got)
	}
}
