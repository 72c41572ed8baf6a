package glm

import (
	"strings"
	"testing"

	"github.com/harunnryd/kefubridge/pkg/errorsx"
)

func sseBody(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("data: ")
		b.WriteString(ev)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestCollectAssemblesAnswer(t *testing.T) {
	body := sseBody(
		`{"conversation_id":"conv-1","status":"","message":{"content":{"type":"text","text":"你好"}}}`,
		`{"conversation_id":"conv-1","status":"","message":{"content":{"type":"text","text":"你好，世界【1†来源】"}}}`,
		`{"conversation_id":"conv-1","status":"","message":{"status":"finish","content":{"type":"quote_result"},"meta_data":{"metadata_list":[{"title":"百科","url":"https://b.example"}]}}}`,
		`{"conversation_id":"conv-1","status":"finish"}`,
	)
	env, err := NewCollector("asst-1").Collect(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if env.ID != "conv-1" {
		t.Fatalf("conversation id = %q", env.ID)
	}
	want := "你好，世界\n\n搜索结果来自：\n百科 - https://b.example"
	if got := env.Text(); got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
	if env.Usage == nil || env.Usage.TotalTokens != 2 {
		t.Fatalf("usage = %+v", env.Usage)
	}
}

func TestCollectInterveneIsFiltered(t *testing.T) {
	body := sseBody(
		`{"conversation_id":"conv-1","message":{"content":{"type":"text","text":"开头"}}}`,
		`{"conversation_id":"conv-1","status":"intervene"}`,
	)
	_, err := NewCollector("asst-1").Collect(strings.NewReader(body))
	if errorsx.Reason(err) != errorsx.ReasonContentFiltered {
		t.Fatalf("reason = %v, want content_filtered", errorsx.Reason(err))
	}
}

func TestCollectMalformedEventFails(t *testing.T) {
	body := sseBody(`{not json`)
	_, err := NewCollector("asst-1").Collect(strings.NewReader(body))
	if errorsx.Reason(err) != errorsx.ReasonUpstreamFormat {
		t.Fatalf("reason = %v, want upstream_format", errorsx.Reason(err))
	}
}

func TestCollectTransportCloseKeepsPartialAnswer(t *testing.T) {
	// No terminal event: the reader just ends.
	body := sseBody(
		`{"conversation_id":"conv-1","message":{"content":{"type":"text","text":"部分回答"}}}`,
	)
	env, err := NewCollector("asst-1").Collect(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := env.Text(); got != "部分回答" {
		t.Fatalf("text = %q", got)
	}
}

func TestScanEventsJoinsMultilineData(t *testing.T) {
	body := "data: {\"a\":\ndata: 1}\n\n: comment line\ndata: second\n\n"
	var got []string
	err := ScanEvents(strings.NewReader(body), func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}
	if len(got) != 2 || got[0] != "{\"a\":\n1}" || got[1] != "second" {
		t.Fatalf("events = %q", got)
	}
}
