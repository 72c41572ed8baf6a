package glm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageUnmarshalStringAndParts(t *testing.T) {
	var plain Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"你好"}`), &plain); err != nil {
		t.Fatalf("unmarshal plain: %v", err)
	}
	if plain.Content != "你好" || len(plain.Parts) != 0 {
		t.Fatalf("plain = %+v", plain)
	}

	var composite Message
	raw := `{"role":"user","content":[
		{"type":"text","text":"看这个文件"},
		{"type":"file","file_url":{"url":"https://f.example/doc.pdf"}},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}
	]}`
	if err := json.Unmarshal([]byte(raw), &composite); err != nil {
		t.Fatalf("unmarshal composite: %v", err)
	}
	if len(composite.Parts) != 3 {
		t.Fatalf("parts = %+v", composite.Parts)
	}
	if composite.Parts[1].FileURL != "https://f.example/doc.pdf" {
		t.Fatalf("file part = %+v", composite.Parts[1])
	}
}

func TestExtractFileRefsLatestMessageOnly(t *testing.T) {
	messages := []Message{
		{Role: "user", Parts: []Part{{Type: "file", FileURL: "https://old.example/a.pdf"}}},
		{Role: "assistant", Content: "收到"},
		{Role: "user", Parts: []Part{
			{Type: "file", FileURL: "https://f.example/b.pdf"},
			{Type: "image_url", ImageURL: "https://f.example/c.png"},
			{Type: "text", Text: "看看"},
		}},
	}
	refs := ExtractFileRefs(messages)
	if len(refs) != 2 || refs[0] != "https://f.example/b.pdf" || refs[1] != "https://f.example/c.png" {
		t.Fatalf("refs = %v", refs)
	}
}

func TestPreparePromptPassthroughWithCarriedConversation(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "第一句"},
		{Role: "user", Content: "第二句"},
	}
	got := PreparePrompt(messages, true)
	if got != "第一句\n第二句\n" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestPreparePromptFlattensWithRoleTags(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "你是客服"},
		{Role: "user", Content: "在吗"},
		{Role: "assistant", Content: "在的"},
		{Role: "user", Content: "帮我查订单"},
	}
	got := PreparePrompt(messages, false)
	for _, fragment := range []string{"<|system|>\n你是客服\n", "<|user|>\n在吗\n", "<|assistant|>\n在的\n"} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("prompt %q missing %q", got, fragment)
		}
	}
	if !strings.HasSuffix(got, "<|assistant|>\n") {
		t.Fatalf("prompt %q does not end with assistant tag", got)
	}
}

func TestPreparePromptInjectsMediaFocusHint(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "之前的话"},
		{Role: "user", Parts: []Part{
			{Type: "file", FileURL: "data:application/pdf;base64,AAAA"},
			{Type: "text", Text: "总结这个文件"},
		}},
	}
	got := PreparePrompt(messages, false)
	hintAt := strings.Index(got, "关注用户最新发送文件和消息")
	latestAt := strings.Index(got, "总结这个文件")
	if hintAt < 0 || latestAt < 0 || hintAt > latestAt {
		t.Fatalf("focus hint misplaced in %q", got)
	}
}

func TestPreparePromptStripsStaleArtifacts(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: "之前画了 ![图像](https://img.example/x.png) 存放在 /mnt/data/x.png"},
		{Role: "user", Content: "再画一张"},
	}
	got := PreparePrompt(messages, false)
	if strings.Contains(got, "img.example") || strings.Contains(got, "/mnt/data/") {
		t.Fatalf("stale artifacts survived: %q", got)
	}
}
