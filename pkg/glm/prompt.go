package glm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Part is one element of a composite message content.
type Part struct {
	Type     string
	Text     string
	FileURL  string
	ImageURL string
}

// Message mirrors the gpt-style chat message: Content for a plain string,
// Parts for composite content mixing files/images with text.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Parts = nil
	m.Content = ""
	if len(raw.Content) == 0 {
		return nil
	}
	if raw.Content[0] != '[' {
		return json.Unmarshal(raw.Content, &m.Content)
	}
	var parts []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		FileURL struct {
			URL string `json:"url"`
		} `json:"file_url"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return err
	}
	for _, p := range parts {
		m.Parts = append(m.Parts, Part{
			Type:     p.Type,
			Text:     p.Text,
			FileURL:  p.FileURL.URL,
			ImageURL: p.ImageURL.URL,
		})
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := map[string]any{"role": m.Role}
	if len(m.Parts) == 0 {
		out["content"] = m.Content
		return json.Marshal(out)
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		part := map[string]any{"type": p.Type}
		switch p.Type {
		case "text":
			part["text"] = p.Text
		case "file":
			part["file_url"] = map[string]string{"url": p.FileURL}
		case "image_url":
			part["image_url"] = map[string]string{"url": p.ImageURL}
		}
		parts = append(parts, part)
	}
	out["content"] = parts
	return json.Marshal(out)
}

func (m Message) hasMediaPart() bool {
	for _, p := range m.Parts {
		if p.Type == "file" || p.Type == "image_url" {
			return true
		}
	}
	return false
}

var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]+\]\([^)]+\)`)
	tempPathPattern      = regexp.MustCompile(`/mnt/data/[^\n]*`)
)

// ExtractFileRefs returns the file/image URLs referenced by the latest
// message only; earlier turns reference uploads that no longer exist.
func ExtractFileRefs(messages []Message) []string {
	if len(messages) == 0 {
		return nil
	}
	var urls []string
	for _, p := range messages[len(messages)-1].Parts {
		switch p.Type {
		case "file":
			if p.FileURL != "" {
				urls = append(urls, p.FileURL)
			}
		case "image_url":
			if p.ImageURL != "" {
				urls = append(urls, p.ImageURL)
			}
		}
	}
	return urls
}

// PreparePrompt flattens the message list into the single prompt string the
// assistant endpoint accepts. With a carried remote conversation (or a single
// turn) only plain text passes through; otherwise prior turns are serialized
// with role tags, markdown image links and temp-file paths stripped to avoid
// hallucination on files no longer available.
func PreparePrompt(messages []Message, isRefConv bool) string {
	if isRefConv || len(messages) < 2 {
		var b strings.Builder
		for _, msg := range messages {
			for _, text := range messageTexts(msg) {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
		return b.String()
	}

	latest := messages[len(messages)-1]
	if latest.hasMediaPart() {
		injected := Message{Role: "system", Content: "关注用户最新发送文件和消息"}
		rest := append([]Message{}, messages[:len(messages)-1]...)
		messages = append(append(rest, injected), latest)
	}

	var b strings.Builder
	for _, msg := range messages {
		tag := roleTag(msg.Role)
		for _, text := range messageTexts(msg) {
			b.WriteString(tag)
			b.WriteByte('\n')
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	b.WriteString("<|assistant|>\n")

	prompt := markdownImagePattern.ReplaceAllString(b.String(), "")
	return tempPathPattern.ReplaceAllString(prompt, "")
}

func messageTexts(msg Message) []string {
	if len(msg.Parts) == 0 {
		return []string{msg.Content}
	}
	var texts []string
	for _, p := range msg.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return texts
}

func roleTag(role string) string {
	switch role {
	case "system":
		return "<|system|>"
	case "assistant":
		return "<|assistant|>"
	default:
		return "<|user|>"
	}
}
