package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/kefubridge/pkg/completion"
	"github.com/harunnryd/kefubridge/pkg/glm"
)

type fakeAPI struct {
	apiKey    string
	refConvID string
	streamErr error
	batchErr  error
	frames    []string
	reply     string
}

func (f *fakeAPI) CreateCompletion(_ context.Context, assistantID string, _ []glm.Message, apiKey, refConvID string) (*completion.Envelope, error) {
	f.apiKey = apiKey
	f.refConvID = refConvID
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	env := completion.NewCompletion(assistantID)
	env.Choices[0].Message.Content = f.reply
	return env, nil
}

func (f *fakeAPI) CreateCompletionStream(_ context.Context, _ string, _ []glm.Message, apiKey, _ string, w io.Writer) error {
	f.apiKey = apiKey
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, frame := range f.frames {
		fmt.Fprint(w, frame)
	}
	return nil
}

func (f *fakeAPI) GenerateImages(_ context.Context, _ string, prompt, apiKey string) ([]string, error) {
	f.apiKey = apiKey
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return []string{"https://img.example/" + prompt + ".png"}, nil
}

func postCompletion(t *testing.T, handler http.Handler, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionBatch(t *testing.T) {
	api := &fakeAPI{reply: "你好！"}
	srv := New(api, nil, nil)

	rec := postCompletion(t, srv.Handler(), "Bearer key.secret",
		`{"model":"asst-1","messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if api.apiKey != "key.secret" {
		t.Fatalf("apiKey = %q", api.apiKey)
	}
	var env completion.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Object != completion.ObjectCompletion || env.Text() != "你好！" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Usage == nil || env.Usage.TotalTokens != 2 {
		t.Fatalf("usage = %+v, want placeholder", env.Usage)
	}
}

func TestChatCompletionRequiresAPIKey(t *testing.T) {
	srv := New(&fakeAPI{}, nil, nil)
	rec := postCompletion(t, srv.Handler(), "",
		`{"model":"asst-1","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatCompletionStreamPassesFramesThrough(t *testing.T) {
	api := &fakeAPI{frames: []string{
		"data: {\"object\":\"chat.completion.chunk\"}\n\n",
		"data: [DONE]\n\n",
	}}
	srv := New(api, nil, nil)

	rec := postCompletion(t, srv.Handler(), "Bearer key.secret",
		`{"model":"asst-1","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type = %q", got)
	}
	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream did not terminate with DONE: %q", body)
	}
}

func TestImageGenerations(t *testing.T) {
	srv := New(&fakeAPI{}, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generations",
		strings.NewReader(`{"model":"asst-1","prompt":"cat"}`))
	req.Header.Set("Authorization", "Bearer key.secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].URL != "https://img.example/cat.png" {
		t.Fatalf("data = %+v", resp.Data)
	}
}

func TestChatCompletionStreamFallsBackWhenOpenFails(t *testing.T) {
	api := &fakeAPI{streamErr: errors.New("connect refused")}
	srv := New(api, nil, nil)

	rec := postCompletion(t, srv.Handler(), "Bearer key.secret",
		`{"model":"asst-1","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	body := rec.Body.String()
	if !strings.Contains(body, glm.FallbackText) {
		t.Fatalf("fallback text missing from %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream did not terminate with DONE: %q", body)
	}
}
