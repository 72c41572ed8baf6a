package glm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/harunnryd/kefubridge/pkg/errorsx"
)

type streamRequest struct {
	AssistantID    string `json:"assistant_id"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
}

func assistantServer(t *testing.T, stream http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/get_token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0,"result":{"access_token":"tok-1","expires_in":3600}}`)
	})
	mux.HandleFunc("/stream", stream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGLMClient(srv *httptest.Server, maxRetries int) *Client {
	return NewClient(Config{BaseURL: srv.URL, MaxRetries: maxRetries, RetryDelay: 1}, nil, nil, nil)
}

func TestCreateCompletionEndToEnd(t *testing.T) {
	var gotReq streamRequest
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Errorf("authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"conversation_id":"conv123456789012345678ab","message":{"content":{"type":"text","text":"答案"}}}`,
			`{"conversation_id":"conv123456789012345678ab","status":"finish"}`,
		))
	})

	client := newTestGLMClient(srv, 0)
	env, err := client.CreateCompletion(context.Background(), "asst-1",
		[]Message{{Role: "user", Content: "问题"}}, "key.secret", "conv123456789012345678ab")
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if env.Text() != "答案" || env.ID != "conv123456789012345678ab" {
		t.Fatalf("envelope = %+v", env)
	}
	if gotReq.AssistantID != "asst-1" || gotReq.ConversationID != "conv123456789012345678ab" {
		t.Fatalf("stream request = %+v", gotReq)
	}
}

func TestCreateCompletionDropsMalformedConversationID(t *testing.T) {
	var gotReq streamRequest
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"conversation_id":"convNEW56789012345678abcd","status":"finish"}`))
	})

	client := newTestGLMClient(srv, 0)
	if _, err := client.CreateCompletion(context.Background(), "asst-1",
		[]Message{{Role: "user", Content: "hi"}}, "key.secret", "not-a-valid-id"); err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if gotReq.ConversationID != "" {
		t.Fatalf("malformed conversation id forwarded: %q", gotReq.ConversationID)
	}
}

func TestCreateCompletionRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":500,"message":"boom"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"conversation_id":"conv123456789012345678ab","message":{"content":{"type":"text","text":"恢复"}}}`,
			`{"conversation_id":"conv123456789012345678ab","status":"finish"}`,
		))
	})

	client := newTestGLMClient(srv, 2)
	env, err := client.CreateCompletion(context.Background(), "asst-1",
		[]Message{{Role: "user", Content: "hi"}}, "key.secret", "")
	if err != nil {
		t.Fatalf("CreateCompletion: %v", err)
	}
	if env.Text() != "恢复" {
		t.Fatalf("text = %q", env.Text())
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}

func TestCreateCompletionDoesNotRetryFilteredAnswer(t *testing.T) {
	var attempts atomic.Int32
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"conversation_id":"conv-1","status":"intervene"}`))
	})

	client := newTestGLMClient(srv, 3)
	_, err := client.CreateCompletion(context.Background(), "asst-1",
		[]Message{{Role: "user", Content: "敏感"}}, "key.secret", "")
	if errorsx.Reason(err) != errorsx.ReasonContentFiltered {
		t.Fatalf("reason = %v", errorsx.Reason(err))
	}
	if attempts.Load() != 1 {
		t.Fatalf("filtered answer retried, attempts = %d", attempts.Load())
	}
}

func TestCreateCompletionStreamFallsBackOnNonEventStream(t *testing.T) {
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":0,"result":"not a stream"}`)
	})

	client := newTestGLMClient(srv, 0)
	var out strings.Builder
	err := client.CreateCompletionStream(context.Background(), "asst-1",
		[]Message{{Role: "user", Content: "hi"}}, "key.secret", "", &out)
	if err != nil {
		t.Fatalf("CreateCompletionStream: %v", err)
	}
	raw := out.String()
	if !strings.Contains(raw, FallbackText) || !strings.HasSuffix(raw, "data: [DONE]\n\n") {
		t.Fatalf("fallback stream = %q", raw)
	}
}

func TestGenerateImagesCollectsDistinctURLs(t *testing.T) {
	var gotReq streamRequest
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"conversation_id":"conv-1","message":{"status":"finish","content":{"type":"image","image":[{"image_url":"https://img.example/a.png"}]}}}`,
			`{"conversation_id":"conv-1","message":{"status":"finish","content":{"type":"text","text":"画好了 ![图像](https://img.example/a.png) 和 ![图像](https://img.example/b.png)"}}}`,
			`{"conversation_id":"conv-1","status":"finish"}`,
		))
	})

	client := newTestGLMClient(srv, 0)
	urls, err := client.GenerateImages(context.Background(), "asst-1", "一只猫", "key.secret")
	if err != nil {
		t.Fatalf("GenerateImages: %v", err)
	}
	want := []string{"https://img.example/a.png", "https://img.example/b.png"}
	if !reflect.DeepEqual(urls, want) {
		t.Fatalf("urls = %v, want %v", urls, want)
	}
	if !strings.Contains(gotReq.Prompt, "请画：一只猫") {
		t.Fatalf("prompt = %q, want drawing prefix", gotReq.Prompt)
	}
}

func TestGenerateImagesEmptyResultIsAnError(t *testing.T) {
	srv := assistantServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"conversation_id":"conv-1","status":"finish"}`))
	})

	client := newTestGLMClient(srv, 0)
	_, err := client.GenerateImages(context.Background(), "asst-1", "画一朵花", "key.secret")
	if errorsx.Reason(err) != errorsx.ReasonImageEmpty {
		t.Fatalf("reason = %v, want image_empty", errorsx.Reason(err))
	}
}

func TestSplitAPIKeys(t *testing.T) {
	got := SplitAPIKeys("Bearer k1.s1, k2.s2 ,")
	want := []string{"k1.s1", "k2.s2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if keys := SplitAPIKeys(""); keys != nil {
		t.Fatalf("empty auth = %v", keys)
	}
}

func TestExtractReplyImageURLsDeduplicates(t *testing.T) {
	reply := "![图像](https://img.example/a.png) 再来 ![图像](https://img.example/a.png) 和 ![图像](https://img.example/b.png)"
	got := ExtractReplyImageURLs(reply)
	want := []string{"https://img.example/a.png", "https://img.example/b.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("urls = %v, want %v", got, want)
	}
}
