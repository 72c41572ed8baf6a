package glm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/harunnryd/kefubridge/pkg/completion"
	"github.com/harunnryd/kefubridge/pkg/errorsx"
	"github.com/harunnryd/kefubridge/pkg/metrics"
	"github.com/harunnryd/kefubridge/pkg/resilience"
	"github.com/harunnryd/kefubridge/pkg/statestore"
)

const DefaultBaseURL = "https://chatglm.cn/chatglm/assistant-api/v1"

var (
	convIDPattern   = regexp.MustCompile(`^[0-9a-zA-Z]{24}$`)
	replyURLPattern = regexp.MustCompile(`\((https?://\S+)\)`)
)

// Config carries the completion provider settings.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	StreamTimeout     time.Duration `mapstructure:"-"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"-"`
	MaxFileSize       int64         `mapstructure:"-"`
	TokenMargin       time.Duration `mapstructure:"-"`
	UseCircuitBreaker bool          `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int           `mapstructure:"circuit_threshold"`
	CircuitCooldown   time.Duration `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 120 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
}

// Client orchestrates one outbound completion: file upload, prompt assembly,
// token acquisition, the streaming POST, and the collector or transformer
// consuming it, all behind a bounded fixed-delay retry.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	tokens      *TokenCache
	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	maxFileSize int64
	logger      *slog.Logger
	observer    metrics.Observer
}

func NewClient(cfg Config, store statestore.Store, logger *slog.Logger, observer metrics.Observer) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	retry := resilience.NewRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)
	retry.IsRetryable = retryableCompletionError
	var breaker *resilience.CircuitBreaker
	if cfg.UseCircuitBreaker {
		breaker = resilience.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.StreamTimeout},
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:      NewTokenCache(cfg.BaseURL, cfg.TokenMargin, store, logger),
		retry:       retry,
		breaker:     breaker,
		maxFileSize: cfg.MaxFileSize,
		logger:      logger,
		observer:    observer,
	}
}

func retryableCompletionError(err error) bool {
	if !resilience.DefaultIsRetryable(err) {
		return false
	}
	return errorsx.Retryable(errorsx.Reason(err))
}

// CreateCompletion runs the batch mode: one assembled answer per call.
func (c *Client) CreateCompletion(ctx context.Context, assistantID string, messages []Message, apiKey, refConvID string) (env *completion.Envelope, err error) {
	err = c.retry.Do(ctx, func() error {
		env, err = c.completeOnce(ctx, assistantID, messages, apiKey, refConvID)
		return err
	})
	return env, err
}

func (c *Client) completeOnce(ctx context.Context, assistantID string, messages []Message, apiKey, refConvID string) (*completion.Envelope, error) {
	resp, err := c.openStream(ctx, assistantID, messages, apiKey, refConvID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !isEventStream(resp) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		c.logger.Error("upstream response is not an event stream",
			"content_type", resp.Header.Get("Content-Type"), "body", string(raw))
		return nil, errorsx.Newf(errorsx.ReasonUpstreamFormat,
			"stream response content-type invalid: %s", resp.Header.Get("Content-Type"))
	}
	started := time.Now()
	env, err := NewCollector(assistantID).Collect(resp.Body)
	if err != nil {
		c.onOutcome(err)
		return nil, err
	}
	c.onOutcome(nil)
	c.recordTransfer(assistantID, started)
	return env, nil
}

// CreateCompletionStream runs the chunk mode, writing OpenAI-compatible
// frames to w. Only failures before the stream opens are retried; once
// frames flow, degraded conditions are resolved inside the transformer so
// chunk consumers never see a mid-stream error.
func (c *Client) CreateCompletionStream(ctx context.Context, assistantID string, messages []Message, apiKey, refConvID string, w io.Writer) error {
	var resp *http.Response
	err := c.retry.Do(ctx, func() error {
		var openErr error
		resp, openErr = c.openStream(ctx, assistantID, messages, apiKey, refConvID)
		return openErr
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	transformer := NewChunkTransformer(assistantID, c.logger)
	if !isEventStream(resp) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		c.logger.Error("upstream response is not an event stream",
			"content_type", resp.Header.Get("Content-Type"), "body", string(raw))
		transformer.WriteFallback(w)
		return nil
	}
	started := time.Now()
	convID := transformer.Transform(resp.Body, w)
	c.onOutcome(nil)
	c.recordTransfer(assistantID, started)
	c.logger.Info("stream transfer completed", "conversation_id", convID)
	return nil
}

// GenerateImages asks the assistant to draw and collects the de-duplicated
// image URLs its stream produces.
func (c *Client) GenerateImages(ctx context.Context, assistantID, prompt, apiKey string) (urls []string, err error) {
	if !strings.Contains(prompt, "画") {
		prompt = "请画：" + prompt
	}
	messages := []Message{{Role: "user", Content: prompt}}
	err = c.retry.Do(ctx, func() error {
		urls, err = c.collectImagesOnce(ctx, assistantID, messages, apiKey)
		return err
	})
	return urls, err
}

func (c *Client) collectImagesOnce(ctx context.Context, assistantID string, messages []Message, apiKey string) ([]string, error) {
	resp, err := c.openStream(ctx, assistantID, messages, apiKey, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !isEventStream(resp) {
		return nil, errorsx.Newf(errorsx.ReasonUpstreamFormat,
			"stream response content-type invalid: %s", resp.Header.Get("Content-Type"))
	}

	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if wellFormedURL(u) && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	scanErr := ScanEvents(resp.Body, func(data string) error {
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return errorsx.Newf(errorsx.ReasonUpstreamFormat, "stream response invalid: %s", data)
		}
		if ev.Status == StatusIntervene {
			return errorsx.New(errorsx.ReasonContentFiltered, "image generation intervened")
		}
		if ev.Status == StatusFinish {
			return errStreamDone
		}
		if ev.Message == nil || ev.Message.Content == nil || ev.Message.Status != StatusFinish {
			return nil
		}
		content := ev.Message.Content
		switch content.Type {
		case ContentImage:
			for _, img := range content.Image {
				add(img.ImageURL)
			}
		case ContentText:
			for _, match := range replyURLPattern.FindAllStringSubmatch(content.Text, -1) {
				add(match[1])
			}
		}
		return nil
	})
	if scanErr != nil && scanErr != errStreamDone {
		return nil, scanErr
	}
	if len(urls) == 0 {
		return nil, errorsx.New(errorsx.ReasonImageEmpty, "image generation produced no urls")
	}
	return urls, nil
}

// openStream uploads referenced files, flattens the prompt, acquires a token
// and issues the streaming POST.
func (c *Client) openStream(ctx context.Context, assistantID string, messages []Message, apiKey, refConvID string) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, errorsx.New(errorsx.ReasonUpstreamRequest, "completion circuit open")
	}
	if !convIDPattern.MatchString(refConvID) {
		refConvID = ""
	}

	var fileRefs []json.RawMessage
	for _, fileURL := range ExtractFileRefs(messages) {
		ref, err := c.uploadFile(ctx, fileURL, apiKey)
		if err != nil {
			return nil, err
		}
		fileRefs = append(fileRefs, ref)
	}

	token, err := c.tokens.Acquire(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"assistant_id": assistantID,
		"prompt":       PreparePrompt(messages, refConvID != ""),
		"file_list":    fileRefs,
	}
	if refConvID != "" {
		payload["conversation_id"] = refConvID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.onOutcome(err)
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		err := resilience.RateLimitError{Provider: "glm", Message: string(raw)}
		c.onOutcome(err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) onOutcome(err error) {
	if c.breaker == nil {
		return
	}
	if err == nil {
		c.breaker.OnSuccess()
		return
	}
	c.breaker.OnError(err)
}

func (c *Client) recordTransfer(assistantID string, started time.Time) {
	c.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "stream_transfer_ms",
		Time:  time.Now(),
		Value: float64(time.Since(started).Milliseconds()),
		Tags:  map[string]string{"assistant_id": assistantID},
	})
}

// ExtractReplyImageURLs pulls distinct image URLs out of a rendered reply.
func ExtractReplyImageURLs(reply string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, match := range replyURLPattern.FindAllStringSubmatch(reply, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			urls = append(urls, match[1])
		}
	}
	return urls
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// SplitAPIKeys splits a bearer credential that may carry several
// comma-separated api keys.
func SplitAPIKeys(authorization string) []string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(authorization), "Bearer ")
	var keys []string
	for _, k := range strings.Split(trimmed, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
