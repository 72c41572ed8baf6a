// Package wxkf implements the channel contract against the WeCom customer
// service (微信客服) HTTP API: corp token management, message send, media
// transfer, and a polling message source with a persisted sync cursor.
package wxkf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/kefubridge/pkg/channel"
	"github.com/harunnryd/kefubridge/pkg/errorsx"
	"github.com/harunnryd/kefubridge/pkg/statestore"
)

const DefaultBaseURL = "https://qyapi.weixin.qq.com"

// Token errcodes that mean the cached corp token must be discarded.
const (
	errcodeTokenInvalid = 40014
	errcodeTokenExpired = 42001
)

// Config carries the WeCom customer service settings.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	CorpID       string        `mapstructure:"corp_id"`
	CorpSecret   string        `mapstructure:"corp_secret"`
	PollInterval time.Duration `mapstructure:"-"`
	TokenMargin  time.Duration `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.TokenMargin <= 0 {
		c.TokenMargin = 300 * time.Second
	}
}

type corpToken struct {
	AccessToken string    `json:"access_token"`
	RefreshTime time.Time `json:"refresh_time"`
}

// Client talks to the WeCom customer service API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	corpID     string
	corpSecret string
	margin     time.Duration
	store      statestore.Store
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token corpToken
}

func NewClient(cfg Config, store statestore.Store, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		corpID:     cfg.CorpID,
		corpSecret: cfg.CorpSecret,
		margin:     cfg.TokenMargin,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *Client) tokenStoreKey() string {
	return "wxkf-token-" + c.corpID
}

// accessToken returns a corp token, refreshing through the gettoken endpoint
// when the cached one is within the expiry margin.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.AccessToken != "" && c.now().Before(c.token.RefreshTime) {
		return c.token.AccessToken, nil
	}
	if c.token.AccessToken == "" && c.store != nil {
		var persisted corpToken
		if ok, err := c.store.Load(c.tokenStoreKey(), &persisted); err == nil && ok {
			if persisted.AccessToken != "" && c.now().Before(persisted.RefreshTime) {
				c.token = persisted
				return c.token.AccessToken, nil
			}
		}
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.corpSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelAuth)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelAuth)
	}
	defer resp.Body.Close()

	var result struct {
		Errcode     int    `json:"errcode"`
		Errmsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelAuth)
	}
	if result.Errcode != 0 {
		return "", errorsx.Newf(errorsx.ReasonChannelAuth, "gettoken rejected: [%d] %s", result.Errcode, result.Errmsg)
	}

	c.token = corpToken{
		AccessToken: result.AccessToken,
		RefreshTime: c.now().Add(time.Duration(result.ExpiresIn)*time.Second - c.margin),
	}
	if c.store != nil {
		if err := c.store.Save(c.tokenStoreKey(), c.token); err != nil {
			c.logger.Warn("persisting corp token failed", "error", err)
		}
	}
	c.logger.Info("corp token refreshed", "refresh_time", c.token.RefreshTime)
	return c.token.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = corpToken{}
	c.mu.Unlock()
}

// postJSON issues an authenticated POST and decodes the errcode envelope into
// out. A stale-token errcode invalidates the cache and retries once.
func (c *Client) postJSON(ctx context.Context, apiPath string, payload, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		endpoint := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, apiPath, url.QueryEscape(token))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonChannelSend)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonChannelSend)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonChannelSend)
		}

		var envelope struct {
			Errcode int    `json:"errcode"`
			Errmsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonChannelSend)
		}
		if envelope.Errcode == errcodeTokenInvalid || envelope.Errcode == errcodeTokenExpired {
			c.invalidateToken()
			continue
		}
		if envelope.Errcode != 0 {
			return errorsx.Newf(errorsx.ReasonChannelSend, "%s rejected: [%d] %s", apiPath, envelope.Errcode, envelope.Errmsg)
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return errorsx.Wrap(err, errorsx.ReasonChannelSend)
			}
		}
		return nil
	}
	return errorsx.New(errorsx.ReasonChannelAuth, "corp token rejected after refresh")
}

// SendText delivers a text reply to the user on the given service account.
func (c *Client) SendText(ctx context.Context, kfID, userID, text string) error {
	payload := map[string]any{
		"touser":    userID,
		"open_kfid": kfID,
		"msgid":     uuid.NewString(),
		"msgtype":   "text",
		"text":      map[string]string{"content": text},
	}
	return c.postJSON(ctx, "/cgi-bin/kf/send_msg", payload, nil)
}

// SendImage delivers a previously uploaded image by media id.
func (c *Client) SendImage(ctx context.Context, kfID, userID, mediaID string) error {
	payload := map[string]any{
		"touser":    userID,
		"open_kfid": kfID,
		"msgid":     uuid.NewString(),
		"msgtype":   "image",
		"image":     map[string]string{"media_id": mediaID},
	}
	return c.postJSON(ctx, "/cgi-bin/kf/send_msg", payload, nil)
}

// SendWelcome answers an enter-session event through its one-shot code.
func (c *Client) SendWelcome(ctx context.Context, welcomeCode, text string) error {
	payload := map[string]any{
		"code":    welcomeCode,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	return c.postJSON(ctx, "/cgi-bin/kf/send_msg_on_event", payload, nil)
}

// DownloadMedia fetches raw media bytes by platform media id.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) (string, []byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", nil, err
	}
	endpoint := fmt.Sprintf("%s/cgi-bin/media/get?access_token=%s&media_id=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}

	contentType := resp.Header.Get("Content-Type")
	// Failures come back as a JSON errcode body instead of media bytes.
	if strings.Contains(contentType, "application/json") || strings.Contains(contentType, "text/plain") {
		var envelope struct {
			Errcode int    `json:"errcode"`
			Errmsg  string `json:"errmsg"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Errcode != 0 {
			return "", nil, errorsx.Newf(errorsx.ReasonChannelSend, "media/get rejected: [%d] %s", envelope.Errcode, envelope.Errmsg)
		}
	}
	return contentType, data, nil
}

// TransferMedia downloads an external image URL and re-uploads it as
// temporary platform media, returning the media id to send with.
func (c *Client) TransferMedia(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", errorsx.Newf(errorsx.ReasonChannelSend, "media fetch %s: [%d]", mediaURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return c.uploadMedia(ctx, "image", uuid.NewString()+".png", contentType, data)
}

func (c *Client) uploadMedia(ctx context.Context, mediaType, filename, contentType string, data []byte) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/media/upload?access_token=%s&type=%s",
		c.baseURL, url.QueryEscape(token), url.QueryEscape(mediaType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	defer resp.Body.Close()

	var result struct {
		Errcode int    `json:"errcode"`
		Errmsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonChannelSend)
	}
	if result.Errcode != 0 {
		return "", errorsx.Newf(errorsx.ReasonChannelSend, "media/upload rejected: [%d] %s", result.Errcode, result.Errmsg)
	}
	return result.MediaID, nil
}

var _ channel.Channel = (*Client)(nil)
