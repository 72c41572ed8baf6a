package glm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/kefubridge/pkg/errorsx"
)

const (
	headTimeout     = 15 * time.Second
	downloadTimeout = 60 * time.Second
	uploadTimeout   = 120 * time.Second
)

// IsDataURI reports whether the reference carries inline base64 content.
func IsDataURI(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// DecodeDataURI splits a data:<mime>;base64,<payload> reference.
func DecodeDataURI(ref string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, errorsx.New(errorsx.ReasonFileInvalid, "not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errorsx.New(errorsx.ReasonFileInvalid, "malformed data uri")
	}
	contentType = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	return contentType, data, nil
}

// checkFileURL pre-validates a remote reference before any bytes move:
// a HEAD request rejects unreachable files and declared sizes beyond the
// ceiling. Data URIs skip the check.
func (c *Client) checkFileURL(ctx context.Context, fileURL string) error {
	if IsDataURI(fileURL) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errorsx.Newf(errorsx.ReasonFileInvalid, "file %s is not valid: [%d] %s", fileURL, resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > c.maxFileSize {
		return errorsx.Newf(errorsx.ReasonFileTooLarge, "file %s exceeds %d bytes", fileURL, c.maxFileSize)
	}
	return nil
}

// uploadFile validates, fetches and uploads one referenced file, returning
// the opaque upload handle the assistant endpoint expects in file_list.
func (c *Client) uploadFile(ctx context.Context, fileURL, apiKey string) (json.RawMessage, error) {
	if err := c.checkFileURL(ctx, fileURL); err != nil {
		return nil, err
	}

	var filename, contentType string
	var data []byte
	if IsDataURI(fileURL) {
		ct, decoded, err := DecodeDataURI(fileURL)
		if err != nil {
			return nil, err
		}
		contentType = ct
		data = decoded
		filename = uuid.NewString() + extensionFor(ct)
	} else {
		fetched, err := c.downloadFile(ctx, fileURL)
		if err != nil {
			return nil, err
		}
		data = fetched
		filename = path.Base(urlPath(fileURL))
		contentType = mime.TypeByExtension(path.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	token, err := c.tokens.Acquire(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file_upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	defer resp.Body.Close()
	return decodeAPIResult(resp.Body)
}

func (c *Client) downloadFile(ctx context.Context, fileURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, errorsx.Newf(errorsx.ReasonFileInvalid, "download %s: [%d]", fileURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxFileSize+1))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonFileInvalid)
	}
	if int64(len(data)) > c.maxFileSize {
		return nil, errorsx.Newf(errorsx.ReasonFileTooLarge, "file %s exceeds %d bytes", fileURL, c.maxFileSize)
	}
	return data, nil
}

// decodeAPIResult unwraps the {status, message, result} envelope the vendor
// uses on non-stream endpoints. A body without a numeric status passes
// through verbatim.
func decodeAPIResult(r io.Reader) (json.RawMessage, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamFormat)
	}
	var envelope struct {
		Status  *int            `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Status == nil {
		return json.RawMessage(raw), nil
	}
	if *envelope.Status != 0 {
		return nil, errorsx.Newf(errorsx.ReasonUpstreamRequest, "request rejected: %s", envelope.Message)
	}
	return envelope.Result, nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

func urlPath(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil {
		return fileURL
	}
	return u.Path
}
