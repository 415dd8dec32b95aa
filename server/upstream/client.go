package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

// responseBodyCap bounds how much of an upstream response is kept, both for
// payloads and for error previews.
const responseBodyCap = 16 << 20

// Config holds the provider connection settings.
type Config struct {
	BaseURL    string
	AuthHeader string
	AuthValue  string
	Timeout    time.Duration
}

// Address identifies the provider-side peer of a conversation.
type Address struct {
	Account string
	PeerID  string
	Group   bool
}

// Client performs catalog-driven calls against the provider. All calls carry
// a hard timeout and are classified into the upstream error taxonomy; there
// are no automatic retries.
type Client struct {
	catalog    *Catalog
	baseURL    string
	authHeader string
	authValue  string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a provider client over the given catalog.
func NewClient(cfg *Config, catalog *Catalog) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	return &Client{
		catalog:    catalog,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: authHeader,
		authValue:  cfg.AuthValue,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Configured reports whether a provider base URL was supplied.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Catalog exposes the operation table (for the catalog console).
func (c *Client) Catalog() *Catalog {
	return c.catalog
}

// Call resolves operationID through the catalog and performs the HTTP call.
// GET parameters travel in the query string, everything else as a JSON body.
func (c *Client) Call(ctx context.Context, operationID string, params map[string]any) (json.RawMessage, error) {
	op, err := c.catalog.Resolve(operationID)
	if err != nil {
		return nil, err
	}
	if !c.Configured() {
		return nil, apierr.UpstreamNotConfigured()
	}

	target := c.baseURL + "/" + strings.TrimLeft(op.Path, "/")
	var body io.Reader
	if op.Method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			target += "?" + q.Encode()
		}
	} else {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, apierr.Wrap(err, apierr.ErrCodeBadRequest, "unencodable call parameters")
		}
		body = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, op.Method, target, body)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.ErrCodeBadRequest, "invalid upstream request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authValue != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyCap))
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.Wrap(nil, apierr.ErrCodeUpstreamHTTPError,
			fmt.Sprintf("operation %s returned %d: %s", operationID, resp.StatusCode, preview(data)))
	}
	return json.RawMessage(data), nil
}

// Download fetches an external media URL, used by hydration. maxBytes guards
// the embedded data URL cap; exceeding it is a DATAURL_TOO_LARGE error.
func (c *Client) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apierr.BadRequest("media URL is not fetchable")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", apierr.Wrap(nil, apierr.ErrCodeUpstreamHTTPError,
			fmt.Sprintf("media download returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", classifyTransport(err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", apierr.DataURLTooLarge(maxBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// ---- workflow helpers over well-known operations ----

func (a Address) params() map[string]any {
	kind := "u"
	if a.Group {
		kind = "g"
	}
	return map[string]any{
		"wcId":     a.Account,
		"to":       a.PeerID,
		"peerKind": kind,
	}
}

// SendText relays a plain text message to the peer.
func (c *Client) SendText(ctx context.Context, addr Address, content string) error {
	params := addr.params()
	params["content"] = content
	_, err := c.Call(ctx, OpSendText, params)
	return err
}

// UploadImageToCDN re-hosts an image URL on the provider CDN and returns the
// provider-hosted URL.
func (c *Client) UploadImageToCDN(ctx context.Context, addr Address, imageURL string) (string, error) {
	raw, err := c.Call(ctx, OpUploadImageToCDN, map[string]any{
		"wcId": addr.Account,
		"url":  imageURL,
	})
	if err != nil {
		return "", err
	}
	cdnURL := extractCDNURL(raw)
	if cdnURL == "" {
		return "", apierr.Wrap(nil, apierr.ErrCodeUpstreamHTTPError, "CDN upload response carries no URL")
	}
	return cdnURL, nil
}

// SendImage relays an image by its CDN URL.
func (c *Client) SendImage(ctx context.Context, addr Address, cdnURL string) error {
	params := addr.params()
	params["url"] = cdnURL
	_, err := c.Call(ctx, OpSendImage, params)
	return err
}

// SendFileBase64 relays an embedded file payload.
func (c *Client) SendFileBase64(ctx context.Context, addr Address, name, b64 string) error {
	params := addr.params()
	params["fileName"] = name
	params["base64"] = b64
	_, err := c.Call(ctx, OpSendFileBase64, params)
	return err
}

// SendFileByURL relays a file by external URL.
func (c *Client) SendFileByURL(ctx context.Context, addr Address, name, fileURL string) error {
	params := addr.params()
	params["fileName"] = name
	params["url"] = fileURL
	_, err := c.Call(ctx, OpSendFileByURL, params)
	return err
}

// extractCDNURL tolerates the provider's varying response envelopes.
func extractCDNURL(raw json.RawMessage) string {
	var envelope struct {
		CDNURL string `json:"cdnUrl"`
		URL    string `json:"url"`
		Data   struct {
			CDNURL string `json:"cdnUrl"`
			URL    string `json:"url"`
			WcURL  string `json:"wcUrl"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	for _, candidate := range []string{envelope.Data.CDNURL, envelope.Data.URL, envelope.Data.WcURL, envelope.CDNURL, envelope.URL} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(err, apierr.ErrCodeUpstreamTimeout, "upstream call timed out")
	}
	return apierr.Wrap(err, apierr.ErrCodeUpstreamNetworkError, "upstream call failed")
}

func preview(data []byte) string {
	const limit = 200
	s := string(data)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
