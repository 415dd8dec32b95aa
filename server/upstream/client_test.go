package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

func newProviderServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var calls []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("X-Wkteam-Auth"),
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testCatalog() *Catalog {
	return NewCatalogFromOperations([]Operation{
		{ID: OpSendText, Method: http.MethodPost, Path: "/sendText"},
		{ID: OpGetMessageImage, Method: http.MethodGet, Path: "/getMsgImg"},
		{ID: OpUploadImageToCDN, Method: http.MethodPost, Path: "/uploadImgToCDN"},
	})
}

func TestCallPostsJSONWithAuthHeader(t *testing.T) {
	server, calls := newProviderServer(t, http.StatusOK, `{"code":200}`)
	client := NewClient(&Config{
		BaseURL:    server.URL,
		AuthHeader: "X-Wkteam-Auth",
		AuthValue:  "secret-token",
	}, testCatalog())

	raw, err := client.Call(context.Background(), OpSendText, map[string]any{
		"wcId": "acct", "content": "hello",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":200}`, string(raw))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.Method)
	assert.Equal(t, "/sendText", call.Path)
	assert.Equal(t, "secret-token", call.Auth)
	assert.Equal(t, "hello", call.Body["content"])
}

func TestCallEncodesGetParamsInQuery(t *testing.T) {
	server, calls := newProviderServer(t, http.StatusOK, `{}`)
	client := NewClient(&Config{BaseURL: server.URL}, testCatalog())

	_, err := client.Call(context.Background(), OpGetMessageImage, map[string]any{"msgId": 42})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodGet, (*calls)[0].Method)
	assert.Equal(t, "msgId=42", (*calls)[0].Query)
	assert.Nil(t, (*calls)[0].Body)
}

func TestCallClassifiesHTTPError(t *testing.T) {
	server, _ := newProviderServer(t, http.StatusBadGateway, `upstream broke`)
	client := NewClient(&Config{BaseURL: server.URL}, testCatalog())

	_, err := client.Call(context.Background(), OpSendText, nil)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamHTTPError))
	assert.Contains(t, err.Error(), "502")
}

func TestCallClassifiesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()
	client := NewClient(&Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, testCatalog())

	_, err := client.Call(context.Background(), OpSendText, nil)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamTimeout))
}

func TestCallClassifiesNetworkError(t *testing.T) {
	client := NewClient(&Config{BaseURL: "http://127.0.0.1:1"}, testCatalog())
	_, err := client.Call(context.Background(), OpSendText, nil)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamNetworkError))
}

func TestCallWithoutBaseURL(t *testing.T) {
	client := NewClient(&Config{}, testCatalog())
	_, err := client.Call(context.Background(), OpSendText, nil)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamNotConfigured))
}

func TestCallWithEmptyCatalog(t *testing.T) {
	client := NewClient(&Config{BaseURL: "http://example.invalid"}, NewCatalogFromOperations(nil))
	_, err := client.Call(context.Background(), OpSendText, nil)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeCatalogUnavailable))
}

func TestDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer server.Close()
	client := NewClient(&Config{}, NewCatalogFromOperations(nil))

	data, contentType, err := client.Download(context.Background(), server.URL+"/pic.jpg", 1024)
	require.NoError(t, err)
	assert.Equal(t, "jpegbytes", string(data))
	assert.Equal(t, "image/jpeg", contentType)
}

func TestDownloadEnforcesCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 100))
	}))
	defer server.Close()
	client := NewClient(&Config{}, NewCatalogFromOperations(nil))

	_, _, err := client.Download(context.Background(), server.URL, 50)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeDataURLTooLarge))
}

func TestDownloadSniffsContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n000000"))
	}))
	defer server.Close()
	client := NewClient(&Config{}, NewCatalogFromOperations(nil))

	_, contentType, err := client.Download(context.Background(), server.URL, 1024)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
}

func TestUploadImageToCDNUnwrapsEnvelopes(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		{"nested data.cdnUrl", `{"data":{"cdnUrl":"https://cdn.example/a.jpg"}}`, "https://cdn.example/a.jpg"},
		{"nested data.wcUrl", `{"data":{"wcUrl":"https://cdn.example/b.jpg"}}`, "https://cdn.example/b.jpg"},
		{"top-level url", `{"url":"https://cdn.example/c.jpg"}`, "https://cdn.example/c.jpg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := newProviderServer(t, http.StatusOK, tc.response)
			client := NewClient(&Config{BaseURL: server.URL}, testCatalog())
			got, err := client.UploadImageToCDN(context.Background(), Address{Account: "acct"}, "https://img.example/x.jpg")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUploadImageToCDNWithoutURLInResponse(t *testing.T) {
	server, _ := newProviderServer(t, http.StatusOK, `{"code":200}`)
	client := NewClient(&Config{BaseURL: server.URL}, testCatalog())
	_, err := client.UploadImageToCDN(context.Background(), Address{Account: "acct"}, "https://img.example/x.jpg")
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamHTTPError))
}

func TestAddressParams(t *testing.T) {
	direct := Address{Account: "acct", PeerID: "alice"}.params()
	assert.Equal(t, "u", direct["peerKind"])

	group := Address{Account: "acct", PeerID: "room1", Group: true}.params()
	assert.Equal(t, "g", group["peerKind"])
	assert.Equal(t, "room1", group["to"])
}
