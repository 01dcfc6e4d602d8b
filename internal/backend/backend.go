// Package backend implements the three wire-format HTTP adapters (and the
// in-process local shortcut) the backend router dispatches through.
// Each adapter's job is narrow: take a normalized translate.Request, speak
// its dialect's SSE/NDJSON wire format over HTTP, and hand back a channel of
// upstream.Event - dialect-specific parsing never leaks past this package.
package backend

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

// Adapter speaks one backend dialect over HTTP and normalizes its stream.
type Adapter interface {
	// Stream converts req into the backend's own wire shape via the
	// translate package, POSTs it to baseURL and returns a channel of
	// normalized events. The channel is always closed. When the upstream
	// stream runs to its end the last event sent is EventFinish or
	// EventError; when ctx is cancelled the channel closes without a
	// terminal event.
	Stream(ctx context.Context, client *http.Client, baseURL string, cred *credential.Credential, req translate.Request) (<-chan upstream.Event, error)
}

// New returns the Adapter for the given config.BackendConfig.APIFormat value.
func New(apiFormat string) Adapter {
	switch apiFormat {
	case "anthropic":
		return &AnthropicAdapter{}
	case "gemini":
		return &GeminiAdapter{}
	default:
		return &OpenAIAdapter{}
	}
}

// NewHTTPClient builds the shared *http.Client used for every outbound
// backend call, honoring the PROXY and GOOGLEAPIS_PROXY_URL knobs. Proxy
// and transport customization live in one explicit, injected
// *http.Transport built once at startup rather than in process-global HTTP
// state. googleProxyURL, when set, routes *.googleapis.com hosts through a
// separate proxy; everything else follows proxyURL.
func NewHTTPClient(proxyURL, googleProxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	defaultProxy, _ := url.Parse(proxyURL)
	googleProxy, _ := url.Parse(googleProxyURL)
	if proxyURL == "" {
		defaultProxy = nil
	}
	if googleProxyURL == "" {
		googleProxy = nil
	}
	if defaultProxy != nil || googleProxy != nil {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if googleProxy != nil && strings.HasSuffix(req.URL.Hostname(), ".googleapis.com") {
				return googleProxy, nil
			}
			return defaultProxy, nil
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// sseLineScanner wraps a bufio.Scanner configured for the "data: ..." SSE
// convention shared by all three dialects in scope; NDJSON backends (none
// of the three upstream dialects are NDJSON, only the downstream IDE
// endpoint is) would use a plain bufio.Scanner directly instead.
func sseLineScanner(body io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}

// dataPayload strips the "data: " SSE prefix, returning ok=false for blank
// lines, comments, and the "[DONE]" sentinel some OpenAI-compatible
// backends emit as their final line.
func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return "", false
	}
	return payload, payload != ""
}
