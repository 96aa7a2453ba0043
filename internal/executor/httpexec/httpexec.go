// Package httpexec is an Executor that posts each call as JSON to an
// upstream service: POST {base}/chat, {base}/complete, {base}/embedding.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/GateBatch/internal/executor"
)

const maxErrorBody = 4 << 10

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type Executor struct {
	provider string
	base     *url.URL
	client   *http.Client
	timeout  time.Duration
}

// New builds an Executor for provider against baseURL. timeout bounds a
// single call; zero means no per-call timeout.
func New(provider, baseURL string, timeout time.Duration, tr http.RoundTripper) (*Executor, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpexec: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpexec: unsupported url scheme %q", u.Scheme)
	}
	if tr == nil {
		tr = NewHTTPTransport()
	}
	return &Executor{
		provider: provider,
		base:     u,
		client:   &http.Client{Transport: tr},
		timeout:  timeout,
	}, nil
}

type request struct {
	Messages []executor.Message `json:"messages,omitempty"`
	Prompt   string             `json:"prompt,omitempty"`
	Input    []string           `json:"input,omitempty"`
	Options  executor.Options   `json:"options"`
}

type response struct {
	Text       string      `json:"text"`
	Embeddings [][]float64 `json:"embeddings"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *Executor) Chat(ctx context.Context, messages []executor.Message, opts executor.Options) (string, error) {
	var res response
	if err := e.call(ctx, "chat", request{Messages: messages, Options: opts}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *Executor) Complete(ctx context.Context, prompt string, opts executor.Options) (string, error) {
	var res response
	if err := e.call(ctx, "complete", request{Prompt: prompt, Options: opts}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *Executor) Embedding(ctx context.Context, input []string, opts executor.Options) ([][]float64, error) {
	var res response
	if err := e.call(ctx, "embedding", request{Input: input, Options: opts}, &res); err != nil {
		return nil, err
	}
	return res.Embeddings, nil
}

func (e *Executor) call(ctx context.Context, op string, body request, out *response) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("httpexec: encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base.JoinPath(op).String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("httpexec: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Provider", e.provider)

	resp, err := e.client.Do(req)
	if err != nil {
		return &executor.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return e.statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &executor.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		return &executor.APIError{Provider: e.provider, Code: resp.StatusCode, Message: out.Error.Message}
	}
	return nil
}

func (e *Executor) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var res response
	if json.Unmarshal(raw, &res) == nil && res.Error != nil {
		msg = res.Error.Message
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &executor.APIError{Provider: e.provider, Code: code, Message: msg, Kind: executor.ErrRateLimited}
	case code == http.StatusNotFound || code == http.StatusNotImplemented:
		return &executor.APIError{Provider: e.provider, Code: code, Message: msg, Kind: executor.ErrUnsupported}
	case code >= 500:
		return &executor.TransportError{Op: op, StatusCode: code, Err: errors.New(msg)}
	default:
		return &executor.APIError{Provider: e.provider, Code: code, Message: msg}
	}
}

var _ executor.Executor = (*Executor)(nil)
