package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const KindFetch = "fetch"

type FetchRequest struct {
	Method string
	URL    string
	Header map[string]string
	Body   string
}

type FetchResult struct {
	Status int
	Header http.Header
	Body   string
}

// FetchHandler performs HTTP requests on behalf of the other party, retrying connection errors and 5xx
// responses.
type FetchHandler struct {
	log         *zap.SugaredLogger
	client      *retryablehttp.Client
	maxBodySize int64
}

type FetchOption func(h *FetchHandler)

func WithCustomizeRetryableClient(f func(c *retryablehttp.Client)) FetchOption {
	return func(h *FetchHandler) {
		f(h.client)
	}
}

// WithMaxBodySize truncates response bodies to n bytes.
func WithMaxBodySize(n int64) FetchOption {
	return func(h *FetchHandler) {
		h.maxBodySize = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewFetchHandler(l *zap.Logger, opts ...FetchOption) *FetchHandler {
	log := l.Named("fetch").Sugar()
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = &logAdapter{SugaredLogger: log}
	h := &FetchHandler{
		log:         log,
		client:      client,
		maxBodySize: 8 << 20,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *FetchHandler) Handle(ctx context.Context, body json.RawMessage) (any, error) {
	var req FetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding fetch request: %w", err)
	}
	if req.URL == "" {
		return nil, errors.New("request contained no URL")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var reqBody any
	if req.Body != "" {
		reqBody = strings.NewReader(req.Body)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return FetchResult{Status: resp.StatusCode, Header: resp.Header, Body: string(b)}, nil
}
