package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"towersched/internal/dispatch"
)

// HTTP performs a request. The method is the call op ("http:post"); the first
// argument is either a URL string or a Request object, the optional second
// argument a string body.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Handle(ctx context.Context, call dispatch.Call) error {
	req, err := decodeRequest(call)
	if err != nil {
		return err
	}

	if req.URL == "" {
		return errors.New("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode >= 400 {
		return errors.Newf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func decodeRequest(call dispatch.Call) (Request, error) {
	var req Request
	if len(call.Args) == 0 {
		return req, errors.New("URL is required")
	}
	first := bytes.TrimSpace(call.Args[0])
	if len(first) > 0 && first[0] == '{' {
		if err := json.Unmarshal(first, &req); err != nil {
			return req, errors.Wrap(err, "invalid HTTP request payload")
		}
	} else if err := json.Unmarshal(first, &req.URL); err != nil {
		return req, errors.Wrap(err, "invalid HTTP url argument")
	}
	if len(call.Args) > 1 {
		if err := json.Unmarshal(call.Args[1], &req.Body); err != nil {
			return req, errors.Wrap(err, "invalid HTTP body argument")
		}
	}
	if call.Op != "" {
		req.Method = call.Op
	}
	return req, nil
}
