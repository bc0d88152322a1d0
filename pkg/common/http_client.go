package common

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const maxResponseBody = 1 << 20

type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Post sends a JSON POST request bound to ctx.
func Post(ctx context.Context, client *http.Client, url string, payload interface{}, headers map[string]string) (*Response, error) {
	return Do(ctx, client, http.MethodPost, url, payload, headers)
}

// Get sends a GET request bound to ctx.
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string) (*Response, error) {
	return Do(ctx, client, http.MethodGet, url, nil, headers)
}

// Do sends the request and reads at most 1 MiB of the response body.
// Non 2xx statuses are returned as a Response, not an error.
func Do(ctx context.Context, client *http.Client, method, url string, payload interface{}, headers map[string]string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		jsonPayload, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonPayload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
}
