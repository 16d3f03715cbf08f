// Package oanda is a broker.Gateway backed by the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rustyeddy/nightguard/broker"
)

type Client struct {
	BaseURL string // e.g. https://api-fxpractice.oanda.com
	Token   string
	HTTP    *http.Client
}

func BaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo", "":
		return "https://api-fxpractice.oanda.com", nil
	case "live":
		return "https://api-fxtrade.oanda.com", nil
	default:
		return "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}

type apiError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// do sends a JSON request and decodes a JSON response into out. Transport
// failures and 5xx answers wrap broker.ErrUnavailable; other non-2xx answers
// become *broker.RejectedError carrying the HTTP status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := requestID(ctx); ok {
		req.Header.Set(requestIDHeader, id)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("oanda %s %s: %w: %v", method, path, broker.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.Header, fmt.Errorf("oanda %s %s: %w: %v", method, path, broker.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return resp.Header, fmt.Errorf("oanda %s %s http %d: %w", method, path, resp.StatusCode, broker.ErrUnavailable)
	case resp.StatusCode >= 300:
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		msg := ae.ErrorMessage
		if msg == "" {
			msg = trimForErr(string(raw))
		}
		if ae.ErrorCode != "" {
			msg = ae.ErrorCode + ": " + msg
		}
		return resp.Header, &broker.RejectedError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return resp.Header, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.Header, fmt.Errorf("oanda %s %s: decode: %w", method, path, err)
	}
	return resp.Header, nil
}

func trimForErr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
