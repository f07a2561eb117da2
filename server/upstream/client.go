package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// Kind classifies one poll attempt
type Kind int

const (
	KindTransportError Kind = iota
	KindNotYetSuccessful
	KindSuccess
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNotYetSuccessful:
		return "not_yet"
	default:
		return "transport_error"
	}
}

const (
	// SuccessField is the body field inspected on every poll
	SuccessField = "flag"
	// SuccessValue is the only value of SuccessField that counts as success
	SuccessValue = "success"
)

// Result is the outcome of a single upstream call. It is consumed
// immediately by the polling loop and never stored.
type Result struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Body       []byte // raw body, possibly truncated to MaxBodyBytes
	Reason     string // why the poll was not a success
	Err        error  // transport error, if any
}

// Describe renders the upstream payload for the client message.
func (r Result) Describe() string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, r.Body); err == nil {
		return compact.String()
	}
	return string(bytes.TrimSpace(r.Body))
}

// Config holds upstream client configuration
type Config struct {
	URL           string
	Timeout       time.Duration
	StatusMatcher *StatusCodeMatcher
	MaxBodyBytes  int64
	HTTP2         bool
}

// Client issues one GET against a fixed upstream URL per Poll call
type Client struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates an upstream client. A nil StatusMatcher accepts 2xx.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.StatusMatcher == nil {
		matcher, err := ParseStatusCodes("200-299")
		if err != nil {
			return nil, err
		}
		cfg.StatusMatcher = matcher
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to enable HTTP/2 for upstream: %w", err)
		}
	}

	return &Client{
		config: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}, nil
}

// URL returns the configured upstream target
func (c *Client) URL() string {
	return c.config.URL
}

// Poll performs one upstream call and classifies it. It never returns an
// error: every failure is folded into the Result.
func (c *Client) Poll(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return Result{Kind: KindTransportError, Reason: "request_error", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Kind: KindTransportError, Reason: "connection_error", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return Result{Kind: KindTransportError, StatusCode: resp.StatusCode, Reason: "read_error", Err: err}
	}
	c.logger.Debug().Int("status", resp.StatusCode).Int("bodyBytes", len(body)).Str("proto", resp.Proto).Msg("Upstream responded")

	if !c.config.StatusMatcher.Matches(resp.StatusCode) {
		return Result{
			Kind:       KindTransportError,
			StatusCode: resp.StatusCode,
			Body:       body,
			Reason:     "bad_status",
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	return classify(resp.StatusCode, body)
}

// classify inspects a response body. Anything that is not a JSON object
// whose SuccessField is exactly the string SuccessValue is not a success.
func classify(status int, body []byte) Result {
	var object map[string]interface{}
	if err := json.Unmarshal(body, &object); err != nil || object == nil {
		return Result{Kind: KindNotYetSuccessful, StatusCode: status, Body: body, Reason: "unparseable"}
	}

	flag, ok := object[SuccessField].(string)
	switch {
	case !ok:
		return Result{Kind: KindNotYetSuccessful, StatusCode: status, Body: body, Reason: "flag_missing"}
	case flag != SuccessValue:
		return Result{Kind: KindNotYetSuccessful, StatusCode: status, Body: body, Reason: "flag_mismatch"}
	}
	return Result{Kind: KindSuccess, StatusCode: status, Body: body}
}
