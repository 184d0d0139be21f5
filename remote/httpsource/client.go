// Package httpsource reads and writes JSON over HTTP and reports failures in
// the querysync error taxonomy, so the engine knows what to retry.
//
//	4xx (except 408, 429)           -> querysync.KindClient, never retried
//	408, 429, 5xx, network, timeout -> querysync.KindTransient
package httpsource

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

	qs "github.com/unkn0wn-root/querysync"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// Options configure a Client. BaseURL is required.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client      // nil => client with a 15s timeout
	Header     http.Header       // added to every request (auth, api keys)
	Logger     qs.Logger         // nil => NopLogger
	UserAgent  string            // optional
	Query      map[string]string // default query parameters
}

// Client talks to one JSON API.
type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
	query  url.Values
	log    qs.Logger
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("httpsource: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpsource: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpsource: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   opts.HTTPClient,
		header: opts.Header.Clone(),
		query:  url.Values{},
		log:    opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.header == nil {
		c.header = http.Header{}
	}
	if opts.UserAgent != "" {
		c.header.Set("User-Agent", opts.UserAgent)
	}
	for k, v := range opts.Query {
		c.query.Set(k, v)
	}
	if c.log == nil {
		c.log = qs.NopLogger{}
	}
	return c, nil
}

// Get decodes the JSON response of GET path?query into T.
func Get[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodGet, path, query, nil, &out)
	return out, err
}

// Post sends body as JSON and decodes the response into T.
func Post[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodPost, path, nil, body, &out)
	return out, err
}

// Do performs one request. body (if non-nil) is sent as JSON; out (if
// non-nil) receives the decoded response. Every failure is a *qs.RemoteError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &qs.RemoteError{Kind: qs.KindClient, Op: op, Msg: "encode request body", Err: err}
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), rdr)
	if err != nil {
		return &qs.RemoteError{Kind: qs.KindClient, Op: op, Msg: "build request", Err: err}
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &qs.RemoteError{Kind: qs.KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.log.Debug("remote call", qs.Fields{"op": op, "status": resp.StatusCode, "took": time.Since(start)})

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// a truncated body is a transport problem, a malformed one is not
		kind := qs.KindClient
		if errors.Is(err, io.ErrUnexpectedEOF) {
			kind = qs.KindTransient
		}
		return &qs.RemoteError{Kind: kind, Op: op, Status: resp.StatusCode, Msg: "decode response", Err: err}
	}
	return nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	q := url.Values{}
	for k, vs := range c.query {
		q[k] = append([]string(nil), vs...)
	}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Kind classifies an HTTP status code. Redirects that reach the caller are
// not followed and retrying cannot change them.
func Kind(status int) qs.ErrorKind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return qs.KindTransient
	case status >= 300 && status < 500:
		return qs.KindClient
	default:
		return qs.KindTransient
	}
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Message != "":
			msg = body.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &qs.RemoteError{Kind: Kind(resp.StatusCode), Op: op, Status: resp.StatusCode, Msg: msg}
}
