// Package httpclient is the signed HTTP client used for every outbound
// federation request: actor/object fetches, WebFinger lookups, and activity
// delivery. It centralises the blocked-host guard, redirect cap, and typed
// error classification every caller needs.
package httpclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/signatures"
)

const maxRedirects = 5

// Client wraps http.Client with signing, a blocklist, and AP-appropriate
// default headers.
type Client struct {
	http      *http.Client
	userAgent string
	blocked   BlockChecker
}

// BlockChecker reports whether a host is blocked from outbound requests
// (federation blocklist), checked before every request leaves the process.
type BlockChecker func(host string) bool

// New builds a Client with the given timeout and User-Agent string.
func New(timeout time.Duration, userAgent string, blocked BlockChecker) *Client {
	if blocked == nil {
		blocked = func(string) bool { return false }
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if blocked(req.URL.Hostname()) {
					return apperr.NewBlockedIPError(req.URL.Hostname())
				}
				return nil
			},
		},
		userAgent: userAgent,
		blocked:   blocked,
	}
}

// Get performs a signed GET for an AP object or collection.
func (c *Client) Get(ctx context.Context, url, keyID string, priv *rsa.PrivateKey) ([]byte, error) {
	if c.blocked(hostOf(url)) {
		return nil, apperr.NewBlockedIPError(hostOf(url))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if keyID != "" && priv != nil {
		if err := signatures.Sign(req, nil, keyID, priv); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	return c.do(req)
}

// Post delivers a signed activity body to a remote inbox.
func (c *Client) Post(ctx context.Context, url string, body []byte, keyID string, priv *rsa.PrivateKey) error {
	if c.blocked(hostOf(url)) {
		return apperr.NewBlockedIPError(hostOf(url))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := signatures.Sign(req, body, keyID, priv); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.NewTransientHTTPError(req.URL.String(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL, err)
	}

	if resp.StatusCode == http.StatusGone {
		return nil, apperr.NewPermanentHTTPError(req.URL.String(), resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, apperr.NewTransientHTTPError(req.URL.String(), fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.NewPermanentHTTPError(req.URL.String(), resp.StatusCode)
	}

	return body, nil
}

func hostOf(rawURL string) string {
	u, err := parseHost(rawURL)
	if err != nil {
		return ""
	}
	return u
}
