// Package manifest fetches and parses the remote release manifest.
//
// The manifest is a small JSON document published next to the release
// package:
//
//	{"versionCode": 6, "apkUrl": "https://example.com/app-release.apk"}
//
// Every failure, whether the request never completed or the body could not
// be understood, is reported as *Error. Callers that only care whether an
// update can be offered use IsNotAvailable; diagnostics use KindOf.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultURL is the manifest location used when none is configured.
	DefaultURL = "https://android-app-tester.s3.amazonaws.com/update.json"
	// DefaultTimeout bounds the whole request, body included.
	DefaultTimeout = 30 * time.Second

	maxBodySize = 1 << 20
)

// Manifest describes the latest available release.
type Manifest struct {
	VersionCode int    `json:"versionCode" yaml:"version_code"`
	PackageURL  string `json:"apkUrl" yaml:"package_url"`
}

// HTTPClient is the subset of *http.Client the Client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches the manifest from a fixed URL.
type Client struct {
	url        string
	userAgent  string
	httpClient HTTPClient
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithUserAgent sets the User-Agent header sent with the request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a manifest client for the given URL.
// An empty URL selects DefaultURL.
func NewClient(manifestURL string, opts ...Option) *Client {
	if manifestURL == "" {
		manifestURL = DefaultURL
	}
	c := &Client{
		url:       manifestURL,
		userAgent: "sideload",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the manifest location.
func (c *Client) URL() string {
	return c.url
}

// Fetch issues a single GET and parses the response.
// No retry is attempted and nothing is cached between calls.
func (c *Client) Fetch(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, newError(KindTransport, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindTransport, "request manifest", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing manifest response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(KindStatus, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, newError(KindTransport, "read manifest body", err)
	}

	m, err := Parse(body)
	if err != nil {
		return nil, err
	}

	log.Debugf("fetched manifest from %s: versionCode=%d", c.url, m.VersionCode)
	return m, nil
}

// rawManifest keeps pointers so absent fields can be told apart from zero values.
type rawManifest struct {
	VersionCode *json.Number `json:"versionCode"`
	PackageURL  *string      `json:"apkUrl"`
}

// Parse decodes a manifest body. It requires an integer versionCode >= 0 and
// an absolute apkUrl.
func Parse(body []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newError(KindEmptyBody, "manifest body is empty", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw rawManifest
	if err := dec.Decode(&raw); err != nil {
		return nil, newError(KindMalformed, "decode manifest", err)
	}

	if raw.VersionCode == nil {
		return nil, newError(KindMissingField, "versionCode is missing", nil)
	}
	if raw.PackageURL == nil {
		return nil, newError(KindMissingField, "apkUrl is missing", nil)
	}

	code, err := raw.VersionCode.Int64()
	if err != nil {
		return nil, newError(KindInvalidField, fmt.Sprintf("versionCode %q is not an integer", raw.VersionCode.String()), err)
	}
	if code < 0 || int64(int(code)) != code {
		return nil, newError(KindInvalidField, fmt.Sprintf("versionCode %d is out of range", code), nil)
	}

	if err := validatePackageURL(*raw.PackageURL); err != nil {
		return nil, err
	}

	return &Manifest{
		VersionCode: int(code),
		PackageURL:  *raw.PackageURL,
	}, nil
}

func validatePackageURL(raw string) error {
	if raw == "" {
		return newError(KindInvalidField, "apkUrl is empty", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return newError(KindInvalidField, "apkUrl is not a URL", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return newError(KindInvalidField, fmt.Sprintf("apkUrl %q is not absolute", raw), nil)
	}
	return nil
}
