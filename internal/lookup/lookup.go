// Package lookup is the client for the external public-key lookup service
// (HKP-style keyserver). It answers "public key or not found" for an email
// address or fingerprint, with a bounded retry on network failures only.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sealmail/sealmail/internal/keycodec"
	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/mailapi"
	"github.com/sethvargo/go-retry"
)

// ErrKeyNotFound is returned when the service has no key for the query.
var ErrKeyNotFound = errors.New("public key not found")

type Client struct {
	baseURL string
	http    *http.Client
	codec   *keycodec.Codec
	log     logging.Logger
}

// Option configures the lookup client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, codec *keycodec.Codec, log logging.Logger, opts ...Option) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		codec:   codec,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup fetches the public key for an email address or fingerprint.
// Network failures and 5xx responses are retried up to 3 times with
// exponential backoff; a not-found answer is final.
func (c *Client) Lookup(ctx context.Context, query string) (*keycodec.PublicKey, error) {
	u := fmt.Sprintf("%s/pks/lookup?op=get&options=mr&search=%s", c.baseURL, url.QueryEscape(query))

	var body []byte
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug(ctx, "key lookup attempt failed", "query", query, "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", mailapi.ErrNetwork, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrKeyNotFound
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: lookup returned %s", mailapi.ErrAuth, resp.Status)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: lookup returned %s", mailapi.ErrNetwork, resp.Status))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("lookup returned %s", resp.Status)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", mailapi.ErrNetwork, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key, err := c.codec.Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("lookup returned unparseable key for %q: %w", query, err)
	}
	return key, nil
}
