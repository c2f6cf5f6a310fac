// Package relay is the client for the upload service backing
// password-protected messages: ciphertext upload returning a short link plus
// an admin (revocation) code, and per-attachment presign/upload/confirm.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sealmail/sealmail/internal/logging"
	"github.com/sealmail/sealmail/internal/mailapi"
	"github.com/sethvargo/go-retry"
)

// UploadedMessage identifies a password-protected message on the relay.
// AdminCode is a secret that lets the sender revoke or extend the message
// later; it is returned to the caller and never stored by this client.
type UploadedMessage struct {
	ShortID   string `json:"short_id"`
	AdminCode string `json:"admin_code"`
	URL       string `json:"url"`
}

// PresignedFile is one slot returned by PresignFiles.
type PresignedFile struct {
	ID     string `json:"id"`
	PutURL string `json:"put_url"`
	GetURL string `json:"get_url"`
}

// AttachmentItem is one already-encrypted attachment body to upload.
type AttachmentItem struct {
	Name string
	Data []byte
}

// UploadedFile is the stored location of one uploaded attachment.
type UploadedFile struct {
	ID   string
	Name string
	URL  string
}

type Client struct {
	baseURL  string
	http     *http.Client
	uploader Uploader
	log      logging.Logger
}

// Uploader puts one attachment body at its destination. The default is a
// plain HTTP PUT to the presigned URL; an S3 uploader can replace it for
// direct-bucket deployments.
type Uploader interface {
	Upload(ctx context.Context, file PresignedFile, data []byte) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithUploader(u Uploader) Option {
	return func(c *Client) { c.uploader = u }
}

func New(baseURL string, log logging.Logger, opts ...Option) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.uploader == nil {
		c.uploader = &presignedPutUploader{http: c.http}
	}
	return c
}

// UploadMessage stores armored ciphertext on the relay and returns the short
// link and admin code.
func (c *Client) UploadMessage(ctx context.Context, armored string) (*UploadedMessage, error) {
	var out UploadedMessage
	err := c.post(ctx, "/api/message", map[string]string{"content": armored}, &out)
	if err != nil {
		return nil, err
	}
	if out.ShortID == "" {
		return nil, fmt.Errorf("relay returned no short id")
	}
	return &out, nil
}

// PresignFiles reserves n upload slots.
func (c *Client) PresignFiles(ctx context.Context, n int) ([]PresignedFile, error) {
	var out struct {
		Files []PresignedFile `json:"files"`
	}
	if err := c.post(ctx, "/api/files/presign", map[string]int{"count": n}, &out); err != nil {
		return nil, err
	}
	if len(out.Files) != n {
		return nil, fmt.Errorf("relay presigned %d of %d slots", len(out.Files), n)
	}
	return out.Files, nil
}

// ConfirmFiles reports uploaded slots and returns how many the relay
// acknowledged. The caller compares that count against what it uploaded.
func (c *Client) ConfirmFiles(ctx context.Context, ids []string) (int, error) {
	var out struct {
		Confirmed int `json:"confirmed"`
	}
	if err := c.post(ctx, "/api/files/confirm", map[string][]string{"ids": ids}, &out); err != nil {
		return 0, err
	}
	return out.Confirmed, nil
}

// UploadAttachments presigns, uploads and confirms the given items,
// reporting progress after each body. It returns the stored files and the
// relay's confirmed count; callers must treat confirmed != len(items) as a
// failed upload, not a partial success.
func (c *Client) UploadAttachments(ctx context.Context, items []AttachmentItem, progress func(done, total int)) ([]UploadedFile, int, error) {
	presigned, err := c.PresignFiles(ctx, len(items))
	if err != nil {
		return nil, 0, err
	}

	files := make([]UploadedFile, 0, len(items))
	ids := make([]string, 0, len(items))
	for i, item := range items {
		slot := presigned[i]
		if err := c.uploader.Upload(ctx, slot, item.Data); err != nil {
			return nil, 0, fmt.Errorf("failed to upload attachment %q: %w", item.Name, err)
		}
		files = append(files, UploadedFile{ID: slot.ID, Name: item.Name, URL: slot.GetURL})
		ids = append(ids, slot.ID)
		if progress != nil {
			progress(i+1, len(items))
		}
	}

	confirmed, err := c.ConfirmFiles(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	return files, confirmed, nil
}

// post sends a JSON request with bounded retry on network errors and 5xx.
// 4xx responses surface immediately.
func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal relay request: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug(ctx, "relay request failed", "path", path, "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", mailapi.ErrNetwork, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: relay returned %s", mailapi.ErrAuth, resp.Status)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: relay returned %s", mailapi.ErrNetwork, resp.Status))
		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("relay returned %s: %s", resp.Status, msg)
		}

		if result == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode relay response: %w", err)
		}
		return nil
	})
}

// presignedPutUploader PUTs the body to the presigned URL.
type presignedPutUploader struct {
	http *http.Client
}

func (u *presignedPutUploader) Upload(ctx context.Context, file PresignedFile, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, file.PutURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", mailapi.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload failed: %s; body: %s", resp.Status, b)
	}
	return nil
}
