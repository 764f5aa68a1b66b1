package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/lectioapp/lectio/pkg/config"
	"github.com/lectioapp/lectio/pkg/logger"
	"github.com/lectioapp/lectio/pkg/session"
)

const (
	// compressionThreshold is the minimum payload size to compress.
	// Below this, compression overhead isn't worth it.
	compressionThreshold = 1024 // 1KB

	// writeTimeout bounds a single request to the backend.
	writeTimeout = 10 * time.Second
)

// Client is an authenticated HTTP client for the progress backend.
type Client struct {
	cfg          *config.Config
	httpClient   *http.Client
	encoder      *zstd.Encoder
	pollInterval time.Duration
}

// NewClient creates a client from the loaded configuration.
func NewClient(cfg *config.Config) *Client {
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

	poll := time.Duration(cfg.PollIntervalSec) * time.Second
	if poll <= 0 {
		poll = 15 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: writeTimeout,
		},
		encoder:      encoder,
		pollInterval: poll,
	}
}

// doJSON performs an authenticated request with optional JSON body and
// parses the JSON response. Payloads of 1KB or more are zstd-compressed.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	var contentEncoding string

	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		if len(payload) >= compressionThreshold {
			compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
			bodyReader = bytes.NewReader(compressed)
			contentEncoding = "zstd"
		} else {
			bodyReader = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BackendURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
		if contentEncoding != "" {
			req.Header.Set("Content-Encoding", contentEncoding)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("http request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

func progressPath(identity, documentID string) string {
	return "/api/v1/identities/" + url.PathEscape(identity) + "/progress/" + url.PathEscape(documentID)
}

// Get fetches the remote session for a document.
func (c *Client) Get(ctx context.Context, identity, documentID string) (*session.Session, error) {
	var s session.Session
	if err := c.doJSON(ctx, http.MethodGet, progressPath(identity, documentID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// List fetches all remote sessions for an identity.
func (c *Client) List(ctx context.Context, identity string) ([]*session.Session, error) {
	var resp struct {
		Sessions []*session.Session `json:"sessions"`
	}
	path := "/api/v1/identities/" + url.PathEscape(identity) + "/progress"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Put replaces the remote session for its document.
func (c *Client) Put(ctx context.Context, identity string, s *session.Session) error {
	return c.doJSON(ctx, http.MethodPut, progressPath(identity, s.DocumentID), s, nil)
}

// Patch updates only the named top-level fields of the remote session.
func (c *Client) Patch(ctx context.Context, identity, documentID string, fields map[string]any) error {
	return c.doJSON(ctx, http.MethodPatch, progressPath(identity, documentID), fields, nil)
}

// Delete removes the remote session for a document. Deleting a record
// that is already gone is not an error.
func (c *Client) Delete(ctx context.Context, identity, documentID string) error {
	err := c.doJSON(ctx, http.MethodDelete, progressPath(identity, documentID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// changesResponse is one page of the revision feed.
type changesResponse struct {
	Revision int64            `json:"revision"`
	Session  *session.Session `json:"session"`
}

// Subscribe polls the revision feed for a document and invokes
// onChange for every new revision. The backend has no push channel,
// so this is a cursor poll: each response carries the latest revision
// and the next request asks for anything newer.
func (c *Client) Subscribe(ctx context.Context, identity, documentID string, onChange func(*session.Session)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		var cursor int64
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			path := fmt.Sprintf("%s/changes?since=%d", progressPath(identity, documentID), cursor)
			var page changesResponse
			err := c.doJSON(ctx, http.MethodGet, path, nil, &page)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				logger.Debug("change poll failed for %s: %v", documentID, err)
				continue
			}
			if page.Revision <= cursor || page.Session == nil {
				continue
			}
			cursor = page.Revision
			onChange(page.Session)
		}
	}()

	return cancel, nil
}
