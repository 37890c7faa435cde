// Package blobstore is the HTTP client for the external notebook blob
// store: plain CRUD over JSON notebook payloads. The store resolves
// concurrent writes last-writer-wins; the session's leader election keeps
// the write rate down but correctness never depends on it.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ratingeater/webpyter-notebook/kernel"
)

// ErrNotFound reports a notebook id the store does not hold.
var ErrNotFound = errors.New("blobstore: notebook not found")

// Cell is one cell of a stored notebook payload. Ids in a received payload
// may collide; consumers sanitize before trusting them.
type Cell struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Notebook is the stored payload.
type Notebook struct {
	Title     string            `json:"title"`
	Cells     []Cell            `json:"cells"`
	Variables []kernel.Variable `json:"variables,omitempty"`
}

// Client talks to one blob store.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the store at baseURL.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// List returns the stored notebook ids.
func (c *Client) List(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/notebooks", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Notebooks []struct {
			ID string `json:"id"`
		} `json:"notebooks"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("blobstore: decoding list response: %w", err)
	}
	ids := make([]string, 0, len(resp.Notebooks))
	for _, nb := range resp.Notebooks {
		ids = append(ids, nb.ID)
	}
	return ids, nil
}

// Get fetches one notebook.
func (c *Client) Get(ctx context.Context, id string) (*Notebook, error) {
	body, err := c.do(ctx, http.MethodGet, "/notebooks/"+id, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Notebook *Notebook `json:"notebook"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Notebook == nil {
		return nil, fmt.Errorf("blobstore: decoding notebook response: %w", err)
	}
	return resp.Notebook, nil
}

// Put stores a notebook under id.
func (c *Client) Put(ctx context.Context, id string, nb *Notebook) error {
	raw, err := json.Marshal(nb)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/notebooks/"+id, raw)
	return err
}

// Delete removes a notebook.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/notebooks/"+id, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("blobstore: reading response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("blobstore: %s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}
