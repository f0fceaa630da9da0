// Package remote talks to the sync server: the REST profile store and
// the WebSocket change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	syncerrors "github.com/alexjbarnes/editor-sync/internal/errors"
	"github.com/alexjbarnes/editor-sync/internal/syncer"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client when
	// no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// keyHashHeader carries the snapshot encryption keyhash so the
	// server rejects writes from a client holding the wrong passphrase.
	keyHashHeader = "X-Snapshot-Keyhash"
)

// Client talks to the profile REST API. It implements the sync engine's
// remote store. If cipher is non-nil, snapshot payloads are sealed
// end-to-end and the server only ever sees ciphertext.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	profile    string
	cipher     *Cipher
	keyHash    string
}

// envelope is the wire shape of a stored snapshot. Plaintext snapshots
// embed the document directly; encrypted ones carry sealed bytes.
type envelope struct {
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	Sealed     []byte          `json:"sealed,omitempty"`
	LastUpdate int64           `json:"lastUpdate"`
}

// saveResponse is the server's reply to a snapshot upload.
type saveResponse struct {
	LastUpdate int64 `json:"lastUpdate"`
}

// NewClient creates a Client for one profile. httpClient may be nil, in
// which case a client with a 30-second timeout is used. cipher may be
// nil for plaintext snapshots.
func NewClient(httpClient *http.Client, baseURL, token, profile string, cipher *Cipher, keyHash string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		profile:    profile,
		cipher:     cipher,
		keyHash:    keyHash,
	}
}

// FetchMetadata returns the profile's version metadata without the
// snapshot body. A missing profile returns ErrProfileNotFound.
func (c *Client) FetchMetadata(ctx context.Context) (syncer.Metadata, error) {
	var meta syncer.Metadata
	if err := c.get(ctx, c.profileURL("/meta"), &meta); err != nil {
		return syncer.Metadata{}, err
	}

	return meta, nil
}

// FetchSnapshot returns the full profile snapshot, decrypting it when a
// cipher is configured.
func (c *Client) FetchSnapshot(ctx context.Context) (syncer.Snapshot, error) {
	var env envelope
	if err := c.get(ctx, c.profileURL("/snapshot"), &env); err != nil {
		return syncer.Snapshot{}, err
	}

	doc := env.Snapshot

	if len(env.Sealed) > 0 {
		if c.cipher == nil {
			return syncer.Snapshot{}, fmt.Errorf("%w: snapshot is encrypted but no passphrase configured", syncerrors.ErrAPIResponse)
		}

		plain, err := c.cipher.Decrypt(env.Sealed)
		if err != nil {
			return syncer.Snapshot{}, fmt.Errorf("opening snapshot: %w", err)
		}

		doc = plain
	}

	var snap syncer.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return syncer.Snapshot{}, fmt.Errorf("%w: decoding snapshot: %s", syncerrors.ErrAPIResponse, err)
	}

	if snap.LastUpdate == 0 {
		snap.LastUpdate = env.LastUpdate
	}

	return snap, nil
}

// Save uploads a snapshot and returns the lastUpdate the server
// assigned to it.
func (c *Client) Save(ctx context.Context, snap syncer.Snapshot) (int64, error) {
	doc, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}

	env := envelope{Snapshot: doc}

	if c.cipher != nil {
		sealed, err := c.cipher.Encrypt(doc)
		if err != nil {
			return 0, fmt.Errorf("sealing snapshot: %w", err)
		}

		env = envelope{Sealed: sealed}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.profileURL("/snapshot"), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	var resp saveResponse
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}

	if resp.LastUpdate == 0 {
		return 0, fmt.Errorf("%w: save response missing lastUpdate", syncerrors.ErrAPIResponse)
	}

	return resp.LastUpdate, nil
}

func (c *Client) profileURL(suffix string) string {
	return c.baseURL + "/profiles/" + c.profile + suffix
}

func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	if c.keyHash != "" {
		req.Header.Set(keyHashHeader, c.keyHash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %s", syncerrors.ErrAPIRequest, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return syncerrors.ErrProfileNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncerrors.ErrUnauthorized
	default:
		return fmt.Errorf("%w: %s %s returned status %d: %s",
			syncerrors.ErrAPIResponse, req.Method, req.URL.Path, resp.StatusCode, sanitizeResponseBody(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %s", syncerrors.ErrAPIResponse, req.URL.Path, err)
		}
	}

	return nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
