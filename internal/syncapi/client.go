package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/journal"
)

// PeerClient drives a remote replica's syncapi over HTTP, satisfying
// merge.Remote so a Merger can sync against it exactly as it would against
// an in-process *journal.Journal.
type PeerClient struct {
	baseURL    string
	localSite  string
	remoteSite string
	secret     string
	client     *http.Client
}

// NewPeerClient builds a client for the peer reachable at baseURL. localSite
// signs outgoing requests; remoteSite is the peer's known site ID, used for
// SiteID() without a round trip.
func NewPeerClient(baseURL, localSite, remoteSite, secret string, timeout time.Duration) *PeerClient {
	return &PeerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		localSite:  localSite,
		remoteSite: remoteSite,
		secret:     secret,
		client:     &http.Client{Timeout: timeout},
	}
}

// SiteID returns the peer's configured site ID.
func (c *PeerClient) SiteID() string {
	return c.remoteSite
}

func (c *PeerClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	sign(req, c.localSite, c.secret, payload)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return classify(decodeError(resp.StatusCode, respBody).Error())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// PeerWatermark fetches the watermark the peer has recorded for site.
func (c *PeerClient) PeerWatermark(site string) (uint64, error) {
	var resp WatermarkResponse
	q := url.Values{"site": []string{site}}
	if err := c.do(context.Background(), http.MethodGet, "/watermark", q, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// SetPeerWatermark tells the peer to record v as the watermark for site.
func (c *PeerClient) SetPeerWatermark(site string, v uint64) error {
	return c.do(context.Background(), http.MethodPost, "/watermark", nil,
		WatermarkRequest{SiteID: site, Version: v}, nil)
}

// ChangesSince pulls the peer's delta after since.
func (c *PeerClient) ChangesSince(since uint64) ([]change.Change, error) {
	var resp PullResponse
	if err := c.do(context.Background(), http.MethodPost, "/pull", nil, PullRequest{Since: since}, &resp); err != nil {
		return nil, err
	}
	return resp.Changes.Changes, nil
}

// CurrentVersion fetches the peer's current_version.
func (c *PeerClient) CurrentVersion() (uint64, error) {
	var resp VersionResponse
	if err := c.do(context.Background(), http.MethodGet, "/version", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.CurrentVersion, nil
}

// ApplyRemote pushes a single change to the peer for idempotent apply.
func (c *PeerClient) ApplyRemote(ch change.Change) (journal.Outcome, error) {
	batch, err := change.NewBatch([]change.Change{ch})
	if err != nil {
		return journal.Duplicate, err
	}
	var resp PushResponse
	if err := c.do(context.Background(), http.MethodPost, "/push", nil,
		PushRequest{SiteID: c.localSite, Changes: batch}, &resp); err != nil {
		return journal.Duplicate, err
	}
	if len(resp.Errors) > 0 {
		return journal.Duplicate, fmt.Errorf("peer rejected change: %s", resp.Errors[0])
	}
	if resp.Applied > 0 {
		return journal.Applied, nil
	}
	return journal.Duplicate, nil
}
