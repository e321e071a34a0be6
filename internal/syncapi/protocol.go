// Package syncapi exposes a replica's journal to peers over HTTP: each
// operation the merge package's Remote interface needs (watermark,
// changes_since, apply_remote, current_version) is one signed request.
package syncapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/syncerr"
)

// WatermarkRequest sets the caller's watermark for a peer site.
type WatermarkRequest struct {
	SiteID  string `json:"site_id"`
	Version uint64 `json:"version"`
}

// WatermarkResponse reports a stored watermark.
type WatermarkResponse struct {
	SiteID  string `json:"site_id"`
	Version uint64 `json:"version"`
}

// PullRequest asks the peer for everything it has recorded after Since.
type PullRequest struct {
	Since uint64 `json:"since"`
}

// PullResponse carries the peer's delta plus its current_version, so the
// caller can hand that version back as the watermark it should be recorded
// against once the caller has applied the batch.
type PullResponse struct {
	SiteID         string       `json:"site_id"`
	Changes        change.Batch `json:"changes"`
	CurrentVersion uint64       `json:"current_version"`
}

// PushRequest hands the peer a batch of changes to apply via apply_remote.
// Watermark advancement is a separate, explicit WatermarkRequest — it
// mirrors the merge package's Remote interface, where ApplyRemote and
// SetPeerWatermark are distinct calls.
type PushRequest struct {
	SiteID  string       `json:"site_id"`
	Changes change.Batch `json:"changes"`
}

// PushResponse reports how many changes in the pushed batch were newly
// applied versus already seen.
type PushResponse struct {
	Applied   int      `json:"applied"`
	Duplicate int      `json:"duplicate"`
	Errors    []string `json:"errors,omitempty"`
}

// VersionResponse reports a replica's current_version.
type VersionResponse struct {
	SiteID         string `json:"site_id"`
	CurrentVersion uint64 `json:"current_version"`
}

// SiteResponse reports a replica's site identifier.
type SiteResponse struct {
	SiteID string `json:"site_id"`
}

// errorBody is the JSON shape returned on a non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

func encodeError(err error) []byte {
	b, mErr := json.Marshal(errorBody{Error: err.Error()})
	if mErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return b
}

func decodeError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		return fmt.Errorf("sync request failed: HTTP %d", status)
	}
	return fmt.Errorf("sync request failed: HTTP %d: %s", status, eb.Error)
}

// classify maps a peer-reported error message back to a sentinel where
// recognizable, so callers can errors.Is against it like a local failure.
func classify(msg string) error {
	switch {
	case strings.Contains(msg, syncerr.ErrInvalidChange.Error()):
		return fmt.Errorf("%w: %s", syncerr.ErrInvalidChange, msg)
	case strings.Contains(msg, syncerr.ErrStorage.Error()):
		return fmt.Errorf("%w: %s", syncerr.ErrStorage, msg)
	default:
		return fmt.Errorf("%s", msg)
	}
}
