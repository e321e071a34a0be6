package syncapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

const (
	headerSite      = "X-Chora-Site"
	headerDate      = "X-Chora-Date"
	headerSignature = "X-Chora-Signature"
	dateLayout      = "20060102T150405Z"
	maxClockSkew    = 5 * time.Minute
)

// sign stamps req with the caller's site ID, a timestamp, and an
// HMAC-SHA256 signature over method, path, date, and body — the same shape
// as the teacher's SigV4 signing but against one shared secret per peer
// rather than a region-scoped derived key, since there is no multi-service
// credential scope to namespace here.
func sign(req *http.Request, siteID, secret string, body []byte) {
	date := time.Now().UTC().Format(dateLayout)
	req.Header.Set(headerSite, siteID)
	req.Header.Set(headerDate, date)
	req.Header.Set(headerSignature, signature(secret, req.Method, req.URL.Path, date, body))
}

// verify checks req's signature against secret, rejecting stale requests
// outside the clock-skew window.
func verify(req *http.Request, secret string, body []byte) error {
	siteID := req.Header.Get(headerSite)
	date := req.Header.Get(headerDate)
	sig := req.Header.Get(headerSignature)
	if siteID == "" || date == "" || sig == "" {
		return fmt.Errorf("missing sync auth headers")
	}

	ts, err := time.Parse(dateLayout, date)
	if err != nil {
		return fmt.Errorf("invalid date header: %w", err)
	}
	if skew := time.Since(ts); skew > maxClockSkew || skew < -maxClockSkew {
		return fmt.Errorf("request timestamp outside allowed skew")
	}

	want := signature(secret, req.Method, req.URL.Path, date, body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func signature(secret, method, path, date string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write([]byte(date))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func requestSite(req *http.Request) string {
	return req.Header.Get(headerSite)
}
