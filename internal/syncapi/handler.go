package syncapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chorasync/chora/internal/accesslog"
	"github.com/chorasync/chora/internal/change"
	"github.com/chorasync/chora/internal/journal"
)

// SecretLookup resolves the shared secret registered for a peer's site ID.
type SecretLookup func(siteID string) (string, bool)

// Handler serves a local Journal's merge surface to authenticated peers.
// Notification fan-out for changes applied here happens through the
// Journal's own OnCommit hook, not through this handler — the same Record
// and ApplyRemote paths fire it regardless of whether the caller was local
// or arrived over this API.
type Handler struct {
	journal   *journal.Journal
	secrets   SecretLookup
	accessLog *accesslog.AccessLogger
}

// NewHandler builds a Handler over j.
func NewHandler(j *journal.Journal, secrets SecretLookup) *Handler {
	return &Handler{journal: j, secrets: secrets}
}

// SetAccessLog attaches a request logger; every authenticated sync request
// is appended to it once handled.
func (h *Handler) SetAccessLog(l *accesslog.AccessLogger) {
	h.accessLog = l
}

// Register mounts the handler's routes on mux under prefix (e.g. "/_sync").
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+"/site", h.withAuth(h.handleSite))
	mux.HandleFunc(prefix+"/version", h.withAuth(h.handleVersion))
	mux.HandleFunc(prefix+"/watermark", h.withAuth(h.handleWatermark))
	mux.HandleFunc(prefix+"/pull", h.withAuth(h.handlePull))
	mux.HandleFunc(prefix+"/push", h.withAuth(h.handlePush))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (h *Handler) withAuth(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		siteID := requestSite(r)

		defer func() {
			if h.accessLog != nil {
				h.accessLog.Log(accesslog.AccessEntry{
					Time:       start.UTC(),
					Method:     r.Method,
					Path:       r.URL.Path,
					PeerSite:   siteID,
					Status:     rec.status,
					Bytes:      rec.bytes,
					ClientIP:   r.RemoteAddr,
					DurationMS: time.Since(start).Milliseconds(),
				})
			}
		}()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(rec, http.StatusBadRequest, err)
			return
		}
		r.Body.Close()

		secret, ok := h.secrets(siteID)
		if !ok {
			writeError(rec, http.StatusUnauthorized, errors.New("unknown peer site"))
			return
		}
		if err := verify(r, secret, body); err != nil {
			slog.Warn("sync request rejected", "site", siteID, "path", r.URL.Path, "error", err)
			writeError(rec, http.StatusUnauthorized, err)
			return
		}
		next(rec, r, body)
	}
}

func (h *Handler) handleSite(w http.ResponseWriter, r *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, SiteResponse{SiteID: h.journal.SiteID()})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request, _ []byte) {
	v, err := h.journal.CurrentVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{SiteID: h.journal.SiteID(), CurrentVersion: v})
}

func (h *Handler) handleWatermark(w http.ResponseWriter, r *http.Request, body []byte) {
	switch r.Method {
	case http.MethodGet:
		site := r.URL.Query().Get("site")
		if site == "" {
			writeError(w, http.StatusBadRequest, errors.New("missing site query param"))
			return
		}
		v, err := h.journal.PeerWatermark(site)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, WatermarkResponse{SiteID: site, Version: v})
	case http.MethodPost:
		var req WatermarkRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.journal.SetPeerWatermark(req.SiteID, req.Version); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, WatermarkResponse{SiteID: req.SiteID, Version: req.Version})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PullRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	changes, err := h.journal.ChangesSince(req.Since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	batch, err := change.NewBatch(changes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	version, err := h.journal.CurrentVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, PullResponse{
		SiteID:         h.journal.SiteID(),
		Changes:        batch,
		CurrentVersion: version,
	})
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request, body []byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req PushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Changes.Verify(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := PushResponse{}
	for _, c := range req.Changes.Changes {
		outcome, err := h.journal.ApplyRemote(c)
		if err != nil {
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		if outcome == journal.Applied {
			resp.Applied++
		} else {
			resp.Duplicate++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encodeError(err))
}
