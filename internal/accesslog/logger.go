package accesslog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AccessEntry records one inbound sync API request.
type AccessEntry struct {
	Time      time.Time `json:"time"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	PeerSite  string    `json:"peer_site,omitempty"`
	Status    int       `json:"status"`
	Bytes     int64     `json:"bytes"`
	ClientIP  string    `json:"client_ip"`
	DurationMS int64    `json:"duration_ms"`
}

type AccessLogger struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

func NewAccessLogger(path string) (*AccessLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AccessLogger{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (l *AccessLogger) Log(entry AccessEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Encode(entry)
}

func (l *AccessLogger) Close() error {
	return l.file.Close()
}
