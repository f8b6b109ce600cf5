package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loom/internal/fileutil"
	"loom/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// storeFile is the credential store document name inside the data dir.
const storeFile = "mcp-auth.json"

// TokenSet holds OAuth tokens for one MCP server.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is unix seconds; zero means no known expiry.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// expirySkew widens the expiry window so tokens are refreshed slightly
// before the server would reject them.
const expirySkew = 30 * time.Second

// Expired reports whether the access token is past (or within skew of)
// its expiry.
func (t *TokenSet) Expired() bool {
	if t == nil || t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(expirySkew).Unix() >= t.ExpiresAt
}

// ClientInfo holds dynamic-registration artifacts for one MCP server.
type ClientInfo struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	// ClientSecretExpiresAt is unix seconds; zero means never.
	ClientSecretExpiresAt int64 `json:"clientSecretExpiresAt,omitempty"`
}

// Expired reports whether the registered client secret has lapsed.
func (c *ClientInfo) Expired() bool {
	if c == nil || c.ClientSecretExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= c.ClientSecretExpiresAt
}

// Record is the per-server credential record. Unknown keys from the
// on-disk document are preserved across rewrites.
type Record struct {
	Tokens     *TokenSet   `json:"-"`
	ClientInfo *ClientInfo `json:"-"`
	// CodeVerifier is present only between authorization-URL emission and
	// token exchange.
	CodeVerifier string `json:"-"`

	extra map[string]json.RawMessage
}

// UnmarshalJSON extracts the known fields and keeps everything else.
func (r *Record) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["tokens"]; ok {
		var t TokenSet
		if err := json.Unmarshal(v, &t); err == nil {
			r.Tokens = &t
		}
		delete(raw, "tokens")
	}
	if v, ok := raw["clientInfo"]; ok {
		var c ClientInfo
		if err := json.Unmarshal(v, &c); err == nil {
			r.ClientInfo = &c
		}
		delete(raw, "clientInfo")
	}
	if v, ok := raw["codeVerifier"]; ok {
		_ = json.Unmarshal(v, &r.CodeVerifier)
		delete(raw, "codeVerifier")
	}

	r.extra = raw
	return nil
}

// MarshalJSON re-merges known fields with preserved unknown keys.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.extra)+3)
	for k, v := range r.extra {
		out[k] = v
	}
	if r.Tokens != nil {
		out["tokens"] = r.Tokens
	}
	if r.ClientInfo != nil {
		out["clientInfo"] = r.ClientInfo
	}
	if r.CodeVerifier != "" {
		out["codeVerifier"] = r.CodeVerifier
	}
	return json.Marshal(out)
}

// clone returns a deep-enough copy so callers never mutate store state.
func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{CodeVerifier: r.CodeVerifier}
	if r.Tokens != nil {
		t := *r.Tokens
		c.Tokens = &t
	}
	if r.ClientInfo != nil {
		ci := *r.ClientInfo
		c.ClientInfo = &ci
	}
	if len(r.extra) > 0 {
		c.extra = make(map[string]json.RawMessage, len(r.extra))
		for k, v := range r.extra {
			c.extra[k] = v
		}
	}
	return c
}

// Store is the durable credential store: one JSON document mapping MCP
// server names to auth records. Writes are atomic and serialized; the
// store reloads itself when another process (the auth CLI) rewrites the
// file.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]*Record

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenStore loads (or initializes) the credential store under dataDir and
// starts watching the backing file for external changes.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	s := &Store{
		path:    filepath.Join(dataDir, storeFile),
		records: make(map[string]*Record),
		done:    make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("credential store watcher unavailable", "error", err)
		return s, nil
	}
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		logging.Warn("credential store watch failed", "dir", dataDir, "error", err)
		return s, nil
	}
	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	records := make(map[string]*Record)
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt store means no credentials, not a fatal startup error.
		logging.Warn("credential store unreadable, ignoring", "path", s.path, "error", err)
		return nil
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != storeFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				logging.Warn("credential store reload failed", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Debug("credential store watch error", "error", err)
		}
	}
}

// Get returns the record for name, or nil when absent.
func (s *Store) Get(name string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[name].clone()
}

// Set stores the record for name and persists the document.
func (s *Store) Set(name string, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[name] = r.clone()
	return s.persistLocked()
}

// Remove deletes the record for name. Removing an absent name is a no-op.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return nil
	}
	delete(s.records, name)
	return s.persistLocked()
}

// All returns a snapshot of every stored record.
func (s *Store) All() map[string]*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*Record, len(s.records))
	for k, v := range s.records {
		out[k] = v.clone()
	}
	return out
}

func (s *Store) persistLocked() error {
	return fileutil.WriteJSON(s.path, s.records, 0600)
}

// Close stops the file watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
