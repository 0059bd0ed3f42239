// Package session keeps per-browser workbench state on the server, keyed by an id
// carried in a signed and encrypted cookie.
package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/data"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/patrickmn/go-cache"
	"golang.org/x/crypto/hkdf"
)

const (
	CookieName = "sqlinx_session"
	idKey      = "sid"

	DefaultTTL = 2 * time.Hour
)

// State is everything one browser session owns. Callers hold the embedded mutex for
// the duration of an action so a session never runs two actions at once.
type State struct {
	sync.Mutex

	ID  string
	Dir string

	Config     core.ConnectionConfig
	Handle     *core.Handle
	LastQuery  string
	LastResult *core.QueryResult
	Conversion *core.ConversionResult
	Insight    string
	History    *data.HistoryRepo
	Transcript *data.TranscriptRepo

	// Draft is SQL proposed by the AI service; it fills the editor and is never run
	// on its own.
	Draft string

	// APIKey is held in memory only.
	APIKey string

	released atomic.Bool
}

func newState(id, dir string) *State {
	return &State{
		ID:         id,
		Dir:        dir,
		History:    data.NewHistoryRepo(),
		Transcript: data.NewTranscriptRepo(),
	}
}

// Path returns a file path inside the session's scratch directory.
func (s *State) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// SetHandle replaces the active connection, closing the previous one.
func (s *State) SetHandle(h *core.Handle) {
	if s.Handle != nil && s.Handle != h {
		s.Handle.Close()
	}
	s.Handle = h
	if h != nil {
		s.Config = h.Config
	}
	s.LastResult = nil
	s.LastQuery = ""
	s.Insight = ""
	s.Draft = ""
}

// Released reports whether the session was torn down while the caller waited.
func (s *State) Released() bool {
	return s.released.Load()
}

func (s *State) release() error {
	s.Lock()
	defer s.Unlock()

	if s.released.Load() {
		return nil
	}
	s.released.Store(true)
	s.APIKey = ""
	s.LastResult = nil
	var errs []error
	if s.Handle != nil {
		errs = append(errs, s.Handle.Close())
		s.Handle = nil
	}
	errs = append(errs, os.RemoveAll(s.Dir))
	return errors.Join(errs...)
}

// Manager maps session cookies to server-side state with idle expiry.
type Manager struct {
	store   sessions.Store
	states  *cache.Cache
	baseDir string
	logger  *slog.Logger
}

// NewManager creates a manager whose scratch directories live under dataDir/sessions.
func NewManager(secret []byte, dataDir string, ttl time.Duration, secureCookie bool, logger *slog.Logger) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	hashKey, blockKey, err := cookieKeys(secret)
	if err != nil {
		return nil, err
	}
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secureCookie,
		SameSite: http.SameSiteLaxMode,
	}

	cleanup := ttl / 4
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	m := &Manager{
		store:   store,
		states:  cache.New(ttl, cleanup),
		baseDir: baseDir,
		logger:  logger,
	}
	m.states.OnEvicted(func(id string, v any) {
		if st, ok := v.(*State); ok {
			if err := st.release(); err != nil {
				m.logger.Warn("session cleanup failed", "session", id, "error", err)
				return
			}
			m.logger.Debug("session released", "session", id)
		}
	})
	return m, nil
}

// cookieKeys derives the cookie signing key and the AES-256 encryption key from
// the configured secret.
func cookieKeys(secret []byte) ([]byte, []byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("sqlinx session cookie"))
	hashKey := make([]byte, 64)
	blockKey := make([]byte, 32)
	if _, err := io.ReadFull(r, hashKey); err != nil {
		return nil, nil, fmt.Errorf("derive cookie keys: %w", err)
	}
	if _, err := io.ReadFull(r, blockKey); err != nil {
		return nil, nil, fmt.Errorf("derive cookie keys: %w", err)
	}
	return hashKey, blockKey, nil
}

// Get returns the state for the request's session, creating a session (and setting
// the cookie) when there is none or it has expired.
func (m *Manager) Get(w http.ResponseWriter, r *http.Request) (*State, error) {
	sess, _ := m.store.Get(r, CookieName)

	if id, ok := sess.Values[idKey].(string); ok {
		if v, found := m.states.Get(id); found {
			st := v.(*State)
			// Eviction may have released st after the lookup.
			if !st.Released() {
				m.states.SetDefault(id, st)
				return st, nil
			}
			m.states.Delete(id)
		}
	}

	st, err := m.create()
	if err != nil {
		return nil, err
	}
	sess.Values[idKey] = st.ID
	if err := sess.Save(r, w); err != nil {
		m.states.Delete(st.ID)
		return nil, fmt.Errorf("save session cookie: %w", err)
	}
	return st, nil
}

// Lookup returns the state for an id without touching cookies.
func (m *Manager) Lookup(id string) (*State, bool) {
	v, found := m.states.Get(id)
	if !found {
		return nil, false
	}
	return v.(*State), true
}

func (m *Manager) create() (*State, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session scratch dir: %w", err)
	}
	st := newState(id, dir)
	m.states.SetDefault(id, st)
	m.logger.Debug("session created", "session", id)
	return st, nil
}

// Reset drops a session's state, closing its connection and deleting its files.
// The caller must not hold the state's lock.
func (m *Manager) Reset(id string) {
	m.states.Delete(id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.states.ItemCount()
}

// Close releases every session. Used on server shutdown.
func (m *Manager) Close() {
	for id := range m.states.Items() {
		m.states.Delete(id)
	}
}
