package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName = "agentpool_session"
	sessionMaxAge     = 7 * 24 * time.Hour
)

// sessionStore holds login tokens with sliding expiry.
type sessionStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	expiry map[string]time.Time
	now    func() time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, expiry: make(map[string]time.Time), now: time.Now}
}

func (ss *sessionStore) create() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pruneLocked()
	ss.expiry[token] = ss.now().Add(ss.ttl)
	return token, nil
}

// touch extends a live token and reports whether it was live.
func (ss *sessionStore) touch(token string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	exp, ok := ss.expiry[token]
	if !ok {
		return false
	}
	if !ss.now().Before(exp) {
		delete(ss.expiry, token)
		return false
	}
	ss.expiry[token] = ss.now().Add(ss.ttl)
	return true
}

func (ss *sessionStore) drop(token string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.expiry, token)
}

func (ss *sessionStore) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.expiry)
}

func (ss *sessionStore) pruneLocked() {
	now := ss.now()
	for token, exp := range ss.expiry {
		if !now.Before(exp) {
			delete(ss.expiry, token)
		}
	}
}

// checkAuth accepts a live session cookie or Basic Auth with the configured
// password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.validSession(w, r) {
		return true
	}
	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="agentpool"`)
	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) passwordMatches(pass string) bool {
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

func (s *Server) validSession(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || !s.sessions.touch(cookie.Value) {
		return false
	}
	setSessionCookie(w, cookie.Value, sessionMaxAge)
	return true
}

func setSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	age := int(maxAge.Seconds())
	if maxAge < 0 {
		age = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   age,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.create()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	setSessionCookie(w, token, sessionMaxAge)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.drop(cookie.Value)
	}
	setSessionCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.validSession(w, r) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	jsonError(w, "unauthorized", http.StatusUnauthorized)
}
