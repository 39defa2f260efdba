package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/animalwelfare/intake/internal/platform/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrUserNotFound       = errors.New("user not found")
)

// Session is the authenticated state of one reviewer, created at login and
// destroyed at logout.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	AgencyID  string    `json:"agencyId"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// User is a portal account that can sign in as a reviewer or administrator.
type User struct {
	ID           uuid.UUID
	Username     string
	DisplayName  string
	PasswordHash string
	Roles        []string
	Active       bool
}

// UserDirectory looks up accounts by username. Implementations return
// ErrUserNotFound for unknown users.
type UserDirectory interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// SessionStore keeps live sessions in memory. Expired sessions are removed by
// a background loop that Close stops.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	done     chan struct{}
}

func NewSessionStore(cleanupEvery time.Duration) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go s.cleanupLoop(cleanupEvery)
	}
	return s
}

func (s *SessionStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Delete removes a session and reports whether it existed.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *SessionStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *SessionStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

func (s *SessionStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
		}
	}
}

// SessionClaims is the token payload. The JWT ID is the session id, so a
// token stops working as soon as its session is destroyed.
type SessionClaims struct {
	jwt.RegisteredClaims
	AgencyID string `json:"agency_id"`
}

const tokenIssuer = "intake-server"

// SessionManager signs in users, issues HS256 tokens for their sessions and
// resolves tokens back to live sessions.
type SessionManager struct {
	users UserDirectory
	store *SessionStore
	key   []byte
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionManager(users UserDirectory, store *SessionStore, signingKey []byte, ttl time.Duration) *SessionManager {
	return &SessionManager{
		users: users,
		store: store,
		key:   signingKey,
		ttl:   ttl,
		now:   time.Now,
	}
}

// dummyHash keeps the cost of a failed lookup close to that of a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("intake-dummy-password"), bcrypt.MinCost)

// Login checks the credentials against the directory of the agency carried
// by ctx and opens a session.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*Session, string, error) {
	if username == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	user, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !user.Active {
		return nil, "", ErrInvalidCredentials
	}

	now := m.now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    user.ID.String(),
		Username:  user.Username,
		AgencyID:  db.AgencyFromContext(ctx),
		Roles:     append([]string(nil), user.Roles...),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	token, err := m.sign(sess)
	if err != nil {
		return nil, "", err
	}
	m.store.Put(sess)
	return sess, token, nil
}

// Logout destroys the session. Tokens issued for it stop resolving.
func (m *SessionManager) Logout(ctx context.Context, sessionID string) error {
	if !m.store.Delete(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

// Resolve validates a token and returns its live session.
func (m *SessionManager) Resolve(token string) (*Session, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	sess, ok := m.store.Get(claims.ID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Expired(m.now()) {
		m.store.Delete(sess.ID)
		return nil, ErrSessionExpired
	}
	if sess.UserID != claims.Subject || sess.AgencyID != claims.AgencyID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *SessionManager) sign(sess *Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.UserID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		AgencyID: sess.AgencyID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}
