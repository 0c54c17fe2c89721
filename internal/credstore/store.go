// Package credstore holds the opaque session credential and cached user
// record. It is an explicit, constructed session context: initialized once
// at startup, torn down on sign-out, never an ambient singleton.
package credstore

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/soulsig/twinhub/internal/db/models"
	"gorm.io/gorm"
)

// User is the cached user record. Best-effort only; the backend remains the
// source of truth for everything beyond identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Store is the credential store backed by sqlite.
type Store struct {
	db *gorm.DB

	mu      sync.RWMutex
	session *models.Session
	user    *User
}

// New constructs a Store and loads any persisted session into memory.
func New(db *gorm.DB) *Store {
	s := &Store{db: db}
	s.load()
	return s
}

func (s *Store) load() {
	var session models.Session
	err := s.db.Order("updated_at DESC").First(&session).Error

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.session = nil
		s.user = nil
		return
	}

	s.session = &session
	if session.UserJSON != "" {
		var user User
		if jsonErr := json.Unmarshal([]byte(session.UserJSON), &user); jsonErr == nil {
			s.user = &user
		}
	}
	log.Printf("[credstore] Loaded session for user %s", session.UserID)
}

// SignIn stores a new session credential, replacing any existing one.
func (s *Store) SignIn(token string, user User) error {
	if token == "" {
		return fmt.Errorf("empty session token")
	}
	if user.ID == "" {
		return fmt.Errorf("user record missing id")
	}

	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}

	session := models.Session{
		ID:       uuid.New().String(),
		Token:    token,
		UserID:   user.ID,
		UserJSON: string(userJSON),
	}

	// One session at a time; prior credentials are discarded, not stacked.
	if err := s.db.Where("1 = 1").Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("clear previous sessions: %w", err)
	}
	if err := s.db.Create(&session).Error; err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	s.mu.Lock()
	s.session = &session
	u := user
	s.user = &u
	s.mu.Unlock()

	log.Printf("[credstore] Signed in user %s", user.ID)
	return nil
}

// SignOut clears the credential store. Callers must also reset any derived
// caches (status maps, in-flight flags) as part of the same teardown.
func (s *Store) SignOut() error {
	if err := s.db.Where("1 = 1").Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	s.mu.Lock()
	s.session = nil
	s.user = nil
	s.mu.Unlock()

	log.Printf("[credstore] Signed out")
	return nil
}

// Token returns the opaque session token, or empty when signed out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.Token
}

// UserID returns the current user's ID, or empty when signed out.
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.UserID
}

// User returns the cached user record.
func (s *Store) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// SignedIn reports whether a session credential is present.
func (s *Store) SignedIn() bool {
	return s.Token() != ""
}

// TokenLooksExpired is a best-effort pre-check: when the opaque token happens
// to be a JWT, its exp claim is read without signature verification so the
// UI can surface "reconnect required" before a request round-trips a 401.
// Non-JWT tokens always report false; the backend stays authoritative.
func (s *Store) TokenLooksExpired() bool {
	token := s.Token()
	if token == "" {
		return false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
