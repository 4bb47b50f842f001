// Package accounts holds the synthetic account entities whose CRUD
// operations the activity pipeline tracks.
package accounts

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no account exists for an id.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when a username is already taken on a platform.
	ErrDuplicate = errors.New("account already exists on platform")
)

// Account is one provisioned synthetic account on an external platform.
type Account struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"displayName,omitempty"`
	Platform      string    `json:"platform"`
	Password      string    `json:"password,omitempty"`
	RecoveryEmail string    `json:"recoveryEmail,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Snapshot renders the account as a generic map for activity before/after
// states. Sensitive fields are included here and stripped by the activity
// sanitizer, which owns the denylist policy.
func (a *Account) Snapshot() map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"id":            a.ID,
		"username":      a.Username,
		"displayName":   a.DisplayName,
		"platform":      a.Platform,
		"password":      a.Password,
		"recoveryEmail": a.RecoveryEmail,
		"phone":         a.Phone,
		"notes":         a.Notes,
	}
}

// Store is a mutex-guarded in-memory account store.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewStore creates an empty account store.
func NewStore() *Store {
	return &Store{accounts: make(map[string]*Account)}
}

// Create inserts a new account and assigns its id.
func (s *Store) Create(acct Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.Platform == acct.Platform && existing.Username == acct.Username {
			return Account{}, ErrDuplicate
		}
	}

	acct.ID = uuid.NewString()
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	stored := acct
	s.accounts[acct.ID] = &stored
	return acct, nil
}

// Get returns an account by id.
func (s *Store) Get(id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acct, nil
}

// Update overwrites the mutable fields of an account and returns the
// previous and the new state.
func (s *Store) Update(id string, update Account) (before, after Account, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, Account{}, ErrNotFound
	}

	before = *acct
	if update.Username != "" {
		acct.Username = update.Username
	}
	if update.DisplayName != "" {
		acct.DisplayName = update.DisplayName
	}
	if update.Password != "" {
		acct.Password = update.Password
	}
	if update.RecoveryEmail != "" {
		acct.RecoveryEmail = update.RecoveryEmail
	}
	if update.Phone != "" {
		acct.Phone = update.Phone
	}
	if update.Notes != "" {
		acct.Notes = update.Notes
	}
	acct.UpdatedAt = time.Now().UTC()

	return before, *acct, nil
}

// Delete removes an account and returns its last state.
func (s *Store) Delete(id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	delete(s.accounts, id)
	return *acct, nil
}

// List returns all accounts, optionally filtered by platform.
func (s *Store) List(platform string) []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if platform != "" && acct.Platform != platform {
			continue
		}
		out = append(out, *acct)
	}
	return out
}

// BulkDelete removes every account on a platform and returns how many went.
func (s *Store) BulkDelete(platform string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, acct := range s.accounts {
		if acct.Platform == platform {
			delete(s.accounts, id)
			deleted++
		}
	}
	return deleted
}
