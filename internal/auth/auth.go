// Package auth provides the in-process credential check backing
// activate/deactivate. Password hashing and authentication storage are
// named in the design as an external collaborator, but this repository
// still needs something to drive activate/deactivate end-to-end: it
// hashes with bcrypt (golang.org/x/crypto/bcrypt), the same library the
// corpus uses for credential hashing, rather than inventing a stdlib
// scheme.
package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrWrongCredentials is returned by Verify when the supplied password
// does not match the stored hash, or the device has no stored credential.
var ErrWrongCredentials = errors.New("auth: wrong credentials")

// Store holds one bcrypt hash per registered device path.
type Store struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{hashes: make(map[string][]byte)}
}

// Set hashes password and associates it with devPath, overwriting any
// existing credential (activate on an already-registered path is
// rejected earlier, at the registry layer, before Set is ever called for
// an existing entry).
func (s *Store) Set(devPath, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[devPath] = hash
	return nil
}

// Verify checks password against devPath's stored hash.
func (s *Store) Verify(devPath, password string) error {
	s.mu.RLock()
	hash, ok := s.hashes[devPath]
	s.mu.RUnlock()
	if !ok {
		return ErrWrongCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrWrongCredentials
	}
	return nil
}

// Delete removes devPath's stored credential, if any.
func (s *Store) Delete(devPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, devPath)
}
