// Package vault stores per-account mail credentials in the operating
// system's secure storage. Secrets only leave the vault as short-lived
// scoped handles that are zeroed on release; when no secure backend is
// available the vault fails closed rather than falling back to
// plaintext.
package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "modernmail"

// ErrorKind classifies vault failures.
type ErrorKind string

const (
	// KindNoSecureStorage means no OS keystore backend could be
	// opened. Credential-dependent features must be disabled for the
	// run; the vault never degrades to plaintext storage.
	KindNoSecureStorage ErrorKind = "no_secure_storage"

	// KindAccessDenied means the secret does not exist or the
	// keystore refused access.
	KindAccessDenied ErrorKind = "access_denied"

	// KindInternal covers unexpected keystore failures.
	KindInternal ErrorKind = "internal"
)

// VaultError is a typed credential-storage failure.
type VaultError struct {
	Kind      ErrorKind
	AccountID string
	Err       error
}

func (e *VaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault %s (account %s): %v", e.Kind, e.AccountID, e.Err)
	}
	return fmt.Sprintf("vault %s (account %s)", e.Kind, e.AccountID)
}

func (e *VaultError) Unwrap() error { return e.Err }

// IsNoSecureStorage reports whether err is a fail-closed
// no-secure-storage condition.
func IsNoSecureStorage(err error) bool {
	var ve *VaultError
	return errors.As(err, &ve) && ve.Kind == KindNoSecureStorage
}

// IsAccessDenied reports whether err indicates a missing or
// inaccessible secret.
func IsAccessDenied(err error) bool {
	var ve *VaultError
	return errors.As(err, &ve) && ve.Kind == KindAccessDenied
}

// ScopedSecret is a bounded-lifetime view of a credential. Bytes is
// valid until Release, which zeroes the underlying buffer. A released
// secret returns nil bytes.
type ScopedSecret struct {
	mu       sync.Mutex
	data     []byte
	released bool
}

// Bytes returns the secret content, or nil after Release.
func (s *ScopedSecret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.data
}

// Release zeroes the secret and invalidates the handle. It is safe to
// call more than once.
func (s *ScopedSecret) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.released = true
}

// openRing is swapped in tests to avoid touching the OS keystore.
var openRing = func(fileDir string) (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("modernmail-file-key"),
		KeychainTrustApplication: true,
	})
}

// Vault persists per-account secrets in the system keyring. Concurrent
// unlocks of the same account are serialized so the OS prompts at most
// once.
type Vault struct {
	fileDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Vault. fileDir is where the encrypted-file backend
// keeps its store when no native keystore exists.
func New(fileDir string) *Vault {
	if fileDir == "" {
		fileDir = "~/.config/modernmail/credentials"
	}
	return &Vault{
		fileDir: fileDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// accountLock returns the serialization lock for one account.
func (v *Vault) accountLock(accountID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[accountID] = l
	}
	return l
}

func (v *Vault) ring(accountID string) (keyring.Keyring, error) {
	ring, err := openRing(v.fileDir)
	if err != nil {
		return nil, &VaultError{Kind: KindNoSecureStorage, AccountID: accountID, Err: err}
	}
	return ring, nil
}

// Store saves the secret for an account, replacing any previous value.
// The caller retains ownership of secret; the vault copies it.
func (v *Vault) Store(accountID string, secret []byte) error {
	l := v.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	ring, err := v.ring(accountID)
	if err != nil {
		return err
	}

	buf := make([]byte, len(secret))
	copy(buf, secret)

	if err := ring.Set(keyring.Item{Key: accountID, Data: buf}); err != nil {
		return &VaultError{Kind: KindInternal, AccountID: accountID, Err: err}
	}
	return nil
}

// Unlock retrieves the secret for an account as a scoped handle. The
// caller must Release the handle as soon as the secret has been used.
func (v *Vault) Unlock(accountID string) (*ScopedSecret, error) {
	l := v.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	ring, err := v.ring(accountID)
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(accountID)
	if err != nil {
		// A missing key and a keystore refusal look the same to
		// callers: the credential is not available.
		return nil, &VaultError{Kind: KindAccessDenied, AccountID: accountID, Err: err}
	}

	return &ScopedSecret{data: item.Data}, nil
}

// Erase removes the secret for an account. Erasing an absent secret is
// not an error; a later Unlock fails with access denied either way.
func (v *Vault) Erase(accountID string) error {
	l := v.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	ring, err := v.ring(accountID)
	if err != nil {
		return err
	}

	if err := ring.Remove(accountID); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return &VaultError{Kind: KindInternal, AccountID: accountID, Err: err}
	}
	return nil
}
