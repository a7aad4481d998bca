// Package session owns the connection lifecycle of one account: its
// credentials, its protocol clients, and the provider strategy that
// shapes their behavior. A session serializes its own operations (at
// most one retrieval and one submission conversation at a time);
// parallelism across accounts is the scheduler's business.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
	"github.com/modernmail/engine/internal/vault"
)

// State is the connection state of a session.
type State string

const (
	// StateDisconnected means no clients exist. Entered on creation,
	// on auth failure, and on explicit disconnect.
	StateDisconnected State = "disconnected"

	// StateAuthenticating means clients are being constructed with
	// freshly unlocked credentials.
	StateAuthenticating State = "authenticating"

	// StateConnected means clients exist but no sync has run yet.
	StateConnected State = "connected"

	// StateSyncing means a retrieval operation is in flight.
	StateSyncing State = "syncing"

	// StateIdle means the last retrieval operation succeeded.
	StateIdle State = "idle"
)

// Credentials is the vault capability a session needs.
type Credentials interface {
	Unlock(accountID string) (*vault.ScopedSecret, error)
}

// Session binds one account to its protocol clients. All retrieval
// operations share one mutex and all submissions another, so the
// session never holds more than one conversation of each kind with
// the provider.
type Session struct {
	creds Credentials
	cfg   model.EngineConfig
	log   *slog.Logger

	mu      sync.Mutex
	account model.Account
	state   State

	// authErr is set on a credential rejection and makes every later
	// operation fail fast until UpdateAccount clears it. Transient
	// auth failures (network, timeout) are not sticky.
	authErr *client.AuthError

	retrieval  client.Retrieval
	submission client.Submission

	retrievalMu sync.Mutex
	submitMu    sync.Mutex

	// Factories are swapped in tests to substitute fake clients.
	newRetrieval  func(model.Account, client.SecretFunc, client.Provider) client.Retrieval
	newSubmission func(model.Account, client.SecretFunc, client.Provider) client.Submission
}

// New creates a disconnected session for the account.
func New(account model.Account, creds Credentials, cfg model.EngineConfig, log *slog.Logger) *Session {
	s := &Session{
		creds:   creds,
		cfg:     cfg,
		log:     log.With("account", account.ID),
		account: account,
		state:   StateDisconnected,
	}
	s.newRetrieval = func(a model.Account, secret client.SecretFunc, p client.Provider) client.Retrieval {
		return client.NewIMAPRetrieval(a.Retrieval, a.Email, secret, p)
	}
	s.newSubmission = func(a model.Account, secret client.SecretFunc, p client.Provider) client.Submission {
		return client.NewSMTPSubmission(
			a.Submission, a.Email, secret, p,
			cfg.MaxAttachmentBytes, cfg.StreamThresholdBytes,
		)
	}
	return s
}

// NewWithClients creates a session over pre-built protocol clients,
// bypassing the vault. Used where clients are constructed elsewhere.
func NewWithClients(account model.Account, cfg model.EngineConfig, log *slog.Logger, r client.Retrieval, sub client.Submission) *Session {
	s := &Session{
		cfg:     cfg,
		log:     log.With("account", account.ID),
		account: account,
		state:   StateDisconnected,
	}
	s.newRetrieval = func(model.Account, client.SecretFunc, client.Provider) client.Retrieval { return r }
	s.newSubmission = func(model.Account, client.SecretFunc, client.Provider) client.Submission { return sub }
	return s
}

// Account returns the session's current account configuration.
func (s *Session) Account() model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// State returns the session's current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateAccount replaces the account configuration, clears any sticky
// credential error, and drops the clients so the next operation
// re-authenticates with the new settings.
func (s *Session) UpdateAccount(account model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.account = account
	s.authErr = nil
	s.dropClientsLocked()
	s.log.Debug("session reset for updated account settings")
}

// Disconnect drops the clients. The next operation reconnects.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropClientsLocked()
}

func (s *Session) dropClientsLocked() {
	if s.retrieval != nil {
		_ = s.retrieval.Close()
	}
	s.retrieval = nil
	s.submission = nil
	s.state = StateDisconnected
}

// secretFunc unlocks the account's credential on each use, so clients
// never hold secret bytes between operations.
func (s *Session) secretFunc(accountID string) client.SecretFunc {
	return func() ([]byte, func(), error) {
		secret, err := s.creds.Unlock(accountID)
		if err != nil {
			return nil, nil, err
		}
		return secret.Bytes(), secret.Release, nil
	}
}

// ensureConnected builds the protocol clients if needed. A sticky
// credential rejection short-circuits: the session does not retry
// bad credentials, it waits for the user to re-enter them.
func (s *Session) ensureConnected() (client.Retrieval, client.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authErr != nil {
		return nil, nil, s.authErr
	}
	if s.retrieval != nil {
		return s.retrieval, s.submission, nil
	}

	s.state = StateAuthenticating
	provider := client.ForKind(s.account.Provider)
	secret := s.secretFunc(s.account.ID)
	s.retrieval = s.newRetrieval(s.account, secret, provider)
	s.submission = s.newSubmission(s.account, secret, provider)
	s.state = StateConnected

	return s.retrieval, s.submission, nil
}

// observe records an operation outcome: credential rejections tear the
// session down (sticky for non-transient kinds), success moves to Idle.
func (s *Session) observe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if authErr, ok := client.AsAuthError(err); ok {
		if authErr.Kind == client.AuthInvalidCredentials || authErr.Kind == client.AuthRequiresAppPassword {
			s.authErr = authErr
			s.log.Warn("credentials rejected, session locked until re-entry", "kind", authErr.Kind)
		}
		s.dropClientsLocked()
		return
	}
	if err == nil {
		s.state = StateIdle
	}
}

func (s *Session) retrievalTimeout() time.Duration {
	if s.cfg.RetrievalTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.RetrievalTimeoutSec) * time.Second
}

func (s *Session) submissionTimeout() time.Duration {
	if s.cfg.SubmissionTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.cfg.SubmissionTimeoutSec) * time.Second
}

// withRetrieval serializes and runs one retrieval operation under the
// configured round-trip deadline.
func (s *Session) withRetrieval(ctx context.Context, op func(context.Context, client.Retrieval) error) error {
	s.retrievalMu.Lock()
	defer s.retrievalMu.Unlock()

	r, _, err := s.ensureConnected()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = StateSyncing
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, s.retrievalTimeout())
	defer cancel()

	err = op(opCtx, r)
	s.observe(err)
	return err
}

// ListFolders lists the account's selectable folders.
func (s *Session) ListFolders(ctx context.Context) ([]client.FolderInfo, error) {
	var folders []client.FolderInfo
	err := s.withRetrieval(ctx, func(ctx context.Context, r client.Retrieval) error {
		var err error
		folders, err = r.ListFolders(ctx)
		return err
	})
	return folders, err
}

// FetchDelta fetches the folder's changes since cursor.
func (s *Session) FetchDelta(ctx context.Context, folder string, cursor model.Cursor) (model.Cursor, []client.MessageDelta, error) {
	newCursor := cursor
	var deltas []client.MessageDelta
	err := s.withRetrieval(ctx, func(ctx context.Context, r client.Retrieval) error {
		var err error
		newCursor, deltas, err = r.FetchDelta(ctx, folder, cursor)
		return err
	})
	return newCursor, deltas, err
}

// FetchBody retrieves one message body.
func (s *Session) FetchBody(ctx context.Context, folder, uid string) (*client.Body, error) {
	var body *client.Body
	err := s.withRetrieval(ctx, func(ctx context.Context, r client.Retrieval) error {
		var err error
		body, err = r.FetchBody(ctx, folder, uid)
		return err
	})
	return body, err
}

// UpdateFlags pushes a flag change to the server.
func (s *Session) UpdateFlags(ctx context.Context, folder, uid string, flags model.FlagSet) error {
	return s.withRetrieval(ctx, func(ctx context.Context, r client.Retrieval) error {
		return r.UpdateFlags(ctx, folder, uid, flags)
	})
}

// Send submits a composed message under the submission deadline.
// Submissions serialize independently of retrieval, so a long send
// does not stall sync passes.
func (s *Session) Send(ctx context.Context, msg *model.ComposedMessage) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	_, sub, err := s.ensureConnected()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.submissionTimeout())
	defer cancel()

	err = sub.Send(opCtx, msg)
	s.observe(err)
	return err
}

// SentFolder returns the provider's sent-mail folder name.
func (s *Session) SentFolder() string {
	return client.ForKind(s.Account().Provider).SentFolder()
}

// CheckReachability probes both endpoints of an account with plain TCP
// dials. Used to validate settings before they are persisted; it does
// not authenticate.
func CheckReachability(ctx context.Context, account model.Account) error {
	var d net.Dialer
	for _, ep := range []model.Endpoint{account.Retrieval, account.Submission} {
		addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &client.AuthError{
				Kind:    client.AuthNetworkUnreachable,
				Account: account.Email,
				Err:     fmt.Errorf("probing %s: %w", addr, err),
			}
		}
		_ = conn.Close()
	}
	return nil
}
