// Package engine orchestrates the sync machinery: it owns the account
// sessions, drives reconciliation passes on the scheduler's ticks,
// runs the outbound send queue, and exposes the consumer surface
// (queries, subscriptions, refresh, send, account management). A
// failing account never blocks any other account's sync.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
	"github.com/modernmail/engine/internal/scheduler"
	"github.com/modernmail/engine/internal/session"
	"github.com/modernmail/engine/internal/store"
	"github.com/modernmail/engine/internal/vault"
)

// CredentialStore is the vault capability the engine needs.
type CredentialStore interface {
	Store(accountID string, secret []byte) error
	Unlock(accountID string) (*vault.ScopedSecret, error)
	Erase(accountID string) error
}

// Engine wires sessions, scheduler, and store into one sync service.
type Engine struct {
	cfg   model.EngineConfig
	creds CredentialStore
	store *store.Store
	log   *slog.Logger
	sched *scheduler.Scheduler

	mu       sync.Mutex
	accounts map[string]model.Account
	sessions map[string]*session.Session
	states   map[string]model.SyncState

	// cancels holds the cancel func of each in-flight pass, so account
	// removal can abort its own work without touching other accounts.
	cancels map[string]context.CancelFunc

	outboundWake chan struct{}

	// sendRetryDelay spaces outbound retry attempts. Shortened in tests.
	sendRetryDelay time.Duration

	// newSession and validate are swapped in tests.
	newSession func(model.Account) *session.Session
	validate   func(context.Context, model.Account) error
}

// New creates an engine over the given vault and store. Call Start to
// begin syncing.
func New(cfg model.EngineConfig, creds CredentialStore, st *store.Store, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:            cfg,
		creds:          creds,
		store:          st,
		log:            log,
		accounts:       make(map[string]model.Account),
		sessions:       make(map[string]*session.Session),
		states:         make(map[string]model.SyncState),
		cancels:        make(map[string]context.CancelFunc),
		outboundWake:   make(chan struct{}, 1),
		sendRetryDelay: 30 * time.Second,
	}
	e.newSession = func(a model.Account) *session.Session {
		return session.New(a, creds, cfg, log)
	}
	e.validate = session.CheckReachability
	e.sched = scheduler.New(e.syncAccount, cfg.MaxConcurrentSyncs, log)
	return e
}

// Store returns the mailbox store for read queries and subscriptions.
func (e *Engine) Store() *store.Store { return e.store }

// Start runs the scheduler and the outbound queue until ctx is
// cancelled. In-flight passes share the same lifetime.
func (e *Engine) Start(ctx context.Context) {
	go e.sched.Run(ctx)
	go e.outboundLoop(ctx)
	e.log.Info("sync engine started",
		"max_concurrent_syncs", e.cfg.MaxConcurrentSyncs,
		"send_retry_limit", e.cfg.SendRetryLimit)
}

// AddAccount registers an account and schedules its first sync. A
// non-nil secret is validated against the endpoints and stored in the
// vault; a nil secret means the credential is already vaulted (config
// restore at startup).
func (e *Engine) AddAccount(ctx context.Context, account model.Account, secret []byte) error {
	if account.ID == "" || account.Email == "" {
		return fmt.Errorf("account needs an id and an email address")
	}

	if secret != nil {
		if err := e.validate(ctx, account); err != nil {
			return fmt.Errorf("validating endpoints for %s: %w", account.Email, err)
		}
		if err := e.creds.Store(account.ID, secret); err != nil {
			return fmt.Errorf("storing credential for %s: %w", account.Email, err)
		}
	}

	if err := e.store.AttachAccount(account.ID); err != nil {
		return err
	}

	e.mu.Lock()
	e.accounts[account.ID] = account
	e.sessions[account.ID] = e.newSession(account)
	phase := model.SyncIdle
	if !account.Enabled {
		phase = model.SyncPaused
	}
	e.states[account.ID] = model.SyncState{AccountID: account.ID, Phase: phase}
	e.mu.Unlock()

	if account.Enabled {
		e.sched.Add(account.ID, account.PollInterval())
	}
	e.log.Info("account added", "account", account.ID, "email", account.Email, "provider", account.Provider)
	return nil
}

// UpdateAccount replaces an account's settings and forces the session
// to re-authenticate. A non-nil secret replaces the vaulted credential.
func (e *Engine) UpdateAccount(ctx context.Context, account model.Account, secret []byte) error {
	e.mu.Lock()
	sess, ok := e.sessions[account.ID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("account %s not registered", account.ID)
	}

	if secret != nil {
		if err := e.validate(ctx, account); err != nil {
			return fmt.Errorf("validating endpoints for %s: %w", account.Email, err)
		}
		if err := e.creds.Store(account.ID, secret); err != nil {
			return fmt.Errorf("storing credential for %s: %w", account.Email, err)
		}
	}

	sess.UpdateAccount(account)

	e.mu.Lock()
	e.accounts[account.ID] = account
	st := e.states[account.ID]
	if account.Enabled && st.Phase == model.SyncPaused {
		st.Phase = model.SyncIdle
	} else if !account.Enabled {
		st.Phase = model.SyncPaused
	}
	e.states[account.ID] = st
	e.mu.Unlock()

	if account.Enabled {
		e.sched.Add(account.ID, account.PollInterval())
	} else {
		e.sched.Remove(account.ID)
	}
	return nil
}

// RemoveAccount cancels the account's in-flight work, purges its
// mailbox, and erases its credential. Other accounts are unaffected.
func (e *Engine) RemoveAccount(accountID string) error {
	e.sched.Remove(accountID)

	e.mu.Lock()
	if cancel, ok := e.cancels[accountID]; ok {
		cancel()
	}
	sess := e.sessions[accountID]
	delete(e.accounts, accountID)
	delete(e.sessions, accountID)
	delete(e.states, accountID)
	e.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	if err := e.store.PurgeAccount(accountID); err != nil {
		return err
	}
	if err := e.creds.Erase(accountID); err != nil {
		return err
	}
	e.log.Info("account removed", "account", accountID)
	return nil
}

// Accounts lists the registered accounts, for settings and desktop
// badge consumers.
func (e *Engine) Accounts() []model.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	accounts := make([]model.Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		accounts = append(accounts, a)
	}
	return accounts
}

// SyncState returns the account's current sync status.
func (e *Engine) SyncState(accountID string) (model.SyncState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[accountID]
	return st, ok
}

// RefreshNow jumps the account to the front of the sync queue.
func (e *Engine) RefreshNow(accountID string) {
	e.sched.RefreshNow(accountID)
}

// session returns the account's session, if registered.
func (e *Engine) session(accountID string) *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[accountID]
}

// syncAccount runs one reconciliation pass. It is the scheduler's
// RunFunc; the returned error drives backoff.
func (e *Engine) syncAccount(ctx context.Context, accountID string) error {
	sess := e.session(accountID)
	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[accountID] = cancel
	st := e.states[accountID]
	st.Phase = model.SyncRunning
	e.states[accountID] = st
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, accountID)
		e.mu.Unlock()
	}()

	err := e.runPass(ctx, accountID, sess)

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[accountID]
	if !ok {
		// Removed mid-pass.
		return err
	}
	if err != nil {
		st.Phase = model.SyncFailed
		st.Retries++
		st.Reason = err.Error()
		e.states[accountID] = st
		e.log.Warn("sync pass failed", "account", accountID, "error", err)
		return err
	}
	st.Phase = model.SyncIdle
	st.LastSuccess = time.Now()
	st.Retries = 0
	st.Reason = ""
	e.states[accountID] = st
	return nil
}

// runPass reconciles the folder set and then every folder's deltas.
// Folder-level retrieval errors do not stop the remaining folders;
// the first one is reported so the scheduler can back off.
func (e *Engine) runPass(ctx context.Context, accountID string, sess *session.Session) error {
	infos, err := sess.ListFolders(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.NoSelect {
			continue
		}
		names = append(names, info.Name)
	}
	if err := e.store.ReconcileFolders(accountID, names); err != nil {
		return err
	}

	var firstErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		folder, err := e.store.Folder(accountID, name)
		if err != nil {
			return err
		}
		cursor := folder.Cursor
		if folder.NeedsFullRelist {
			cursor = ""
		}

		newCursor, deltas, err := sess.FetchDelta(ctx, name, cursor)
		if err != nil {
			if _, ok := client.AsAuthError(err); ok {
				// Credentials broke mid-pass; the rest would fail too.
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(deltas) == 0 && newCursor == cursor && !folder.NeedsFullRelist {
			continue
		}
		if err := e.store.ApplyPass(accountID, name, newCursor, deltas); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FetchBody retrieves one message body from the server and caches it
// in the store.
func (e *Engine) FetchBody(ctx context.Context, accountID, folder, uid string) (*client.Body, error) {
	sess := e.session(accountID)
	if sess == nil {
		return nil, fmt.Errorf("account %s not registered", accountID)
	}

	if msg, err := e.store.Message(accountID, folder, uid); err == nil && msg.BodyFetched {
		return &client.Body{Text: msg.TextBody, HTML: msg.HTMLBody, Attachments: msg.Attachments}, nil
	}

	body, err := sess.FetchBody(ctx, folder, uid)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetMessageBody(accountID, folder, uid, *body); err != nil {
		return nil, err
	}
	return body, nil
}

// UpdateFlags pushes a flag change to the server and folds it into the
// local cache once the server has acknowledged it.
func (e *Engine) UpdateFlags(ctx context.Context, accountID, folder, uid string, flags model.FlagSet) error {
	sess := e.session(accountID)
	if sess == nil {
		return fmt.Errorf("account %s not registered", accountID)
	}
	if err := sess.UpdateFlags(ctx, folder, uid, flags); err != nil {
		return err
	}
	return e.store.UpdateMessageFlags(accountID, folder, uid, flags)
}
