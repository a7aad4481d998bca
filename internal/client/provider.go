package client

import (
	"strings"

	"github.com/modernmail/engine/internal/model"
)

// Provider encapsulates per-provider quirks behind one strategy
// contract. Sessions compose a Provider with the protocol clients;
// there is exactly one implementation per provider kind.
type Provider interface {
	Kind() model.ProviderKind

	// SentFolder is where successfully submitted mail is recorded.
	SentFolder() string

	// SkipFolder reports whether a listed folder should be excluded
	// from sync (provider-side pseudo folders).
	SkipFolder(info FolderInfo) bool

	// ClassifyAuthFailure turns a server login rejection into a typed
	// AuthError for the account.
	ClassifyAuthFailure(account string, err error) *AuthError
}

// ForKind returns the provider strategy for an account's kind.
func ForKind(kind model.ProviderKind) Provider {
	switch kind {
	case model.ProviderGmail:
		return gmailProvider{}
	case model.ProviderOutlook:
		return outlookProvider{}
	default:
		return genericProvider{}
	}
}

type genericProvider struct{}

func (genericProvider) Kind() model.ProviderKind { return model.ProviderGeneric }
func (genericProvider) SentFolder() string       { return "Sent" }

func (genericProvider) SkipFolder(info FolderInfo) bool {
	return info.NoSelect
}

func (genericProvider) ClassifyAuthFailure(account string, err error) *AuthError {
	return &AuthError{Kind: AuthInvalidCredentials, Account: account, Err: err}
}

type outlookProvider struct{}

func (outlookProvider) Kind() model.ProviderKind { return model.ProviderOutlook }
func (outlookProvider) SentFolder() string       { return "Sent Items" }

func (outlookProvider) SkipFolder(info FolderInfo) bool {
	return info.NoSelect
}

func (outlookProvider) ClassifyAuthFailure(account string, err error) *AuthError {
	return &AuthError{Kind: AuthInvalidCredentials, Account: account, Err: err}
}

type gmailProvider struct{}

func (gmailProvider) Kind() model.ProviderKind { return model.ProviderGmail }
func (gmailProvider) SentFolder() string       { return "[Gmail]/Sent Mail" }

// SkipFolder excludes the "[Gmail]" hierarchy container and the
// "All Mail" virtual folder, which duplicates every other folder's
// contents.
func (gmailProvider) SkipFolder(info FolderInfo) bool {
	if info.NoSelect {
		return true
	}
	return info.Name == "[Gmail]" || info.Name == "[Gmail]/All Mail"
}

// ClassifyAuthFailure detects Gmail's application-specific password
// rejection. Accounts with 2FA refuse plain passwords with a response
// pointing at the app-password help article; matching on that text is
// best effort and anything else is treated as bad credentials.
func (gmailProvider) ClassifyAuthFailure(account string, err error) *AuthError {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "application-specific password") ||
		strings.Contains(msg, "support.google.com/accounts/answer/185833") {
		return &AuthError{Kind: AuthRequiresAppPassword, Account: account, Err: err}
	}
	return &AuthError{Kind: AuthInvalidCredentials, Account: account, Err: err}
}
