package model

import "time"

// ProviderKind identifies the mail provider behind an account.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderGeneric ProviderKind = "generic"
)

// Security selects the transport security mode for an endpoint.
type Security string

const (
	// SecurityPlain is an unencrypted connection.
	SecurityPlain Security = "plain"

	// SecurityTLS is an implicit-TLS connection.
	SecurityTLS Security = "tls"

	// SecurityStartTLS upgrades a plain connection via STARTTLS.
	SecurityStartTLS Security = "starttls"
)

// Endpoint describes one server endpoint of an account.
type Endpoint struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Security Security `mapstructure:"security" yaml:"security"`
}

// Account holds the configuration for a single mail account.
// The credential itself lives in the vault, keyed by the account ID.
type Account struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Email is the account's address, also used as the login name.
	Email string `mapstructure:"email" yaml:"email"`

	// Provider identifies provider-specific behavior
	// (folder naming, auth failure classification).
	Provider ProviderKind `mapstructure:"provider" yaml:"provider"`

	// Retrieval is the IMAP endpoint.
	Retrieval Endpoint `mapstructure:"retrieval" yaml:"retrieval"`

	// Submission is the SMTP endpoint.
	Submission Endpoint `mapstructure:"submission" yaml:"submission"`

	// Enabled controls whether the account is scheduled for sync.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec is how often (in seconds) the account syncs.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// PollInterval returns the account's sync interval, falling back to
// the 5 minute default when unset.
func (a Account) PollInterval() time.Duration {
	if a.PollIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.PollIntervalSec) * time.Second
}

// ProviderDefaults returns the well-known endpoints for a provider,
// or false when the provider has no preset and the user must supply
// the endpoints.
func ProviderDefaults(kind ProviderKind) (retrieval, submission Endpoint, ok bool) {
	switch kind {
	case ProviderGmail:
		return Endpoint{Host: "imap.gmail.com", Port: 993, Security: SecurityTLS},
			Endpoint{Host: "smtp.gmail.com", Port: 587, Security: SecurityStartTLS},
			true
	case ProviderOutlook:
		return Endpoint{Host: "outlook.office365.com", Port: 993, Security: SecurityTLS},
			Endpoint{Host: "smtp-mail.outlook.com", Port: 587, Security: SecurityStartTLS},
			true
	default:
		return Endpoint{}, Endpoint{}, false
	}
}
