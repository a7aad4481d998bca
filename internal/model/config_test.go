package model

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cfg.Accounts)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentSyncs)
	assert.Equal(t, 3, cfg.Engine.SendRetryLimit)
	assert.Equal(t, int64(25<<20), cfg.Engine.MaxAttachmentBytes)
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	in := &AppConfig{
		DataDir: "/tmp/mailboxes",
		Accounts: []Account{{
			ID:       "acct-1",
			Email:    "user@gmail.com",
			Provider: ProviderGmail,
			Retrieval: Endpoint{
				Host: "imap.gmail.com", Port: 993, Security: SecurityTLS,
			},
			Submission: Endpoint{
				Host: "smtp.gmail.com", Port: 587, Security: SecurityStartTLS,
			},
			Enabled:         true,
			PollIntervalSec: 120,
		}},
		Engine: EngineConfig{
			MaxConcurrentSyncs:   2,
			SendRetryLimit:       5,
			RetrievalTimeoutSec:  15,
			SubmissionTimeoutSec: 90,
			MaxAttachmentBytes:   10 << 20,
			StreamThresholdBytes: 1 << 20,
		},
	}
	require.NoError(t, SaveConfig(path, in))

	out, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, in.DataDir, out.DataDir)
	assert.Equal(t, in.Engine, out.Engine)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, in.Accounts[0], out.Accounts[0])
}

func TestLoadConfig_AccountDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &AppConfig{
		DataDir: "/tmp/mailboxes",
		Accounts: []Account{{
			ID:       "acct-1",
			Email:    "user@example.com",
			Provider: ProviderGeneric,
		}},
	}
	require.NoError(t, SaveConfig(path, cfg))

	out, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, 300, out.Accounts[0].PollIntervalSec, "5 minute default")
}

func TestAccount_PollInterval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Account{}.PollInterval())
	assert.Equal(t, 30*time.Second, Account{PollIntervalSec: 30}.PollInterval())
}

func TestProviderDefaults(t *testing.T) {
	ret, sub, ok := ProviderDefaults(ProviderGmail)
	require.True(t, ok)
	assert.Equal(t, Endpoint{Host: "imap.gmail.com", Port: 993, Security: SecurityTLS}, ret)
	assert.Equal(t, Endpoint{Host: "smtp.gmail.com", Port: 587, Security: SecurityStartTLS}, sub)

	ret, sub, ok = ProviderDefaults(ProviderOutlook)
	require.True(t, ok)
	assert.Equal(t, "outlook.office365.com", ret.Host)
	assert.Equal(t, "smtp-mail.outlook.com", sub.Host)

	_, _, ok = ProviderDefaults(ProviderGeneric)
	assert.False(t, ok, "generic accounts supply their own endpoints")
}
