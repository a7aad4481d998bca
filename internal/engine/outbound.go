package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
	"github.com/modernmail/engine/internal/session"
	"github.com/modernmail/engine/internal/store"
)

// Send checks the attachment size limit, queues an outbound job, and wakes
// the send loop. Oversized attachments fail here, before any job or
// network activity exists.
func (e *Engine) Send(accountID string, msg model.ComposedMessage) (string, error) {
	e.mu.Lock()
	_, ok := e.accounts[accountID]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("account %s not registered", accountID)
	}

	if limit := e.cfg.MaxAttachmentBytes; limit > 0 && msg.TotalAttachmentSize() > limit {
		return "", &client.SendError{
			Kind: client.SendAttachmentTooLarge,
			Err:  fmt.Errorf("attachments total %d bytes, limit %d", msg.TotalAttachmentSize(), limit),
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = mintMessageID(msg.From)
	}

	job, err := e.store.EnqueueOutbound(accountID, msg)
	if err != nil {
		return "", err
	}
	e.wakeOutbound()
	e.log.Info("outbound job queued", "account", accountID, "job", job.ID, "recipients", len(msg.To))
	return job.ID, nil
}

func (e *Engine) wakeOutbound() {
	select {
	case e.outboundWake <- struct{}{}:
	default:
	}
}

// outboundLoop drains pending jobs on every wake-up, and once a minute
// to pick up jobs left over from a previous run.
func (e *Engine) outboundLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		e.processOutbound(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.outboundWake:
		case <-ticker.C:
		}
	}
}

func (e *Engine) processOutbound(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, accountID := range ids {
		if ctx.Err() != nil {
			return
		}
		sess := e.session(accountID)
		if sess == nil {
			continue
		}
		jobs, err := e.store.PendingOutbound(accountID)
		if err != nil {
			continue
		}
		for _, job := range jobs {
			if ctx.Err() != nil {
				return
			}
			e.processJob(ctx, sess, job)
		}
	}
}

// processJob drives one job to a terminal state, or back to Pending if
// the context ends mid-retry. Transient failures retry up to the
// configured limit; everything else fails the job immediately.
func (e *Engine) processJob(ctx context.Context, sess *session.Session, job model.OutboundJob) {
	limit := e.cfg.SendRetryLimit
	if limit <= 0 {
		limit = 3
	}

	for {
		job.Status = model.JobSending
		if err := e.store.UpdateOutbound(job); err != nil {
			return
		}

		err := sess.Send(ctx, &job.Message)
		if err == nil {
			job.Status = model.JobSent
			job.Reason = ""
			_ = e.store.UpdateOutbound(job)
			e.recordSent(sess, job)
			e.log.Info("outbound job sent", "account", job.AccountID, "job", job.ID, "attempts_failed", job.Attempts)
			return
		}

		if !client.IsTransient(err) {
			job.Status = model.JobFailed
			job.Reason = err.Error()
			_ = e.store.UpdateOutbound(job)
			e.log.Warn("outbound job failed", "account", job.AccountID, "job", job.ID, "error", err)
			return
		}

		job.Attempts++
		job.Reason = err.Error()
		if job.Attempts >= limit {
			job.Status = model.JobFailed
			_ = e.store.UpdateOutbound(job)
			e.log.Warn("outbound job failed after retries",
				"account", job.AccountID, "job", job.ID, "attempts", job.Attempts, "error", err)
			return
		}

		job.Status = model.JobPending
		_ = e.store.UpdateOutbound(job)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.sendRetryDelay):
		}
	}
}

// mintMessageID builds a fresh Message-ID scoped to the sender's
// domain, without angle brackets.
func mintMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i+1 < len(from) {
		domain = from[i+1:]
	}
	return uuid.New().String() + "@" + domain
}

// recordSent appends the delivered message to the provider's sent
// folder so it shows up locally without waiting for the next sync.
// The record carries the job's Message-ID, so the store drops it once
// the server's own copy of the message is listed.
func (e *Engine) recordSent(sess *session.Session, job model.OutboundJob) {
	now := time.Now()
	msg := model.Message{
		UID:       store.LocalUID(job.ID),
		AccountID: job.AccountID,
		Header: model.MessageHeader{
			MessageID: job.Message.MessageID,
			Subject:   job.Message.Subject,
			From:      job.Message.From,
			To:        job.Message.To,
			Date:      now,
		},
		Flags:       model.FlagSet{Seen: true},
		BodyFetched: true,
		TextBody:    job.Message.Body,
		FetchedAt:   now,
	}
	folder := sess.SentFolder()
	if err := e.store.RecordSent(job.AccountID, folder, msg); err != nil {
		e.log.Warn("recording sent message", "account", job.AccountID, "job", job.ID, "error", err)
	}
}
