package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/modernmail/engine/internal/model"
)

// EnqueueOutbound persists a new send job in Pending state and returns
// it with its minted ID.
func (s *Store) EnqueueOutbound(accountID string, msg model.ComposedMessage) (model.OutboundJob, error) {
	st, err := s.account(accountID)
	if err != nil {
		return model.OutboundJob{}, err
	}

	now := time.Now()
	job := model.OutboundJob{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Message:   msg,
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := st.db.commitJob(job); err != nil {
		return model.OutboundJob{}, fmt.Errorf("persisting outbound job for %s: %w", accountID, err)
	}

	st.mu.Lock()
	st.jobs[job.ID] = job
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventOutboundUpdated, AccountID: accountID})
	return job, nil
}

// UpdateOutbound persists a job's new state.
func (s *Store) UpdateOutbound(job model.OutboundJob) error {
	st, err := s.account(job.AccountID)
	if err != nil {
		return err
	}

	job.UpdatedAt = time.Now()
	if err := st.db.commitJob(job); err != nil {
		return fmt.Errorf("persisting outbound job %s: %w", job.ID, err)
	}

	st.mu.Lock()
	st.jobs[job.ID] = job
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventOutboundUpdated, AccountID: job.AccountID})
	return nil
}

// PendingOutbound returns the account's Pending jobs, oldest first.
func (s *Store) PendingOutbound(accountID string) ([]model.OutboundJob, error) {
	st, err := s.account(accountID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	var pending []model.OutboundJob
	for _, job := range st.jobs {
		if job.Status == model.JobPending {
			pending = append(pending, job)
		}
	}
	st.mu.RUnlock()

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// OutboundJob returns one job by ID.
func (s *Store) OutboundJob(accountID, jobID string) (*model.OutboundJob, error) {
	st, err := s.account(accountID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	job, ok := st.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("outbound job %s not found for account %s", jobID, accountID)
	}
	return &job, nil
}
