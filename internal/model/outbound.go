package model

import "time"

// JobStatus is the lifecycle state of an outbound send job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSending JobStatus = "sending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// OutboundAttachment references attachment content for an outbound
// message. Path-backed attachments are streamed from disk at send
// time; small inline attachments may carry their bytes directly.
type OutboundAttachment struct {
	Filename    string
	ContentType string
	Size        int64

	// Path is the on-disk source for streamed attachments.
	Path string

	// Content holds inline attachment bytes when Path is empty.
	Content []byte
}

// ComposedMessage is a message authored locally, ready for submission.
type ComposedMessage struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string

	// MessageID is the RFC 5322 Message-ID assigned when the message is
	// queued, without angle brackets. It lets the local sent record be
	// matched against the server's own copy later.
	MessageID string

	// InReplyTo carries the Message-ID being answered, if any. It is
	// emitted as In-Reply-To and References headers.
	InReplyTo string

	Attachments []OutboundAttachment
}

// TotalAttachmentSize returns the combined size of all attachments.
func (m ComposedMessage) TotalAttachmentSize() int64 {
	var total int64
	for _, att := range m.Attachments {
		total += att.Size
	}
	return total
}

// OutboundJob is a queued send request. Jobs are retained until a
// terminal state (Sent or Failed) is confirmed; Sent jobs double as
// the sent-mail record.
type OutboundJob struct {
	ID        string
	AccountID string
	Message   ComposedMessage
	Status    JobStatus

	// Attempts counts failed send attempts. When it reaches the
	// configured limit the job moves to JobFailed permanently.
	Attempts int

	// Reason is the last failure description.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}
