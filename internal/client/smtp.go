package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/modernmail/engine/internal/model"
)

// SMTPSubmission implements Submission over go-smtp. The combined
// attachment size is checked against the hard limit before any dial;
// bodies above the streaming threshold are piped to the server instead
// of being buffered.
type SMTPSubmission struct {
	endpoint model.Endpoint
	username string
	secret   SecretFunc
	provider Provider

	maxAttachmentBytes   int64
	streamThresholdBytes int64

	// dial is swapped in tests to count or fake connections.
	dial func() (*smtp.Client, error)
}

// NewSMTPSubmission creates a submission client for one account.
func NewSMTPSubmission(endpoint model.Endpoint, username string, secret SecretFunc, provider Provider, maxAttachmentBytes, streamThresholdBytes int64) *SMTPSubmission {
	s := &SMTPSubmission{
		endpoint:             endpoint,
		username:             username,
		secret:               secret,
		provider:             provider,
		maxAttachmentBytes:   maxAttachmentBytes,
		streamThresholdBytes: streamThresholdBytes,
	}
	s.dial = s.dialEndpoint
	return s
}

// dialEndpoint opens a connection per the endpoint's security mode.
func (s *SMTPSubmission) dialEndpoint() (*smtp.Client, error) {
	addr := net.JoinHostPort(s.endpoint.Host, strconv.Itoa(s.endpoint.Port))
	tlsConfig := &tls.Config{ServerName: s.endpoint.Host}

	switch s.endpoint.Security {
	case model.SecurityTLS:
		return smtp.DialTLS(addr, tlsConfig)
	case model.SecurityStartTLS:
		return smtp.DialStartTLS(addr, tlsConfig)
	default:
		return smtp.Dial(addr)
	}
}

// Send submits a composed message.
func (s *SMTPSubmission) Send(ctx context.Context, msg *model.ComposedMessage) error {
	if limit := s.maxAttachmentBytes; limit > 0 && msg.TotalAttachmentSize() > limit {
		return &SendError{
			Kind: SendAttachmentTooLarge,
			Err:  fmt.Errorf("attachments total %d bytes, limit %d", msg.TotalAttachmentSize(), limit),
		}
	}
	if err := ctx.Err(); err != nil {
		return classifySubmitError(ctx, err)
	}

	c, err := s.dial()
	if err != nil {
		return &AuthError{Kind: AuthNetworkUnreachable, Account: s.username, Err: fmt.Errorf("connecting to SMTP: %w", err)}
	}
	defer c.Close()

	secret, release, err := s.secret()
	if err != nil {
		return fmt.Errorf("unlocking credential for %s: %w", s.username, err)
	}
	authErr := c.Auth(sasl.NewPlainClient("", s.username, string(secret)))
	release()
	if authErr != nil {
		return s.provider.ClassifyAuthFailure(s.username, authErr)
	}

	recipients := append(append([]string{}, msg.To...), msg.Cc...)

	body, err := s.messageReader(ctx, msg)
	if err != nil {
		return err
	}

	if err := c.SendMail(msg.From, recipients, body); err != nil {
		return classifySubmitError(ctx, err)
	}
	// The server accepted the message at end-of-DATA; a failure while
	// saying goodbye must not report the delivery as failed.
	_ = c.Quit()
	return nil
}

// messageReader returns the composed RFC 5322 message as a reader.
// Small messages are buffered; anything above the streaming threshold
// is composed on the fly through a pipe so large attachments never
// sit in memory whole.
func (s *SMTPSubmission) messageReader(ctx context.Context, msg *model.ComposedMessage) (io.Reader, error) {
	if msg.TotalAttachmentSize() <= s.streamThresholdBytes {
		var buf bytes.Buffer
		if err := composeMessage(ctx, &buf, msg); err != nil {
			return nil, err
		}
		return &buf, nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(composeMessage(ctx, pw, msg))
	}()
	return pr, nil
}

// composeMessage writes the MIME message to w using go-message.
func composeMessage(ctx context.Context, w io.Writer, msg *model.ComposedMessage) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(msg.MessageID)
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
		h.SetMsgIDList("References", []string{msg.InReplyTo})
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(tw, msg.Body); err != nil {
		tw.Close()
		return fmt.Errorf("writing text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing text part: %w", err)
	}

	for _, att := range msg.Attachments {
		if err := ctx.Err(); err != nil {
			return classifySubmitError(ctx, err)
		}
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}

	return mw.Close()
}

// writeAttachment streams one attachment part. Path-backed
// attachments are copied straight from the file handle.
func writeAttachment(mw *mail.Writer, att model.OutboundAttachment) error {
	var ah mail.AttachmentHeader
	ah.SetFilename(att.Filename)
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ah.SetContentType(contentType, nil)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", att.Filename, err)
	}

	var src io.Reader
	if att.Path != "" {
		f, err := os.Open(att.Path)
		if err != nil {
			return fmt.Errorf("opening attachment %s: %w", att.Path, err)
		}
		defer f.Close()
		src = f
	} else {
		src = bytes.NewReader(att.Content)
	}

	if _, err := io.Copy(aw, src); err != nil {
		return fmt.Errorf("writing attachment %s: %w", att.Filename, err)
	}
	return aw.Close()
}

func toAddressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, len(addrs))
	for i, addr := range addrs {
		list[i] = &mail.Address{Address: addr}
	}
	return list
}

// classifySubmitError maps a submission failure onto the send
// taxonomy. SMTP reply codes pick the kind; a context deadline beats
// everything else.
func classifySubmitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &SendError{Kind: SendTimeout, Err: err}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 450, 550, 551, 553:
			return &SendError{Kind: SendRecipientRejected, Err: err}
		case 452, 552:
			return &SendError{Kind: SendQuotaExceeded, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SendError{Kind: SendTimeout, Err: err}
	}

	return fmt.Errorf("submitting message: %w", err)
}
