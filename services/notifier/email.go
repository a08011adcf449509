package notifier

import (
	"context"
	"fmt"

	"github.com/go-mail/mail"

	"sjsage522/pricewatch/config"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// Delivery tells whether an email left the process.
type Delivery string

const (
	DeliverySent    Delivery = "sent"
	DeliverySkipped Delivery = "skipped"
)

// mailer is satisfied by *mail.Dialer
type mailer interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailSender sends HTML email over SMTP.
type EmailSender struct {
	dialer mailer
	from   string
	log    *logger.Logger
}

// NewEmailSender creates a sender from the SMTP settings. Without an SMTP host every
// send is skipped.
func NewEmailSender(cfg *config.Config) *EmailSender {
	s := &EmailSender{
		from: cfg.EmailFrom,
		log:  logger.ForNotifier(),
	}
	if cfg.EmailConfigured() {
		s.dialer = mail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}
	return s
}

// Configured reports whether emails are actually delivered
func (s *EmailSender) Configured() bool {
	return s.dialer != nil
}

// Send delivers one message.
func (s *EmailSender) Send(ctx context.Context, to, subject, html string) (Delivery, error) {
	if s.dialer == nil {
		s.log.Warn().Str("to", to).Str("subject", subject).Msg("Email provider not configured, skipping email")
		return DeliverySkipped, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", perrors.NewDelivery(to, fmt.Sprintf("send %q", subject), err)
	}

	s.log.Info().Str("to", to).Str("subject", subject).Msg("Email sent")
	return DeliverySent, nil
}
