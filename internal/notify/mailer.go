package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
)

// Mail is one outgoing email.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends mail on the external channel.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send delivers m. The context only guards against sending after cancellation;
// net/smtp has no per-call deadline.
func (s *SMTPMailer) Send(ctx context.Context, m Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{m.To}, buildMessage(s.cfg.From, m)); err != nil {
		return errors.Wrapf(err, "smtp send to %s", m.To)
	}
	return nil
}

func buildMessage(from string, m Mail) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogMailer logs mail instead of sending it.
type LogMailer struct {
	log logger.Logger
}

// NewLogMailer returns a mailer that only logs.
func NewLogMailer(log logger.Logger) *LogMailer {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogMailer{log: log}
}

// Send logs m.
func (l *LogMailer) Send(_ context.Context, m Mail) error {
	l.log.Info("mail not sent, no smtp host configured",
		logger.String("to", m.To),
		logger.String("subject", m.Subject),
	)
	return nil
}
