package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// MailConfig configures the SMTP sender
type MailConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	SenderAddress      string
	SenderName         string
	InsecureSkipVerify bool
}

// dialer is the part of gomail.Dialer the sender needs
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailSender delivers notifications by SMTP. Retries are left to the Dispatcher.
type MailSender struct {
	dialer        dialer
	host          string
	senderAddress string
	senderName    string
	log           *zap.SugaredLogger
}

// NewMailSender creates an SMTP sender
func NewMailSender(cfg MailConfig, log *zap.SugaredLogger) *MailSender {
	log.Infow("Initializing mail sender", "host", cfg.Host, "port", cfg.Port, "user", cfg.User)
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		log.Warn("InsecureSkipVerify is enabled for mail TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	senderAddr := cfg.SenderAddress
	if senderAddr == "" {
		senderAddr = "riskwatch@localhost"
	}
	senderName := cfg.SenderName
	if senderName == "" {
		senderName = "Riskwatch"
	}

	return &MailSender{
		dialer:        d,
		host:          cfg.Host,
		senderAddress: senderAddr,
		senderName:    senderName,
		log:           log,
	}
}

// Name returns the channel name
func (s *MailSender) Name() string {
	return "mail"
}

// Host returns the SMTP host
func (s *MailSender) Host() string {
	return s.host
}

// Send mails the message to all recipients in a single Bcc'd message
func (s *MailSender) Send(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := s.buildMessage(msg)
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp %s: %w", s.host, err)
	}
	s.log.Debugw("Mail sent", "id", msg.ID, "receivers", len(msg.Recipients))
	return nil
}

func (s *MailSender) buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.senderAddress, s.senderName)
	m.SetHeader("Bcc", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", "<pre>"+html.EscapeString(strings.TrimSpace(msg.Body))+"</pre>")
	return m
}
