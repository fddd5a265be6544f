package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// MailSubject is the subject line of every result mail.
const MailSubject = "Server Response"

// MailConfig configures SMTP delivery.
type MailConfig struct {
	Host     string
	Port     int
	Sender   string
	Password string
}

// sendMailFunc delivers a composed message.
type sendMailFunc func(ctx context.Context, msg *mail.Msg) error

// MailNotifier sends results over SMTP with mandatory STARTTLS and PLAIN
// auth as the sender.
type MailNotifier struct {
	cfg    MailConfig
	send   sendMailFunc
	logger *zap.Logger
}

func NewMailNotifier(cfg MailConfig, logger *zap.Logger) *MailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MailNotifier{cfg: cfg, logger: logger}
	m.send = m.dialAndSend
	return m
}

func (m *MailNotifier) Send(ctx context.Context, destination string, payload Payload) error {
	m.logger.Debug("Sending email", zap.String("to", destination))

	if m.cfg.Sender == "" || m.cfg.Password == "" {
		m.logger.Warn("Email credentials are missing")
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := buildMessage(m.cfg.Sender, destination, Body(payload))
	if err != nil {
		return fmt.Errorf("compose mail to %s: %w", destination, err)
	}

	if err := m.send(ctx, msg); err != nil {
		m.logger.Warn("Error sending email", zap.String("to", destination), zap.Error(err))
		return fmt.Errorf("send mail to %s: %w", destination, err)
	}

	m.logger.Info("Email sent successfully", zap.String("to", destination))
	return nil
}

func (m *MailNotifier) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(m.cfg.Host,
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Sender),
		mail.WithPassword(m.cfg.Password),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func buildMessage(from, to, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	msg.Subject(MailSubject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}
