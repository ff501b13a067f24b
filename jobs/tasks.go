package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-iam/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPasswordResetMail delivers a password reset link.
	TaskPasswordResetMail = "mail:password_reset"
)

// PasswordResetPayload describes the reset mail to deliver.
type PasswordResetPayload struct {
	To         string `json:"to"`
	ResetToken string `json:"reset_token"`
}

// NewPasswordResetTask constructs an Asynq task.
func NewPasswordResetTask(payload PasswordResetPayload) (*asynq.Task, error) {
	if payload.To == "" || payload.ResetToken == "" {
		return nil, errors.New("password reset task: recipient and token required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPasswordResetMail, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// Message is a plain-text e-mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends e-mail.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPMailer delivers mail through a plain SMTP relay such as Mailpit.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer constructs an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	if m.cfg.Host == "" {
		return errors.New("smtp: host not configured")
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
	return m.send(addr, auth, m.cfg.From, []string{msg.To}, buildMessage(m.cfg.From, msg))
}

func buildMessage(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// PasswordResetJob renders and sends reset mails.
type PasswordResetJob struct {
	Mailer  Mailer
	URLBase string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes TaskPasswordResetMail tasks.
func (j *PasswordResetJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Mailer == nil {
		return errors.New("password reset mail: mailer not configured")
	}
	var payload PasswordResetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.To == "" || payload.ResetToken == "" {
		return fmt.Errorf("password reset mail: bad payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskPasswordResetMail)
	err := j.Mailer.Send(ctx, Message{
		To:      payload.To,
		Subject: "Reset your Odyssey password",
		Body:    resetBody(j.URLBase, payload.ResetToken),
	})
	if err != nil {
		logger(j.Logger).Error("send reset mail", slog.String("to", payload.To), slog.Any("error", err))
	}
	return tracker.End(err)
}

func resetBody(base, token string) string {
	link := token
	if base != "" {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		link = base + sep + "token=" + url.QueryEscape(token)
	}
	return "A password reset was requested for your account.\n\n" +
		"Open the link below to choose a new password:\n" + link + "\n\n" +
		"If you did not request this, ignore this message.\n"
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
