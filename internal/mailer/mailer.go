// Package mailer dispatches share, revoke and lockdown notifications. The
// SMTP notifier sends plain text mail; the log notifier only records the
// event.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindShare    Kind = "share"
	KindRevoke   Kind = "revoke"
	KindLockdown Kind = "lockdown"
)

// Notifier delivers a notification to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipientEmail string, kind Kind, payload map[string]string) error
}

type SMTPConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
	// Security is starttls (default), ssl or none.
	Security string        `yaml:"security"`
	Timeout  time.Duration `yaml:"timeout"`
}

// New returns an SMTP notifier, or a log notifier when host or sender are
// missing.
func New(cfg SMTPConfig, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.From = strings.TrimSpace(cfg.From)
	cfg.Security = strings.ToLower(strings.TrimSpace(cfg.Security))
	if cfg.Security == "" {
		cfg.Security = "starttls"
	}
	if cfg.Host == "" || cfg.From == "" {
		logger.Info("mailer disabled; SMTP host or from missing")
		return &LogNotifier{log: logger}
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger.Info("mailer enabled", "host", cfg.Host, "port", cfg.Port, "security", cfg.Security, "user", maskForLog(cfg.User))
	return &SMTPNotifier{cfg: cfg, log: logger}
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Notify(_ context.Context, to string, kind Kind, payload map[string]string) error {
	n.log.Info("notification", "to", to, "kind", kind, "file", payload["file_name"])
	return nil
}

type SMTPNotifier struct {
	cfg SMTPConfig
	log *slog.Logger
}

func (m *SMTPNotifier) Notify(ctx context.Context, to string, kind Kind, payload map[string]string) error {
	subject, body := render(kind, payload)
	msg := message(m.cfg.From, to, subject, body)

	errc := make(chan error, 1)
	go func() {
		switch m.cfg.Security {
		case "ssl", "smtps":
			errc <- m.sendSSL(to, msg)
		case "none":
			errc <- smtp.SendMail(m.addr(), nil, m.cfg.From, []string{to}, msg)
		default:
			errc <- m.sendStartTLS(to, msg)
		}
	}()

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("mailer: send %s to %s: %w", kind, to, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mailer: send %s to %s: timed out after %s", kind, to, m.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SMTPNotifier) sendStartTLS(to string, msg []byte) error {
	addr := m.addr()
	host, _, _ := net.SplitHostPort(addr)

	conn, err := net.DialTimeout("tcp", addr, m.cfg.Timeout)
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if m.cfg.User != "" && m.cfg.Pass != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, host)); err != nil {
			return err
		}
	}
	return deliver(client, m.cfg.From, to, msg)
}

func (m *SMTPNotifier) sendSSL(to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", m.addr(), &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if m.cfg.User != "" && m.cfg.Pass != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
			return err
		}
	}
	return deliver(client, m.cfg.From, to, msg)
}

func deliver(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (m *SMTPNotifier) addr() string {
	return net.JoinHostPort(m.cfg.Host, m.cfg.Port)
}

func render(kind Kind, payload map[string]string) (string, string) {
	name := payload["file_name"]
	if name == "" {
		name = "a file"
	}
	var subject, intro string
	switch kind {
	case KindShare:
		subject = "A file was shared with you"
		intro = fmt.Sprintf("You have been given access to %s.", name)
	case KindRevoke:
		subject = "Your access to a file was revoked"
		intro = fmt.Sprintf("Your access to %s has been revoked.", name)
	case KindLockdown:
		subject = "Access revoked"
		intro = "The owner has revoked all shared access. Links you received no longer work."
	default:
		subject = "Vault notification"
		intro = string(kind)
	}

	var body strings.Builder
	body.WriteString(intro)
	body.WriteString("\n")
	if link := payload["url"]; link != "" {
		body.WriteString("\nOpen: ")
		body.WriteString(link)
		body.WriteString("\n")
	}
	if exp := payload["expires_at"]; exp != "" {
		body.WriteString("Valid until: ")
		body.WriteString(exp)
		body.WriteString("\n")
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		switch k {
		case "file_name", "url", "expires_at":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&body, "%s: %s\n", k, payload[k])
	}
	return subject, body.String()
}

func message(from, to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func maskForLog(s string) string {
	if s == "" {
		return "(none)"
	}
	if len(s) <= 2 {
		return "***"
	}
	return s[:1] + "***" + s[len(s)-1:]
}
