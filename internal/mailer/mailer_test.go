package mailer

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one plain SMTP session and captures the DATA section.
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	rcpt string
	data string
	done chan struct{}
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { conn.Write([]byte(s + "\r\n")) }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(cmd, "MAIL"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT"):
			f.mu.Lock()
			f.rcpt = line
			f.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
				sb.WriteString(l)
			}
			f.mu.Lock()
			f.data = sb.String()
			f.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unknown")
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestSMTPNotifierSendsShareMail(t *testing.T) {
	srv := startFakeSMTP(t)
	host, port, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)

	n := New(SMTPConfig{Host: host, Port: port, From: "vault@example.com", Security: "none", Timeout: 5 * time.Second}, quietLogger())
	_, ok := n.(*SMTPNotifier)
	require.True(t, ok)

	err = n.Notify(context.Background(), "a@example.com", KindShare, map[string]string{
		"file_name": "report.pdf",
		"url":       "https://vault.example/access/f1?token=t",
	})
	require.NoError(t, err)
	<-srv.done

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.rcpt, "a@example.com")
	assert.Contains(t, srv.data, "Subject: A file was shared with you")
	assert.Contains(t, srv.data, "report.pdf")
	assert.Contains(t, srv.data, "https://vault.example/access/f1?token=t")
}

func TestSMTPNotifierReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	n := New(SMTPConfig{Host: host, Port: port, From: "vault@example.com", Security: "none", Timeout: time.Second}, quietLogger())
	err = n.Notify(context.Background(), "a@example.com", KindRevoke, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoke")
}

func TestMissingHostFallsBackToLog(t *testing.T) {
	n := New(SMTPConfig{From: "vault@example.com"}, quietLogger())
	_, ok := n.(*LogNotifier)
	require.True(t, ok)
	require.NoError(t, n.Notify(context.Background(), "a@example.com", KindLockdown, nil))
}

func TestRenderListsExtraFieldsSorted(t *testing.T) {
	subject, body := render(KindLockdown, map[string]string{"z": "1", "a": "2"})
	assert.Equal(t, "Access revoked", subject)
	assert.Less(t, strings.Index(body, "a: 2"), strings.Index(body, "z: 1"))
}

func TestMaskForLog(t *testing.T) {
	assert.Equal(t, "(none)", maskForLog(""))
	assert.Equal(t, "***", maskForLog("ab"))
	assert.Equal(t, "a***e", maskForLog("alice"))
}
