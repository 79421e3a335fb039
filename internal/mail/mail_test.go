package mail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/propauth/internal/model"
)

type mockSender struct {
	sendFn func(ctx context.Context, to, subject, body string) error
}

func (m *mockSender) Send(ctx context.Context, to, subject, body string) error {
	return m.sendFn(ctx, to, subject, body)
}

func TestOTPNotifier_RendersPurposeSpecificMail(t *testing.T) {
	tests := []struct {
		purpose     model.Purpose
		wantSubject string
	}{
		{model.PurposeRegister, "PropAuth - Your Signup Verification Code"},
		{model.PurposeLogin, "PropAuth - Your Login Verification Code"},
		{model.PurposeReset, "PropAuth - Your Password Reset Code"},
	}

	for _, tt := range tests {
		t.Run(string(tt.purpose), func(t *testing.T) {
			var gotTo, gotSubject, gotBody string
			sender := &mockSender{sendFn: func(_ context.Context, to, subject, body string) error {
				gotTo, gotSubject, gotBody = to, subject, body
				return nil
			}}
			n := NewOTPNotifier(sender, "PropAuth", 5*time.Minute, time.Second)

			if err := n.SendOTP(context.Background(), "taro@example.com", "042195", tt.purpose); err != nil {
				t.Fatalf("SendOTP returned error: %v", err)
			}
			if gotTo != "taro@example.com" {
				t.Errorf("to = %q, want taro@example.com", gotTo)
			}
			if gotSubject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", gotSubject, tt.wantSubject)
			}
			if !strings.Contains(gotBody, "042195") {
				t.Errorf("body should contain the code, got %q", gotBody)
			}
			if !strings.Contains(gotBody, "5 minutes") {
				t.Errorf("body should mention expiry, got %q", gotBody)
			}
		})
	}
}

func TestOTPNotifier_AppliesTimeout(t *testing.T) {
	sender := &mockSender{sendFn: func(ctx context.Context, _, _, _ string) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected context deadline to be set")
		}
		return nil
	}}
	n := NewOTPNotifier(sender, "PropAuth", 5*time.Minute, 3*time.Second)
	if err := n.SendOTP(context.Background(), "a@b.com", "123456", model.PurposeLogin); err != nil {
		t.Fatalf("SendOTP returned error: %v", err)
	}
}

func TestOTPNotifier_WrapsSenderError(t *testing.T) {
	sentinel := errors.New("connection refused")
	sender := &mockSender{sendFn: func(context.Context, string, string, string) error { return sentinel }}
	n := NewOTPNotifier(sender, "PropAuth", 5*time.Minute, time.Second)

	err := n.SendOTP(context.Background(), "a@b.com", "123456", model.PurposeLogin)
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sender error, got %v", err)
	}
}

func TestLogSender_DoesNotLogBody(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := s.Send(context.Background(), "a@b.com", "subject", "Verification Code: 987654"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if strings.Contains(buf.String(), "987654") {
		t.Errorf("log output must not contain the mail body: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "a@b.com") {
		t.Errorf("log output should contain the recipient: %s", buf.String())
	}
}

func TestBuildMessage_UsesCRLF(t *testing.T) {
	msg := string(buildMessage("from@x.com", "to@x.com", "Hi", "line1\nline2", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	if !strings.HasPrefix(msg, "From: from@x.com\r\nTo: to@x.com\r\nSubject: Hi\r\n") {
		t.Errorf("unexpected headers: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\nline1\r\nline2") {
		t.Errorf("body should be separated by a blank line and use CRLF: %q", msg)
	}
}

func TestSMTPSender_RejectsHeaderInjection(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1})
	err := s.Send(context.Background(), "a@b.com\r\nBcc: evil@x.com", "Hi", "body")
	if err == nil {
		t.Fatal("expected error for header injection")
	}
}

func TestSMTPSender_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1})
	if err := s.Send(ctx, "a@b.com", "Hi", "body"); err == nil {
		t.Fatal("expected dial error")
	}
}

// fakeSMTPServer は最小限のSMTP応答を返し、受信したDATAを記録する。
type fakeSMTPServer struct {
	ln   net.Listener
	mu   sync.Mutex
	data string
	from string
	rcpt string
	done chan struct{}
}

func startFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &fakeSMTPServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })

	go func() {
		defer close(s.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

		write("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				write("250 localhost")
			case strings.HasPrefix(cmd, "MAIL FROM:"):
				s.mu.Lock()
				s.from = line[len("MAIL FROM:"):]
				s.mu.Unlock()
				write("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO:"):
				s.mu.Lock()
				s.rcpt = line[len("RCPT TO:"):]
				s.mu.Unlock()
				write("250 OK")
			case cmd == "DATA":
				write("354 End data with <CR><LF>.<CR><LF>")
				var sb strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					sb.WriteString(l)
				}
				s.mu.Lock()
				s.data = sb.String()
				s.mu.Unlock()
				write("250 OK")
			case cmd == "QUIT":
				write("221 Bye")
				return
			default:
				write("250 OK")
			}
		}
	}()
	return s
}

func TestSMTPSender_DeliversMessage(t *testing.T) {
	server := startFakeSMTPServer(t)
	host, port, _ := net.SplitHostPort(server.ln.Addr().String())
	portNum, _ := strconv.Atoi(port)

	s := NewSMTPSender(SMTPConfig{Host: host, Port: portNum, From: "noreply@propauth.test"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Send(ctx, "taro@example.com", "Code", "Verification Code: 123456"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	<-server.done

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.from != "<noreply@propauth.test>" {
		t.Errorf("MAIL FROM = %q", server.from)
	}
	if server.rcpt != "<taro@example.com>" {
		t.Errorf("RCPT TO = %q", server.rcpt)
	}
	if !strings.Contains(server.data, "Verification Code: 123456") {
		t.Errorf("DATA should contain the body, got %q", server.data)
	}
}
