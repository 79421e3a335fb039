// Package mail はOTPなどの通知メールを送信する。
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/propauth/internal/model"
)

// Sender は1通のメールを送信する。
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// OTPNotifier はOTPコードを用途別の文面で送信する。
type OTPNotifier struct {
	sender  Sender
	appName string
	codeTTL time.Duration
	timeout time.Duration
}

// NewOTPNotifier はOTPNotifierを生成する。
// timeoutは1通あたりの送信に許容する時間。
func NewOTPNotifier(sender Sender, appName string, codeTTL, timeout time.Duration) *OTPNotifier {
	return &OTPNotifier{
		sender:  sender,
		appName: appName,
		codeTTL: codeTTL,
		timeout: timeout,
	}
}

// SendOTP はOTPコードを送信する。
func (n *OTPNotifier) SendOTP(ctx context.Context, email, code string, purpose model.Purpose) error {
	subject, body := n.render(code, purpose)

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.sender.Send(ctx, email, subject, body); err != nil {
		return fmt.Errorf("failed to send otp mail: %w", err)
	}
	return nil
}

func (n *OTPNotifier) render(code string, purpose model.Purpose) (string, string) {
	minutes := int(n.codeTTL.Minutes())

	var subject, intro string
	switch purpose {
	case model.PurposeRegister:
		subject = "Your Signup Verification Code"
		intro = fmt.Sprintf("Thank you for signing up for %s! To complete your registration, please use the verification code below:", n.appName)
	case model.PurposeReset:
		subject = "Your Password Reset Code"
		intro = fmt.Sprintf("We received a request to reset your %s password. Use the code below to continue:", n.appName)
	default:
		subject = "Your Login Verification Code"
		intro = fmt.Sprintf("You requested a code to log in to %s. Please use the verification code below:", n.appName)
	}

	body := strings.Join([]string{
		"Hello,",
		"",
		intro,
		"",
		"Verification Code: " + code,
		"",
		fmt.Sprintf("This code will expire in %d minutes. If you did not request it, you can ignore this email.", minutes),
		"",
		"Best regards,",
		"The " + n.appName + " Team",
	}, "\n")

	return n.appName + " - " + subject, body
}

// LogSender はメールを送信せず、宛先と件名のみをログに記録する。
// SMTPが未設定の環境で使用する。本文にはコードが含まれるため記録しない。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send は送信内容をログに記録する。
func (s *LogSender) Send(ctx context.Context, to, subject, _ string) error {
	s.logger.InfoContext(ctx, "mail delivery skipped (smtp not configured)",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}

// compile-time interface check
var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*SMTPSender)(nil)
)
