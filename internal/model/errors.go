package model

import (
	"fmt"
	"net/http"
)

// ErrorKind はエラー分類を表す。HTTPステータスはKindから一意に決まる。
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindForbidden       ErrorKind = "forbidden"
	KindNotFound        ErrorKind = "not_found"
	KindRateLimited     ErrorKind = "rate_limited"
	KindConflict        ErrorKind = "conflict"
	KindUpstream        ErrorKind = "upstream"
	KindInternal        ErrorKind = "internal"
)

// Status はKindに対応するHTTPステータスコードを返す。
func (k ErrorKind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// APIError は統一エラーフォーマットを表す。
// Messageはクライアントにそのまま返すため、内部情報を含めてはならない。
type APIError struct {
	Kind    ErrorKind
	Code    string // 安定したエラーコード
	Message string // 安定したエラーメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Status はHTTPステータスコードを返す。
func (e *APIError) Status() int {
	return e.Kind.Status()
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeIdentityNotFound   = "IDENTITY_NOT_FOUND"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeNoChallenge        = "OTP_NOT_REQUESTED"
	ErrCodeChallengeMismatch  = "OTP_REQUEST_MISMATCH"
	ErrCodeOTPExpired         = "OTP_EXPIRED"
	ErrCodeOTPInvalid         = "OTP_INVALID"
	ErrCodeTooManyAttempts    = "OTP_TOO_MANY_ATTEMPTS"
	ErrCodeNotVerified        = "OTP_NOT_VERIFIED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeForbiddenOrigin    = "FORBIDDEN_ORIGIN"
	ErrCodeUpstream           = "UPSTREAM_FAILURE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力不備エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{Kind: KindValidation, Code: ErrCodeInvalidRequest, Message: message}
}

// NewInvalidCredentialsError はパスワード不一致・未登録メールのエラーを生成する。
// どちらが原因かは区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Kind:    KindUnauthenticated,
		Code:    ErrCodeInvalidCredentials,
		Message: "Invalid email or password",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError(role Role) *APIError {
	msg := "User not authenticated"
	if role == RoleAdmin {
		msg = "Admin not authenticated"
	}
	return &APIError{Kind: KindUnauthenticated, Code: ErrCodeUnauthenticated, Message: msg}
}

// NewIdentityNotFoundError はIdentityが存在しない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{Kind: KindNotFound, Code: ErrCodeIdentityNotFound, Message: "Account not found"}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{Kind: KindConflict, Code: ErrCodeEmailTaken, Message: "Email is already registered"}
}

// NewNoChallengeError はOTP未発行エラーを生成する。
func NewNoChallengeError() *APIError {
	return &APIError{Kind: KindValidation, Code: ErrCodeNoChallenge, Message: "No OTP requested"}
}

// NewChallengeMismatchError はメール・用途が発行時と異なる場合のエラーを生成する。
func NewChallengeMismatchError() *APIError {
	return &APIError{Kind: KindValidation, Code: ErrCodeChallengeMismatch, Message: "Invalid OTP request"}
}

// NewOTPExpiredError はOTP期限切れエラーを生成する。
func NewOTPExpiredError() *APIError {
	return &APIError{Kind: KindValidation, Code: ErrCodeOTPExpired, Message: "OTP expired"}
}

// NewOTPInvalidError はOTP不一致エラーを生成する。
func NewOTPInvalidError() *APIError {
	return &APIError{Kind: KindValidation, Code: ErrCodeOTPInvalid, Message: "Invalid OTP"}
}

// NewTooManyAttemptsError は試行回数超過エラーを生成する。
func NewTooManyAttemptsError() *APIError {
	return &APIError{Kind: KindRateLimited, Code: ErrCodeTooManyAttempts, Message: "Too many attempts"}
}

// NewNotVerifiedError はOTP検証済みの印がない（または期限切れの）場合のエラーを生成する。
func NewNotVerifiedError() *APIError {
	return &APIError{Kind: KindUnauthenticated, Code: ErrCodeNotVerified, Message: "OTP verification required"}
}

// NewRateLimitedError はレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{Kind: KindRateLimited, Code: ErrCodeRateLimited, Message: "Too many requests. Please try again later."}
}

// NewUpstreamError は外部サービス（IdP・メール）障害エラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{Kind: KindUpstream, Code: ErrCodeUpstream, Message: "An upstream service is unavailable. Please try again later."}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{Kind: KindInternal, Code: ErrCodeInternal, Message: "Internal server error"}
}
