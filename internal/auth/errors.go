// Package auth はフェデレーテッドログイン（Google OAuth/OIDC）、パスワード・OTPによる
// ログイン、セッションクッキーの発行と検証を提供する。
package auth

import "errors"

var (
	// ErrStateMismatch はOAuthのstateが発行時のものと一致しないことを表す。
	ErrStateMismatch = errors.New("auth: oauth state mismatch")
	// ErrTokenExchangeFailed は認可コードの交換に失敗したことを表す。
	ErrTokenExchangeFailed = errors.New("auth: token exchange failed")
	// ErrClaimDecodeFailed はIDトークン（またはuserinfo）のクレームが不正であることを表す。
	ErrClaimDecodeFailed = errors.New("auth: claim decode failed")
	// ErrAccountLinked はメールアドレスが一致するIdentityが別の外部アカウントに紐付け済みであることを表す。
	ErrAccountLinked = errors.New("auth: identity linked to another provider account")
	// ErrReconcileConflict は同時実行によりIdentityの照合が収束しなかったことを表す。
	ErrReconcileConflict = errors.New("auth: identity reconcile conflict")

	// ErrUnauthenticated はセッションクッキーが無効、またはIdentityが存在しないことを表す。
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが誤っていることを表す。
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrEmailTaken はメールアドレスが登録済みであることを表す。
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrIdentityNotFound はOTPログイン・パスワードリセットの対象が存在しないことを表す。
	ErrIdentityNotFound = errors.New("auth: identity not found")
)
