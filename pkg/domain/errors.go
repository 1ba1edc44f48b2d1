package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest は送信前の入力検証で弾かれたことを示します。リトライ対象外です。
var ErrInvalidRequest = errors.New("invalid generation request")

// ErrorKind はリモート生成の失敗分類です。
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindRateLimited
	KindServerError
	KindBlocked
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindBlocked:
		return "blocked"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// GenerationError は分類済みの生成エラーです。
type GenerationError struct {
	Kind       ErrorKind
	Reason     string // FinishReason やモデルが返したテキストなど
	StatusCode int    // HTTP ステータス。不明なら 0
	Err        error
}

func (e *GenerationError) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error { return e.Err }

// NewError は GenerationError を作成するヘルパーです。
func NewError(kind ErrorKind, reason string, err error) *GenerationError {
	return &GenerationError{Kind: kind, Reason: reason, Err: err}
}

// KindOf はエラーチェーンから分類を取り出します。分類されていなければ ok は false です。
func KindOf(err error) (ErrorKind, bool) {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsTransient はレート制限またはサーバーエラーかどうかを判定します。
func IsTransient(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindRateLimited || kind == KindServerError)
}
