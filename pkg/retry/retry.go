package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

// Policy は指数バックオフの再試行方針です。
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay は待機時間の上限です。0 は上限なしで、試行回数に応じて際限なく伸びます。
	MaxDelay time.Duration
	// Jitter が true の場合、待機時間に最大 25% を上乗せします。
	Jitter bool
	// Retryable は再試行するエラーかどうかを判定します。nil なら domain.IsTransient を使います。
	Retryable func(error) bool
	// OnRetry は待機に入る直前に呼ばれます。attempt は次に実行する試行番号 (2 以上) です。
	OnRetry func(attempt int, err error, wait time.Duration)
	// Sleep は待機処理です。nil なら ctx を監視しながら time.Timer で待ちます。
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy は最大10回、初回待機5秒、上限・揺らぎなしの方針を返します。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   5 * time.Second,
	}
}

// FromConfig は設定値から Policy を作成します。
func FromConfig(c config.RetryConfig) Policy {
	p := DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	p.MaxDelay = c.MaxDelay
	p.Jitter = c.Jitter
	return p
}

// Operation は再試行の対象となる処理です。
type Operation[T any] func(ctx context.Context) (T, error)

// Do は op を実行し、一過性のエラーであれば方針に従って再試行します。
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	v, _, err := DoCounted(ctx, p, op)
	return v, err
}

// DoCounted は Do と同じですが、実際に実行した試行回数も返します。
// 試行回数を使い切った場合は最後のエラーをそのまま返します。
func DoCounted[T any](ctx context.Context, p Policy, op Operation[T]) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := Delay(p, attempt)
			slog.WarnContext(ctx, "API呼び出しに失敗したため再試行します",
				"attempt", attempt-1,
				"max_attempts", maxAttempts,
				"wait", wait,
				"error", lastErr,
			)
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, wait)
			}
			if err := sleep(ctx, wait); err != nil {
				return zero, attempt - 1, fmt.Errorf("再試行の待機が中断されました: %w (last error: %w)", err, lastErr)
			}
		}

		v, err := op(ctx)
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, attempt, err
		}
	}
	return zero, maxAttempts, lastErr
}

// Delay は試行 attempt (1 始まり, 2 以上) の前に待つ時間を返します。
// BaseDelay * 2^(attempt-2) で、MaxDelay が正なら上限を適用します。
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-2))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += d * 0.25 * rand.Float64()
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleep は ctx のキャンセルを監視しながら d だけ待機します。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
