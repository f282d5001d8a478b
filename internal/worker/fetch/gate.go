package fetch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Gate は外部API呼び出しを1本に直列化し、直前の呼び出しの完了から
// 一定時間経過するまで次の呼び出しを開始させない。
// 複数のgoroutineから呼ばれても同時に実行されるのは1件のみ。
type Gate struct {
	sem     chan struct{}
	delay   time.Duration
	limiter *rate.Limiter // 直前の呼び出し完了時点でトークンを使い切った状態
}

// NewGate は呼び出し完了後にdelayだけ待機させるGateを生成する。
// delayが0以下なら待機しない。
func NewGate(delay time.Duration) *Gate {
	return &Gate{
		sem:   make(chan struct{}, 1),
		delay: delay,
	}
}

// Do はゲートを取得してfnを実行する。
// ゲート待ち・間隔待ちの間にctxがキャンセルされた場合はfnを実行せずctxのエラーを返す。
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := fn(ctx)

	if g.delay > 0 {
		// 完了時刻を起点に間隔を測るため、毎回トークンを消費済みのリミッタを作り直す
		l := rate.NewLimiter(rate.Every(g.delay), 1)
		l.AllowN(time.Now(), 1)
		g.limiter = l
	}
	return err
}
