package approval

import "time"

// Clock 抽象时间源，测试中可注入可控实现。
type Clock interface {
	Now() time.Time
	// Timer 返回在 d 之后触发的通道与停止函数。
	Timer(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Timer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}
