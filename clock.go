package wsguard

import "time"

// Timer 可取消的定时器句柄
// Stop 对已触发的定时器是安全的空操作
type Timer interface {
	Stop() bool
}

// Clock 提供 arm(duration, callback) 能力，测试中可替换为手动时钟
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock 返回基于 time 包的时钟
func RealClock() Clock { return realClock{} }
