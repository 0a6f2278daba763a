package xrun

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSignal 因系统信号退出
	ErrSignal = errors.New("xrun: received signal")

	// ErrNilFunc 传入了 nil 函数
	ErrNilFunc = errors.New("xrun: nil function")
)

// SignalError 记录触发退出的具体信号，errors.Is(err, ErrSignal) 为真
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("xrun: received signal %v", e.Signal)
}

func (e *SignalError) Unwrap() error { return ErrSignal }
