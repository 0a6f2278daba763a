package xjson

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMarshal 序列化失败
	ErrMarshal = errors.New("xjson: marshal failed")
	// ErrUnmarshal 反序列化失败
	ErrUnmarshal = errors.New("xjson: unmarshal failed")
)

// Pretty 缩进格式的 JSON，用于命令行与日志输出。失败时返回 "<marshal error: ...>"。
func Pretty(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	return string(data)
}

// Encode 把 v 序列化为可写入可空文本列的字符串
func Encode[T any](v T) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshal, err)
	}
	s := string(data)
	return &s, nil
}

// Decode Encode 的逆操作；raw 为 nil 或空串时返回零值
func Decode[T any](raw *string) (T, error) {
	var v T
	if raw == nil || *raw == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(*raw), &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrUnmarshal, err)
	}
	return v, nil
}
