package storageopt

import (
	"errors"
	"math"
)

var (
	ErrInvalidPage     = errors.New("storageopt: page must be >= 1")
	ErrInvalidPageSize = errors.New("storageopt: page size must be >= 1")
	ErrPageOverflow    = errors.New("storageopt: page offset overflows")
)

// MaxPageSize 单页上限，超过时截断
const MaxPageSize = 1000

// Offset 校验分页参数，返回 (offset, limit)
func Offset(page, size int) (int, int, error) {
	if page < 1 {
		return 0, 0, ErrInvalidPage
	}
	if size < 1 {
		return 0, 0, ErrInvalidPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page-1 > math.MaxInt/size {
		return 0, 0, ErrPageOverflow
	}
	return (page - 1) * size, size, nil
}
