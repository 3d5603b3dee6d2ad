package frameutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	DebugCheckPow2(alignment, "AlignUp alignment")
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	DebugCheckPow2(alignment, "AlignDown alignment")
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two that is greater than or equal
// to value. Used for grow-only buffer resizing.
func NextPow2(value int) int {
	if value < 1 {
		return 1
	}

	pow := 1
	for pow < value {
		pow <<= 1
	}
	return pow
}
