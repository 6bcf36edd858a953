package book

import (
	"errors"
	"fmt"
)

var (
	ErrStaleGeneration = errors.New("stale generation")
	ErrNoBook          = errors.New("no book")
	ErrUnknownChapter  = errors.New("unknown chapter")
)

// ErrChapterOutOfRange is returned when a patch addresses a position outside
// the chapter list.
var ErrChapterOutOfRange = errors.New("chapter position out of range")

var ErrIllegalTransition = errors.New("illegal status transition")

func newErrIllegalTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
