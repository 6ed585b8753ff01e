package protocol

import "fmt"

// DefaultMaxFrame is the default largest payload accepted from a peer (16 MiB).
const DefaultMaxFrame = 16 << 20

// MaxFrameHardLimit caps MaxFrame regardless of configuration (64 MiB).
const MaxFrameHardLimit = 64 << 20

// Limits bounds what a peer may send in a single frame.
type Limits struct {
	MaxFrame int
}

// DefaultLimits returns the default frame limits.
func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

// Normalize fills zero values with defaults and clamps to the hard limit.
func (l Limits) Normalize() Limits {
	if l.MaxFrame <= 0 {
		l.MaxFrame = DefaultMaxFrame
	}
	if l.MaxFrame > MaxFrameHardLimit {
		l.MaxFrame = MaxFrameHardLimit
	}
	return l
}

func (l Limits) check(length uint32) error {
	l = l.Normalize()
	if uint64(length) > uint64(l.MaxFrame) {
		return fmt.Errorf("%w: length %d > max %d", ErrFrameTooLarge, length, l.MaxFrame)
	}
	return nil
}
