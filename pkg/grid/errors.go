package grid

import "errors"

var (
	ErrInvalidColor = errors.New("grid: color must be 6 hex digits")
	ErrOutOfBounds  = errors.New("grid: coordinate is out of bounds")
	ErrInvalidSize  = errors.New("grid: dimensions must be positive")
	ErrGridTooLarge = errors.New("grid: growth would exceed the maximum number of cells")
)
