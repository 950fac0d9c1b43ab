package grid

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Color is a 24-bit RGB color in its canonical "#RRGGBB" form.
type Color string

// White is the default color of cells that were never written.
const White Color = "#FFFFFF"

const hexDigits = "0123456789ABCDEF"

// ParseColor validates s and returns its canonical form. The leading '#' is
// optional and hex digits may be in either case.
func ParseColor(s string) (Color, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(raw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	raw = strings.ToUpper(raw)
	for i := 0; i < len(raw); i++ {
		if strings.IndexByte(hexDigits, raw[i]) < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidColor, s)
		}
	}
	return Color("#" + raw), nil
}

// MustParseColor is ParseColor for constants known to be valid.
func MustParseColor(s string) Color {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Valid reports whether c is already in canonical form.
func (c Color) Valid() bool {
	parsed, err := ParseColor(string(c))
	return err == nil && parsed == c
}

func (c Color) String() string {
	return string(c)
}

// RGB decodes the color channels. Invalid colors decode as black.
func (c Color) RGB() (r, g, b uint8) {
	if !c.Valid() {
		return 0, 0, 0
	}
	var v uint32
	for i := 1; i < 7; i++ {
		v = v<<4 | uint32(strings.IndexByte(hexDigits, c[i]))
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// RandomColor samples uniformly among all 2^24 colors.
func RandomColor(r *rand.Rand) Color {
	v := r.Uint32N(1 << 24)
	buf := []byte{'#', 0, 0, 0, 0, 0, 0}
	for i := 6; i > 0; i-- {
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return Color(buf)
}
