// Package flag is the command line of gohv.
package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeShift maps a size suffix to its power of two.
var sizeShift = map[string]uint{"": 0, "k": 10, "K": 10, "m": 20, "M": 20, "g": 30, "G": 30}

// ParseSize parses a byte count written as a number with an optional k, m
// or g suffix. A bare number is scaled by defaultUnit. The number may carry
// a base prefix such as 0x.
func ParseSize(s, defaultUnit string) (int, error) {
	num := strings.TrimRight(s, "gGmMkK")

	unit := defaultUnit
	if suffix := s[len(num):]; suffix != "" {
		unit = suffix
	}

	shift, ok := sizeShift[unit]
	if num == "" || !ok {
		return -1, fmt.Errorf("size %q: %w", s, strconv.ErrSyntax)
	}

	n, err := strconv.ParseUint(num, 0, 63-int(shift))
	if err != nil {
		return -1, fmt.Errorf("size %q: %w", s, err)
	}

	return int(n << shift), nil
}

// parseUint parses a number in any base that must fit in bits.
func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%q:%w", s, err)
	}

	return v, nil
}
