package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Decimal (SI) size multipliers.
const (
	kilobyte = 1000
	megabyte = 1000 * kilobyte
	gigabyte = 1000 * megabyte
	terabyte = 1000 * gigabyte
)

// Binary (IEC) size multipliers.
const (
	kibibyte = 1024
	mebibyte = 1024 * kibibyte
	gibibyte = 1024 * mebibyte
	tebibyte = 1024 * gibibyte
)

// ParseSize converts a human-readable size string to bytes, accepting both
// SI suffixes (KB, MB, GB, TB) and IEC suffixes (KiB, MiB, GiB, TiB). ""
// and "0" both mean zero; a bare number is read as raw bytes.
func ParseSize(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	return parseSizeSuffixed(strings.TrimSpace(s))
}

// parseSizeSuffixed splits off a recognized suffix and scales the numeric
// prefix accordingly, falling back to raw-byte parsing when none matches.
func parseSizeSuffixed(s string) (int64, error) {
	upper := strings.ToUpper(s)

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", tebibyte},
		{"GIB", gibibyte},
		{"MIB", mebibyte},
		{"KIB", kibibyte},
		{"TB", terabyte},
		{"GB", gigabyte},
		{"MB", megabyte},
		{"KB", kilobyte},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(upper, sf.suffix) {
			numStr := strings.TrimSpace(s[:len(s)-len(sf.suffix)])

			return scaleSize(numStr, sf.multiplier, s)
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	return n, nil
}

// scaleSize parses numStr as a float and multiplies it out; original is
// kept only to report a size error in terms of what the caller typed.
func scaleSize(numStr string, multiplier int64, original string) (int64, error) {
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", original, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", original)
	}

	return int64(n * float64(multiplier)), nil
}
