package drc

import (
	"strconv"
	"strings"
)

// scanInt reads a leading decimal integer the way %d does: optional
// whitespace, optional sign, then as many digits as follow. Trailing text is
// ignored.
func scanInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\v\f")
	n := 0
	if n < len(s) && (s[n] == '+' || s[n] == '-') {
		n++
	}
	digits := n
	for n < len(s) && isDigit(s[n]) {
		n++
	}
	if n == digits {
		return 0, false
	}
	v, err := strconv.Atoi(s[:n])
	if err != nil {
		return 0, false
	}
	return v, true
}

// scanFloat reads the longest leading decimal floating point number, the way
// %lf does. Trailing text is ignored.
func scanFloat(s string) (float64, bool) {
	s = strings.TrimLeft(s, " \t\v\f")
	n := 0
	if n < len(s) && (s[n] == '+' || s[n] == '-') {
		n++
	}

	if word := matchWord(s[n:]); word > 0 {
		v, err := strconv.ParseFloat(s[:n+word], 64)
		return v, err == nil
	}

	mant := 0
	for n < len(s) && isDigit(s[n]) {
		n++
		mant++
	}
	if n < len(s) && s[n] == '.' {
		n++
		for n < len(s) && isDigit(s[n]) {
			n++
			mant++
		}
	}
	if mant == 0 {
		return 0, false
	}

	// The exponent only counts when at least one digit follows it.
	if n < len(s) && (s[n] == 'e' || s[n] == 'E') {
		e := n + 1
		if e < len(s) && (s[e] == '+' || s[e] == '-') {
			e++
		}
		start := e
		for e < len(s) && isDigit(s[e]) {
			e++
		}
		if e > start {
			n = e
		}
	}

	v, err := strconv.ParseFloat(s[:n], 64)
	if err != nil {
		// Out of range values still scan; ParseFloat reports them as ±Inf.
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return v, true
		}
		return 0, false
	}
	return v, true
}

// matchWord returns the length of a leading inf, infinity or nan, case
// insensitively, or 0.
func matchWord(s string) int {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "infinity"):
		return len("infinity")
	case strings.HasPrefix(lower, "inf"):
		return len("inf")
	case strings.HasPrefix(lower, "nan"):
		return len("nan")
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
