package storage

// matchGlob reports whether s matches a scan pattern: * ? [abc] [^a] [a-z]
// and backslash escapes.
func matchGlob(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			rest, ok := matchClass(pattern[1:], s[0])
			if !ok {
				return false
			}
			pattern, s = rest, s[1:]
		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}

// matchClass matches c against a character class whose opening bracket has
// been consumed, returning the pattern after the closing bracket.
func matchClass(pattern string, c byte) (string, bool) {
	negate := false
	if len(pattern) > 0 && pattern[0] == '^' {
		negate = true
		pattern = pattern[1:]
	}

	matched := false
	for len(pattern) > 0 && pattern[0] != ']' {
		switch {
		case pattern[0] == '\\' && len(pattern) >= 2:
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]
		case len(pattern) >= 3 && pattern[1] == '-' && pattern[2] != ']':
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]
		default:
			if pattern[0] == c {
				matched = true
			}
			pattern = pattern[1:]
		}
	}
	if len(pattern) > 0 {
		pattern = pattern[1:]
	}
	return pattern, matched != negate
}
