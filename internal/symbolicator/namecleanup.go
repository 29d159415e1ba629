package symbolicator

import "strings"

// CleanFunctionName strips a trailing "::h<hex>" hash-decoration suffix
// some mangled-symbol demanglers leave behind. Itanium-mangled names
// ("_Z...") are passed through unchanged — they carry no such suffix and
// this codebase has no demangler for them, so the raw mangled form is kept
// rather than guessed at (supplemented feature: §4.J name cleanup).
func CleanFunctionName(name string) string {
	if strings.HasPrefix(name, "_Z") {
		return name
	}
	i := strings.LastIndex(name, "::h")
	if i < 0 {
		return name
	}
	suffix := name[i+3:]
	if len(suffix) == 0 || !isHex(suffix) {
		return name
	}
	return name[:i]
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
