package workflow

import "strings"

// SanitizeText strips control and non-printable bytes from a string coming
// out of a remote browser context. Newlines and tabs survive; everything
// else below 0x20 and DEL is removed. The extraction oracle's contract
// assumes well-formed text, so this runs at the ingress boundary.
func SanitizeText(s string) string {
	if !needsSanitize(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func needsSanitize(s string) bool {
	for _, r := range s {
		if (r < 0x20 && r != '\n' && r != '\r' && r != '\t') || r == 0x7f {
			return true
		}
	}
	return false
}

// SanitizeAction returns a copy of act with all string fields sanitized.
func SanitizeAction(act ObservedAction) ObservedAction {
	act.Target = SanitizeText(act.Target)
	act.Payload = SanitizeText(act.Payload)
	act.URL = SanitizeText(act.URL)
	return act
}
