package relay

import (
	"strings"
	"unicode/utf8"
)

// MaxMeshPayload is the observed safe UTF-8 payload for a single text packet
// on current firmware.
const MaxMeshPayload = 227

// Truncate cuts s to at most maxBytes bytes without splitting a code point.
// The result is always a valid UTF-8 prefix of s.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	if maxBytes <= 0 {
		return ""
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Abbrev40 condenses quoted text for reaction bodies: quoted lines are
// dropped, newlines become spaces, and anything past 40 characters is
// elided.
func Abbrev40(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	flat := strings.TrimSpace(strings.Join(kept, " "))

	runes := []rune(flat)
	if len(runes) <= 40 {
		return flat
	}
	return string(runes[:40]) + "..."
}

// StripQuotedLines removes the quoted lead-in from a Matrix reply body,
// leaving only the new text.
func StripQuotedLines(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// StripHTML removes markup tags so command detection sees the plain text.
func StripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsCommand reports whether a room message addresses a plugin command. Three
// forms count: "!cmd ...", "@bot: !cmd ..." and "BotName: !cmd ..." (the
// separator after the address may be ',', ':' or ';').
func IsCommand(body, botUserID, botDisplayName string, commands []string) bool {
	text := strings.TrimSpace(StripHTML(body))
	if matchesBang(text, commands) {
		return true
	}
	for _, lead := range []string{botUserID, botDisplayName} {
		if lead == "" || !strings.HasPrefix(text, lead) {
			continue
		}
		rest := text[len(lead):]
		if rest == "" || !strings.ContainsRune(",:;", rune(rest[0])) {
			continue
		}
		if matchesBang(strings.TrimSpace(rest[1:]), commands) {
			return true
		}
	}
	return false
}

func matchesBang(text string, commands []string) bool {
	for _, cmd := range commands {
		want := "!" + cmd
		if text == want || strings.HasPrefix(text, want+" ") {
			return true
		}
	}
	return false
}
