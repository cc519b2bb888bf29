package render

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxGeneratedRunes = 280

// Clean reduces raw backend output to one plain sentence. It reports false
// when nothing usable remains.
func Clean(raw, persona string) (string, bool) {
	s := firstLine(raw)
	s = stripEmoji(s)
	s = strings.Join(strings.Fields(s), " ")
	s = trimQuotes(s)

	if p := strings.TrimSpace(persona); p != "" {
		for _, sep := range []string{":", " -", ","} {
			prefix := p + sep
			if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				break
			}
		}
	}

	s = firstSentence(s)
	s = trimQuotes(s)
	if s == "" || utf8.RuneCountInString(s) > maxGeneratedRunes || !strings.ContainsFunc(s, unicode.IsLetter) {
		return "", false
	}
	if !endsWithTerminal(s) {
		s = strings.TrimRight(s, ",;: ") + "."
	}
	return s, true
}

// Finish adds the recipient's name (unless the sentence already mentions
// it) and the persona signature line.
func Finish(sentence, name, persona string) string {
	out := sentence
	if n := strings.TrimSpace(name); n != "" && !strings.Contains(strings.ToLower(out), strings.ToLower(n)) {
		punct := "."
		if endsWithTerminal(out) {
			r, size := utf8.DecodeLastRuneInString(out)
			punct = string(r)
			out = out[:len(out)-size]
		}
		out = strings.TrimRight(out, ",;: ") + ", " + n + punct
	}
	if p := strings.TrimSpace(persona); p != "" {
		out += "\n- " + p
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

func firstSentence(s string) string {
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		rest := s[i+1:]
		if rest == "" {
			return s
		}
		if strings.HasPrefix(rest, " ") {
			return strings.TrimSpace(s[:i+1])
		}
	}
	return s
}

func trimQuotes(s string) string {
	return strings.TrimSpace(strings.Trim(s, "\"'`“”‘’*"))
}

func endsWithTerminal(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == '.' || r == '!' || r == '?'
}

func stripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0x200D, r == 0xFE0F, r == 0x20E3:
			return -1
		case r >= 0x1F000:
			return -1
		case r >= 0x2190 && (unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r)):
			return -1
		}
		return r
	}, s)
}
