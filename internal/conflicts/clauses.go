package conflicts

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const minClauseLen = 3

// Clauses splits free text into the pieces a conflict can point at: list
// items, sentences, then semicolon-separated parts. Pieces shorter than
// minClauseLen runes are dropped.
func Clauses(text string) []string {
	var out []string
	for _, block := range blocks(text) {
		for _, sentence := range sentences(block) {
			for part := range strings.SplitSeq(sentence, ";") {
				if part = strings.TrimSpace(part); utf8.RuneCountInString(part) >= minClauseLen {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// blocks joins wrapped lines into paragraphs and gives every bullet or
// numbered list item its own block. A blank line ends a paragraph.
func blocks(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
		}
	}
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if item, ok := listItem(line); ok {
			flush()
			out = append(out, item)
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

// listItem strips a "- ", "* ", "• ", "1. " or "1) " marker.
func listItem(line string) (string, bool) {
	for _, bullet := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, bullet); ok && strings.TrimSpace(rest) != "" {
			return strings.TrimSpace(rest), true
		}
	}
	digits := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if digits <= 0 || digits > 3 || digits+1 >= len(line) {
		return "", false
	}
	if (line[digits] == '.' || line[digits] == ')') && line[digits+1] == ' ' {
		if rest := strings.TrimSpace(line[digits+2:]); rest != "" {
			return rest, true
		}
	}
	return "", false
}

// sentences cuts after a run of . ! or ? that is followed by whitespace and
// then something that can open a sentence, or by the end of the text. "e.g.
// the" stays whole because the next word is lower case.
func sentences(s string) []string {
	r := []rune(s)
	var out []string
	start := 0
	for i := 0; i < len(r); i++ {
		if !isTerminator(r[i]) {
			continue
		}
		end := i + 1
		for end < len(r) && isTerminator(r[end]) {
			end++
		}
		next := end
		for next < len(r) && unicode.IsSpace(r[next]) {
			next++
		}
		if next == len(r) || (next > end && opensSentence(r[next])) {
			if piece := strings.TrimSpace(string(r[start:end])); piece != "" {
				out = append(out, piece)
			}
			start = next
		}
		i = end - 1
	}
	if piece := strings.TrimSpace(string(r[start:])); piece != "" {
		out = append(out, piece)
	}
	return out
}

func isTerminator(r rune) bool { return r == '.' || r == '!' || r == '?' }

func opensSentence(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsDigit(r) || strings.ContainsRune(`("'“`, r)
}
