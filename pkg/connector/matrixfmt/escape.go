// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"regexp"
	"strings"
)

// markdownSpecial is the set of characters Discord markdown treats as syntax.
const markdownSpecial = "\\*_~`"

// Escape backslash-escapes Discord markdown syntax characters. Escaping is not
// idempotent: an already escaped "\*" becomes "\\\*".
func Escape(s string) string {
	if !strings.ContainsAny(s, markdownSpecial) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownSpecial, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Unescape reverses Escape.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) && strings.ContainsRune(markdownSpecial, runes[i+1]) {
			i++
		}
		sb.WriteRune(runes[i])
	}
	return sb.String()
}

const zeroWidthJoiner = "\u200d"

var roomMentionRe = regexp.MustCompile(`@room\b`)

// BroadcastPolicy decides how mass mentions in text are passed to Discord.
type BroadcastPolicy struct {
	AllowEveryone bool
	AllowHere     bool
}

// apply defuses @everyone and @here unless allowed, then converts @room to
// @here when the sender may notify the whole room.
func (p BroadcastPolicy) apply(s string, canNotifyRoom bool) string {
	if !p.AllowEveryone {
		s = strings.ReplaceAll(s, "@everyone", "@"+zeroWidthJoiner+"everyone")
	}
	if !p.AllowHere {
		s = strings.ReplaceAll(s, "@here", "@"+zeroWidthJoiner+"here")
	}
	if canNotifyRoom {
		s = roomMentionRe.ReplaceAllString(s, "@here")
	}
	return s
}

// stripReplyFallback removes the quoted "> <@user> ..." prefix that older
// Matrix clients put in the plain body of replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> <") {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "> ") || line == ">" {
			continue
		}
		if line == "" {
			return strings.Join(lines[i+1:], "\n")
		}
		break
	}
	return body
}
