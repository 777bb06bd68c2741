// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Discord markdown.
//
// The formatted body is parsed into a small Document Tree (see [ParseHTML])
// and rendered depth-first. Every text leaf is escaped with [Escape] and run
// through the mass mention policy; code is emitted verbatim.
package matrixfmt

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// Default ghost prefixes of the bridge's Matrix namespace.
const (
	DefaultUserPrefix = "_discord_"
	DefaultRoomPrefix = "_discord_"
)

var listBullets = [...]string{"●", "○", "■", "‣"}

const listIndent = "    "

var excessNewlinesRe = regexp.MustCompile(`\n{3,}`)

// Options are the static settings of a Converter.
type Options struct {
	UserPrefix   string
	RoomPrefix   string
	Broadcast    BroadcastPolicy
	EmoteNameMin int
	EmoteNameMax int
}

// Params carry the per-message context of a conversion.
type Params struct {
	Directory  Directory
	SenderName string
	// CanNotifyRoom is true when the sender holds the room notification power
	// level, which allows @room to become @here.
	CanNotifyRoom bool
}

// Converter renders Matrix message content as Discord markdown. It holds no
// per-message state and is safe for concurrent use.
type Converter struct {
	Options Options
	Emoji   EmojiLookup
	Log     zerolog.Logger
}

// NewConverter creates a converter with the default ghost prefixes.
func NewConverter(opts Options, emoji EmojiLookup, log zerolog.Logger) *Converter {
	if opts.UserPrefix == "" {
		opts.UserPrefix = DefaultUserPrefix
	}
	if opts.RoomPrefix == "" {
		opts.RoomPrefix = DefaultRoomPrefix
	}
	return &Converter{Options: opts, Emoji: emoji, Log: log}
}

var defaultConverter = NewConverter(Options{EmoteNameMin: 1, EmoteNameMax: 32}, nil, zerolog.Nop())

// Parse converts Matrix message content to Discord markdown with default
// options and an empty directory.
func Parse(content *event.MessageEventContent) string {
	return defaultConverter.Convert(context.Background(), content, Params{})
}

// Convert renders content as Discord markdown. Plain bodies bypass the HTML
// parser and are escaped directly. Emotes are wrapped in emphasis with the
// sender name prepended when its length is within bounds.
func (c *Converter) Convert(ctx context.Context, content *event.MessageEventContent, params Params) string {
	if content == nil {
		return ""
	}
	if params.Directory == nil {
		params.Directory = NewSnapshot()
	}
	r := &renderer{ctx: ctx, conv: c, params: params}

	var body string
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		root, err := ParseHTML(content.FormattedBody)
		if err != nil {
			c.Log.Warn().Err(err).Msg("Falling back to plain body")
			body = r.text(stripReplyFallback(content.Body))
		} else {
			body = r.render(root)
		}
	} else {
		body = r.text(stripReplyFallback(content.Body))
	}

	if content.MsgType == event.MsgEmote {
		body = c.formatEmote(body, params.SenderName)
	}
	return body
}

func (c *Converter) formatEmote(body, senderName string) string {
	n := utf8.RuneCountInString(senderName)
	if senderName == "" || n < c.Options.EmoteNameMin || (c.Options.EmoteNameMax > 0 && n > c.Options.EmoteNameMax) {
		return "*" + body + "*"
	}
	return "*" + Escape(senderName) + " " + body + "*"
}

type renderer struct {
	ctx       context.Context
	conv      *Converter
	params    Params
	listDepth int
}

func (r *renderer) render(root *Element) string {
	out := r.children(root)
	out = excessNewlinesRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func (r *renderer) text(s string) string {
	return r.conv.Options.Broadcast.apply(Escape(s), r.params.CanNotifyRoom)
}

func (r *renderer) children(el *Element) string {
	var sb strings.Builder
	afterBreak := false
	for _, child := range el.Children {
		var out string
		switch n := child.(type) {
		case *Text:
			content := n.Content
			if strings.TrimSpace(content) == "" && strings.Contains(content, "\n") {
				continue
			}
			if afterBreak {
				content = strings.TrimPrefix(content, "\n")
			}
			out = r.text(content)
			afterBreak = false
		case *Element:
			if n.Tag.isBlock() && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteByte('\n')
			}
			out = r.element(n)
			afterBreak = n.Tag == TagLineBreak
		}
		sb.WriteString(out)
	}
	return sb.String()
}

func (r *renderer) element(el *Element) string {
	switch el.Tag {
	case TagEmphasis:
		return wrap("*", r.children(el))
	case TagStrong:
		return wrap("**", r.children(el))
	case TagUnderline:
		return wrap("__", r.children(el))
	case TagStrike:
		return wrap("~~", r.children(el))
	case TagSpoiler:
		return wrap("||", r.children(el))
	case TagInlineCode:
		return inlineCode(TextContent(el))
	case TagCodeBlock:
		return codeBlock(el.Attr("language"), TextContent(el))
	case TagAnchor:
		return r.anchor(el)
	case TagImage:
		return r.image(el)
	case TagLineBreak:
		return "\n"
	case TagHorizontalRule:
		return "----------\n"
	case TagHeading:
		return "**" + strings.Repeat("#", el.Level) + " " + strings.TrimSpace(r.children(el)) + "**\n"
	case TagBlockquote:
		return r.blockquote(el)
	case TagUnorderedList:
		return r.list(el, false)
	case TagOrderedList:
		return r.list(el, true)
	case TagListItem:
		// Only reached for items outside a list.
		return r.children(el) + "\n"
	case TagReplyFallback:
		return ""
	case TagParagraph:
		return r.children(el) + "\n"
	case TagUnknown:
		return r.children(el)
	default:
		return r.children(el)
	}
}

func wrap(delim, inner string) string {
	if inner == "" {
		return ""
	}
	return delim + inner + delim
}

func inlineCode(content string) string {
	if content == "" {
		return ""
	}
	if strings.Contains(content, "`") {
		return "`` " + content + " ``"
	}
	return "`" + content + "`"
}

func codeBlock(lang, content string) string {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return "```" + lang + "\n" + content + "```\n"
}

func (r *renderer) anchor(el *Element) string {
	href := el.Attr("href")
	text := r.children(el)
	visible := TextContent(el)

	if pill, ok := ParsePill(href, visible, r.conv.Options.UserPrefix, r.conv.Options.RoomPrefix); ok {
		switch pill.Kind {
		case PillUser:
			if r.params.Directory.HasMember(pill.TargetID) {
				return "<@" + pill.TargetID + ">"
			}
		case PillChannel:
			if r.params.Directory.HasChannel(pill.TargetID) {
				return "<#" + pill.TargetID + ">"
			}
		}
	} else if strings.HasPrefix(href, MatrixToPrefix+"@") || strings.HasPrefix(href, MatrixToPrefix+"%40") {
		// A Matrix user that is not a Discord ghost: keep the display name.
		return text
	}

	if href == "" {
		return text
	}
	if visible == href || text == "" {
		return href
	}
	return "[" + text + "](" + href + ")"
}

func (r *renderer) image(el *Element) string {
	if src := el.Attr("src"); src != "" && r.conv.Emoji != nil {
		emoji, err := r.conv.Emoji.EmojiByMXC(r.ctx, src)
		if err != nil {
			r.conv.Log.Warn().Err(err).Str("mxc", src).Msg("Failed to look up emoji by media URI")
		} else if emoji != nil {
			return emoji.Token()
		}
	}
	name := el.Attr("alt")
	if name == "" {
		name = el.Attr("title")
	}
	if name == "" {
		return ""
	}
	if emoji, ok := r.params.Directory.EmojiByName(strings.Trim(name, ":")); ok {
		return emoji.Token()
	}
	return r.text(name)
}

func (r *renderer) blockquote(el *Element) string {
	inner := strings.Trim(r.children(el), "\n")
	lines := strings.Split(inner, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r *renderer) list(el *Element, ordered bool) string {
	r.listDepth++
	defer func() { r.listDepth-- }()

	indent := strings.Repeat(listIndent, r.listDepth-1)
	number := 1
	if ordered {
		if start, err := strconv.Atoi(el.Attr("start")); err == nil {
			number = start
		}
	}
	bullet := listBullets[(r.listDepth-1)%len(listBullets)]

	var lines []string
	for _, child := range el.Children {
		item, ok := child.(*Element)
		if !ok || item.Tag != TagListItem {
			continue
		}
		marker := bullet + " "
		if ordered {
			marker = strconv.Itoa(number) + ". "
			number++
		}
		content := strings.Trim(r.children(item), "\n")
		lines = append(lines, indent+marker+content)
	}
	return strings.Join(lines, "\n") + "\n"
}
