// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord markdown to Matrix HTML.
package discordfmt

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// MatrixToPrefix is the entity link prefix used for pills.
const MatrixToPrefix = "https://matrix.to/#/"

// Default ghost prefixes of the bridge's Matrix namespace.
const (
	DefaultUserPrefix = "_discord_"
	DefaultRoomPrefix = "_discord_"
)

// ParsedMessage holds the result of converting a Discord message to Matrix format.
// When FormattedBody is empty, Body is authoritative.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	MsgType       event.MessageType
}

// Content builds Matrix message content from the parsed message.
func (p *ParsedMessage) Content() *event.MessageEventContent {
	msgType := p.MsgType
	if msgType == "" {
		msgType = event.MsgText
	}
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          p.Body,
		Format:        p.Format,
		FormattedBody: p.FormattedBody,
	}
}

func (p *ParsedMessage) html() string {
	if p.FormattedBody != "" {
		return p.FormattedBody
	}
	return plainToHTML(p.Body)
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(?:([A-Za-z0-9_+#.-]+)\n)?\n?(.*?)```\n?")
	inlineCodeRe = regexp.MustCompile("``(.+?)``|`([^`\n]+)`")
	escapedRe    = regexp.MustCompile(`\\([*_~`+"`"+`|>\\\[\]()<:#-])`)
	emojiRe      = regexp.MustCompile(`<(a?):(\w+):(\d+)>`)
	mentionRe    = regexp.MustCompile(`<(@!?|@&|#)(\d+)>`)
	maskedLinkRe = regexp.MustCompile(`\[([^\]\n]+)\]\(<?((?:https?://|mailto:)[^\s)>]+)>?\)`)
	angleURLRe   = regexp.MustCompile(`<(https?://[^\s>]+)>`)
	bareURLRe    = regexp.MustCompile(`https?://[^\s<>\x00]+`)

	boldItalicRe = regexp.MustCompile(`\*\*\*(.+?)\*\*\*`)
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*([^\s*][^*\n]*?)\*`)
	italicUndRe  = regexp.MustCompile(`(^|[^\w_])_([^_\n]+?)_($|[^\w_])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
)

// Options are the static settings of a Converter.
type Options struct {
	// Domain is the homeserver name used in ghost user ids and room aliases.
	Domain     string
	UserPrefix string
	RoomPrefix string
}

// Converter renders Discord messages as Matrix content. It is safe for
// concurrent use.
type Converter struct {
	Options Options
	Emoji   EmojiResolver
	Log     zerolog.Logger
}

// NewConverter creates a converter with the default ghost prefixes.
func NewConverter(opts Options, emoji EmojiResolver, log zerolog.Logger) *Converter {
	if opts.UserPrefix == "" {
		opts.UserPrefix = DefaultUserPrefix
	}
	if opts.RoomPrefix == "" {
		opts.RoomPrefix = DefaultRoomPrefix
	}
	return &Converter{Options: opts, Emoji: emoji, Log: log}
}

// UserID returns the Matrix ghost id of a Discord user.
func (c *Converter) UserID(discordID string) string {
	return "@" + c.Options.UserPrefix + discordID + ":" + c.Options.Domain
}

// RoomAlias returns the Matrix alias of a Discord channel.
func (c *Converter) RoomAlias(guildID, channelID string) string {
	return "#" + c.Options.RoomPrefix + guildID + "_" + channelID + ":" + c.Options.Domain
}

// Parse converts Discord markdown with an empty directory and no emoji resolver.
func Parse(text string) *ParsedMessage {
	return NewConverter(Options{}, nil, zerolog.Nop()).Convert(context.Background(), text, nil)
}

// placeholders stores the plain and HTML renderings of extracted tokens.
// Tokens may nest (a masked link can contain an emoji), so restoration walks
// from the newest token to the oldest.
type placeholders struct {
	plain []string
	html  []string
}

func (p *placeholders) add(plain, html string) string {
	idx := len(p.plain)
	p.plain = append(p.plain, plain)
	p.html = append(p.html, html)
	return "\x00" + strconv.Itoa(idx) + "\x00"
}

func (p *placeholders) restore(s string, useHTML bool) string {
	src := p.plain
	if useHTML {
		src = p.html
	}
	for i := len(src) - 1; i >= 0; i-- {
		s = strings.ReplaceAll(s, "\x00"+strconv.Itoa(i)+"\x00", src[i])
	}
	return s
}

// Convert converts Discord markdown and tokens to Matrix plain and HTML forms.
// FormattedBody is left empty when the text carries no formatting.
func (c *Converter) Convert(ctx context.Context, text string, dir Directory) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{MsgType: event.MsgText}
	}
	if dir == nil {
		dir = NewSnapshot()
	}
	ph := &placeholders{}

	// Step 1: Extract code so nothing inside it is interpreted.
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		lang, content := parts[1], parts[2]
		var formatted string
		if lang != "" {
			formatted = `<pre><code class="language-` + html.EscapeString(lang) + `">` + html.EscapeString(content) + `</code></pre>`
		} else {
			formatted = `<pre><code>` + html.EscapeString(content) + `</code></pre>`
		}
		return ph.add(match, formatted)
	})
	processed = inlineCodeRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := inlineCodeRe.FindStringSubmatch(match)
		content := parts[1]
		if content == "" {
			content = parts[2]
		}
		return ph.add(match, "<code>"+html.EscapeString(strings.TrimSpace(content))+"</code>")
	})
	processed = escapedRe.ReplaceAllStringFunc(processed, func(match string) string {
		return ph.add(match, html.EscapeString(match[1:]))
	})

	// Step 2: Structural tokens.
	processed = emojiRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := emojiRe.FindStringSubmatch(match)
		plain, formatted := c.emoji(ctx, parts[2], parts[3], parts[1] == "a")
		return ph.add(plain, formatted)
	})
	processed = mentionRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := mentionRe.FindStringSubmatch(match)
		plain, formatted := c.mention(match, parts[1], parts[2], dir)
		return ph.add(plain, formatted)
	})

	// Step 3: Links, before inline formatting can mangle URLs.
	processed = maskedLinkRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := maskedLinkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		return ph.add(label+" ("+href+")", `<a href="`+html.EscapeString(href)+`">`+formatInline(html.EscapeString(label))+`</a>`)
	})
	processed = angleURLRe.ReplaceAllStringFunc(processed, func(match string) string {
		href := match[1 : len(match)-1]
		return ph.add(href, anchor(href))
	})
	processed = bareURLRe.ReplaceAllStringFunc(processed, func(match string) string {
		href := strings.TrimRight(match, ".,:;!?)'\"")
		return ph.add(href, anchor(href)) + match[len(href):]
	})

	plain := ph.restore(processed, false)
	formatted := ph.restore(formatBlocks(processed), true)
	if formatted == plainToHTML(plain) {
		return &ParsedMessage{Body: plain, MsgType: event.MsgText}
	}
	return &ParsedMessage{
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
		MsgType:       event.MsgText,
	}
}

func anchor(href string) string {
	escaped := html.EscapeString(href)
	return `<a href="` + escaped + `">` + escaped + `</a>`
}

func (c *Converter) mention(token, kind, id string, dir Directory) (string, string) {
	switch kind {
	case "@", "@!":
		name, ok := dir.MemberName(id)
		if !ok || name == "" {
			name = id
		}
		href := MatrixToPrefix + c.UserID(id)
		return name, `<a href="` + html.EscapeString(href) + `">` + html.EscapeString(name) + `</a>`
	case "#":
		name, guildID, ok := dir.Channel(id)
		if !ok {
			return token, html.EscapeString(token)
		}
		href := MatrixToPrefix + c.RoomAlias(guildID, id)
		return "#" + name, `<a href="` + html.EscapeString(href) + `">#` + html.EscapeString(name) + `</a>`
	case "@&":
		name, color, ok := dir.Role(id)
		if !ok {
			return token, html.EscapeString(token)
		}
		if color == 0 {
			return "@" + name, "@" + html.EscapeString(name)
		}
		hex := fmt.Sprintf("#%06x", color)
		return "@" + name, `<font color="` + hex + `" data-mx-color="` + hex + `">@` + html.EscapeString(name) + `</font>`
	default:
		return token, html.EscapeString(token)
	}
}

func (c *Converter) emoji(ctx context.Context, name, id string, animated bool) (string, string) {
	short := ":" + name + ":"
	if c.Emoji == nil {
		return short, html.EscapeString(short)
	}
	mxc, err := c.Emoji.EmojiMXC(ctx, id, name, animated)
	if err != nil {
		c.Log.Warn().Err(err).Str("emoji_id", id).Msg("Failed to resolve emoji media")
	}
	if err != nil || mxc == "" {
		return short, html.EscapeString(short)
	}
	return short, `<img data-mx-emoticon src="` + html.EscapeString(mxc) + `" alt="` + short +
		`" title="` + short + `" height="32" />`
}

// formatBlocks turns quote lines into blockquotes and applies inline
// formatting to the rest. Lines are joined with <br> except around blocks.
func formatBlocks(text string) string {
	lines := strings.Split(text, "\n")
	type block struct {
		content string
		quote   bool
	}
	var blocks []block
	var quoted []string

	flushQuote := func() {
		if quoted == nil {
			return
		}
		blocks = append(blocks, block{
			content: "<blockquote>" + strings.Join(quoted, "<br>") + "</blockquote>",
			quote:   true,
		})
		quoted = nil
	}

	for i, line := range lines {
		if rest, ok := strings.CutPrefix(line, ">>> "); ok {
			flushQuote()
			quoted = append(quoted, formatInline(html.EscapeString(rest)))
			for _, l := range lines[i+1:] {
				quoted = append(quoted, formatInline(html.EscapeString(l)))
			}
			break
		}
		if rest, ok := strings.CutPrefix(line, "> "); ok {
			quoted = append(quoted, formatInline(html.EscapeString(rest)))
			continue
		}
		if line == ">" {
			quoted = append(quoted, "")
			continue
		}
		flushQuote()
		blocks = append(blocks, block{content: formatInline(html.EscapeString(line))})
	}
	flushQuote()

	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 && !b.quote && !blocks[i-1].quote {
			sb.WriteString("<br>")
		}
		sb.WriteString(b.content)
	}
	return sb.String()
}

// formatInline applies the inline markdown subset to already escaped text.
func formatInline(s string) string {
	s = boldItalicRe.ReplaceAllString(s, "<strong><em>$1</em></strong>")
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = underlineRe.ReplaceAllString(s, "<u>$1</u>")
	s = italicStarRe.ReplaceAllString(s, "<em>$1</em>")
	s = italicUndRe.ReplaceAllString(s, "$1<em>$2</em>$3")
	s = strikeRe.ReplaceAllString(s, "<del>$1</del>")
	s = spoilerRe.ReplaceAllString(s, "<span data-mx-spoiler>$1</span>")
	return s
}

func plainToHTML(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

// IsAutomated reports whether a message was sent by a bot or a webhook.
func IsAutomated(msg *discordgo.Message) bool {
	if msg == nil {
		return false
	}
	return msg.WebhookID != "" || (msg.Author != nil && msg.Author.Bot)
}

// ConvertMessage converts a full Discord message: content, link embeds and
// the notice classification of automated senders.
func (c *Converter) ConvertMessage(ctx context.Context, msg *discordgo.Message, dir Directory) *ParsedMessage {
	parsed := c.Convert(ctx, msg.Content, dir)

	var plainParts, htmlParts []string
	for _, embed := range msg.Embeds {
		plain, formatted, ok := c.embed(ctx, embed, msg.Content, dir)
		if !ok {
			continue
		}
		plainParts = append(plainParts, plain)
		htmlParts = append(htmlParts, formatted)
	}
	if len(plainParts) > 0 {
		body := parsed.Body
		formatted := ""
		if body != "" {
			formatted = parsed.html()
		}
		for i := range plainParts {
			if body != "" {
				body += "\n"
			}
			body += "----\n" + plainParts[i]
			formatted += "<hr>" + htmlParts[i]
		}
		parsed.Body = body
		parsed.Format = event.FormatHTML
		parsed.FormattedBody = formatted
	}

	if IsAutomated(msg) {
		parsed.MsgType = event.MsgNotice
	} else {
		parsed.MsgType = event.MsgText
	}
	return parsed
}

func (c *Converter) embed(ctx context.Context, embed *discordgo.MessageEmbed, content string, dir Directory) (string, string, bool) {
	if embed == nil {
		return "", "", false
	}
	if embed.URL != "" && strings.Contains(content, embed.URL) {
		return "", "", false
	}
	if embed.Title == "" && embed.Description == "" {
		return "", "", false
	}

	var plain, formatted strings.Builder
	if embed.Title != "" {
		title := html.EscapeString(embed.Title)
		if embed.URL != "" {
			plain.WriteString(embed.Title + " (" + embed.URL + ")")
			formatted.WriteString(`<a href="` + html.EscapeString(embed.URL) + `"><strong>` + title + `</strong></a>`)
		} else {
			plain.WriteString(embed.Title)
			formatted.WriteString("<strong>" + title + "</strong>")
		}
	}
	if embed.Description != "" {
		desc := c.Convert(ctx, embed.Description, dir)
		if embed.Title != "" {
			plain.WriteString("\n")
			formatted.WriteString("<br>")
		}
		plain.WriteString(desc.Body)
		formatted.WriteString(desc.html())
	}
	return plain.String(), formatted.String(), true
}

// FormatEdit renders an edit notice "*edit:* ~~old~~ -> new". Both sides
// are converted independently. When link is set the "edit:" marker links to
// the previously delivered Matrix event.
func (c *Converter) FormatEdit(ctx context.Context, oldText, newText string, dir Directory, link string) *ParsedMessage {
	prior := c.Convert(ctx, oldText, dir)
	current := c.Convert(ctx, newText, dir)

	marker := "<em>edit:</em>"
	if link != "" {
		marker = `<a href="` + html.EscapeString(link) + `">` + marker + `</a>`
	}
	return &ParsedMessage{
		Body:          "*edit:* ~~" + prior.Body + "~~ -> " + current.Body,
		Format:        event.FormatHTML,
		FormattedBody: marker + " <del>" + prior.html() + "</del> -&gt; " + current.html(),
		MsgType:       event.MsgText,
	}
}
