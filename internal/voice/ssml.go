package voice

import (
	"fmt"
	"regexp"
	"strings"
)

const defaultLanguage = "en-US"

var (
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	speechEmphasisReplacer    = strings.NewReplacer("**", "", "__", "", "`", "", "#", "")
	ssmlEscaper               = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
		"/", "&#x2F;",
	)
)

// SSMLBuilder renders spoken items for the avatar synthesizer.
type SSMLBuilder struct {
	Voice    string
	Language string
	// StripMarkdown removes code fences, link targets and emphasis markers
	// before the text is spoken.
	StripMarkdown bool
}

// Build returns the SSML document for item, or false when nothing speakable remains.
func (b SSMLBuilder) Build(item SpokenItem) (string, bool) {
	text := item.Text
	if b.StripMarkdown {
		text = speakableText(text)
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lang := b.Language
	if lang == "" {
		lang = defaultLanguage
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='%s'>", EscapeSSML(lang))
	fmt.Fprintf(&sb, "<voice name='%s'><mstts:leadingsilence-exact value='0'/>", EscapeSSML(b.Voice))
	sb.WriteString(EscapeSSML(text))
	if ms := item.EndingSilence.Milliseconds(); ms > 0 {
		fmt.Fprintf(&sb, "<break time='%dms' />", ms)
	}
	sb.WriteString("</voice></speak>")
	return sb.String(), true
}

// EscapeSSML escapes the characters that would break the enclosing markup.
func EscapeSSML(text string) string {
	return ssmlEscaper.Replace(text)
}

func speakableText(raw string) string {
	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	return speechEmphasisReplacer.Replace(raw)
}
