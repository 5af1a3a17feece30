package display

import (
	"fmt"
	"html"
	"strings"
)

// ParseMode selects the Telegram formatting dialect.
type ParseMode string

const (
	ModeMarkdownV2 ParseMode = "MarkdownV2"
	ModeHTML       ParseMode = "HTML"
)

// MessageLimit is Telegram's hard cap on message length.
const MessageLimit = 4096

// ToolMarker renders the inline marker shown while a tool runs, e.g.
// "[📄 analyze_pdf]".
func ToolMarker(emoji, toolName string) string {
	if emoji == "" {
		return fmt.Sprintf("[%s]", toolName)
	}
	return fmt.Sprintf("[%s %s]", emoji, toolName)
}

// markdownV2Escape escapes every character MarkdownV2 treats as syntax.
// Backslash is included so literal backslashes in model output cannot
// change how the following character is read.
var markdownV2Escaper = strings.NewReplacer(
	"\\", "\\\\",
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

// Render produces the streaming view: thinking collected into one
// expandable blockquote above the text. The input is assumed to be already
// truncated to fit the message limit.
func Render(text, thinking string, mode ParseMode) string {
	switch mode {
	case ModeHTML:
		return renderHTML(text, thinking)
	default:
		return renderMarkdownV2(text, thinking)
	}
}

// RenderFinal produces the finished message from reply text alone.
func RenderFinal(text string, mode ParseMode) string {
	text = strings.TrimSpace(text)
	if mode == ModeHTML {
		return html.EscapeString(text)
	}
	return markdownV2Escaper.Replace(text)
}

func renderMarkdownV2(text, thinking string) string {
	var sb strings.Builder
	if thinking != "" {
		lines := strings.Split(markdownV2Escaper.Replace(thinking), "\n")
		// Expandable blockquote: "**>" opens, every line is quoted, "||"
		// closes the last line.
		for i, line := range lines {
			if i == 0 {
				sb.WriteString("**>")
			} else {
				sb.WriteString("\n>")
			}
			sb.WriteString(line)
		}
		sb.WriteString("||\n")
	}
	sb.WriteString(markdownV2Escaper.Replace(text))
	return sb.String()
}

func renderHTML(text, thinking string) string {
	var sb strings.Builder
	if thinking != "" {
		sb.WriteString("<blockquote expandable>")
		sb.WriteString(html.EscapeString(thinking))
		sb.WriteString("</blockquote>\n")
	}
	sb.WriteString(html.EscapeString(text))
	return sb.String()
}
