package display

import "unicode/utf8"

// Truncation keeps the rendered message inside Telegram's 4096-character
// limit. Text is inviolate; only thinking shrinks, trimmed from the front
// so the most recent reasoning survives. When the budget left for thinking
// drops below a floor, thinking is suppressed entirely.

// minThinkingChars is the floor below which thinking is dropped rather than
// shown as a useless stub.
const minThinkingChars = 100

// safetyMargin reserves room for formatting overhead added at render time.
// MarkdownV2 escapes far more characters than HTML, so it gets a stricter
// margin.
func safetyMargin(mode ParseMode) int {
	if mode == ModeHTML {
		return 256
	}
	return 512
}

// Truncate fits (text, thinking) into the message limit for the given
// parse mode. The returned text always equals the input text; thinking is
// either an exact suffix of the input thinking or empty.
func Truncate(text, thinking string, mode ParseMode) (string, string) {
	budget := MessageLimit - safetyMargin(mode)

	if len(text)+len(thinking) <= budget {
		return text, thinking
	}

	remaining := budget - len(text)
	if remaining < minThinkingChars {
		return text, ""
	}
	// Trim from the front, keeping the tail of the reasoning. The cut
	// advances to the next rune start so the suffix stays valid UTF-8.
	cut := len(thinking) - remaining
	for cut < len(thinking) && !utf8.RuneStart(thinking[cut]) {
		cut++
	}
	return text, thinking[cut:]
}
