// Package promptctx assembles the model request context: the three-block
// system prompt with prompt-cache markers and the token-budgeted history
// window.
package promptctx

import (
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/castellanbot/castellan/internal/models"
)

// cacheThreshold is the minimum token count for which tagging a block as
// cacheable pays off. Below it the provider's per-block minimum makes the
// marker useless.
const cacheThreshold = 256

// TokenEstimator approximates token counts without a provider round trip.
type TokenEstimator func(s string) int

// EstimateTokens is the default estimator, roughly four characters per
// token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// SystemBlocks builds the ordered system prompt:
//
//	1. global prompt, always cache-tagged
//	2. user custom prompt, cache-tagged only when large enough to cache
//	3. files context, never tagged (changes every time a file lands)
func SystemBlocks(globalPrompt, customPrompt, filesContext string, est TokenEstimator) []anthropic.BetaTextBlockParam {
	if est == nil {
		est = EstimateTokens
	}

	blocks := []anthropic.BetaTextBlockParam{{
		Text:         globalPrompt,
		CacheControl: anthropic.NewBetaCacheControlEphemeralParam(),
	}}

	if customPrompt != "" {
		block := anthropic.BetaTextBlockParam{Text: customPrompt}
		if est(customPrompt) >= cacheThreshold {
			block.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
		}
		blocks = append(blocks, block)
	}

	if filesContext != "" {
		blocks = append(blocks, anthropic.BetaTextBlockParam{Text: filesContext})
	}

	return blocks
}

// SystemTokens estimates the total token count of the system blocks.
func SystemTokens(blocks []anthropic.BetaTextBlockParam, est TokenEstimator) int {
	if est == nil {
		est = EstimateTokens
	}
	total := 0
	for _, b := range blocks {
		total += est(b.Text)
	}
	return total
}

// FilesContext renders the machine-generated listing of files available in
// a thread, for the third system block.
func FilesContext(files []*models.UserFile, now time.Time) string {
	var live []*models.UserFile
	for _, f := range files {
		if f.Live(now) {
			live = append(live, f)
		}
	}
	if len(live) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Files available in this conversation:\n")
	for _, f := range live {
		name := f.Filename
		if name == "" {
			name = string(f.Kind)
		}
		fmt.Fprintf(&sb, "- %s (id: %s, type: %s, %d bytes)\n", name, f.FileID, f.MIME, f.Size)
	}
	return sb.String()
}
