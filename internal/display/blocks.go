// Package display turns a streaming model response into Telegram message
// edits: a typed block buffer, MarkdownV2 and HTML renderers, length-aware
// truncation, and an edit throttle.
package display

import "strings"

// BlockKind distinguishes visible text, thinking content, and the inline
// tool markers shown only while streaming.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockMarker   BlockKind = "marker"
)

// Block is one run of same-kind content in arrival order.
type Block struct {
	Kind    BlockKind
	Content strings.Builder
}

// Buffer accumulates streaming deltas as an ordered block list. Appending
// content of the same kind as the last block merges into it; a kind switch
// starts a new block.
type Buffer struct {
	blocks []*Block
}

// Append adds a delta to the buffer.
func (b *Buffer) Append(kind BlockKind, content string) {
	if content == "" {
		return
	}
	if n := len(b.blocks); n > 0 && b.blocks[n-1].Kind == kind {
		b.blocks[n-1].Content.WriteString(content)
		return
	}
	blk := &Block{Kind: kind}
	blk.Content.WriteString(content)
	b.blocks = append(b.blocks, blk)
}

// Text concatenates all text blocks in order. Tool markers are excluded;
// they exist only for the streaming view.
func (b *Buffer) Text() string {
	var sb strings.Builder
	for _, blk := range b.blocks {
		if blk.Kind == BlockText {
			sb.WriteString(blk.Content.String())
		}
	}
	return sb.String()
}

// Visible concatenates text and marker blocks in order, for the streaming
// view. Tracking markers as their own block kind means the final render
// never has to pattern-match them out of model text.
func (b *Buffer) Visible() string {
	var sb strings.Builder
	for _, blk := range b.blocks {
		if blk.Kind == BlockText || blk.Kind == BlockMarker {
			sb.WriteString(blk.Content.String())
		}
	}
	return sb.String()
}

// Thinking concatenates all thinking blocks in order.
func (b *Buffer) Thinking() string {
	var sb strings.Builder
	for _, blk := range b.blocks {
		if blk.Kind == BlockThinking {
			sb.WriteString(blk.Content.String())
		}
	}
	return sb.String()
}

// Len returns the total content length across all blocks.
func (b *Buffer) Len() int {
	n := 0
	for _, blk := range b.blocks {
		n += blk.Content.Len()
	}
	return n
}

// Empty reports whether nothing has been appended yet.
func (b *Buffer) Empty() bool {
	return b.Len() == 0
}
