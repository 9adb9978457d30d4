// Package chunker 把文档文本切分为 token 数受限的片段。
//
// token 即以空白分隔的单词。片段尽量由完整的句子拼成，
// 超过上限的长句按单词边界切开。
package chunker

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultMinTokens 是每个片段 token 数的默认下限。
const DefaultMinTokens = 100

// DefaultMaxTokens 是每个片段 token 数的默认上限。
const DefaultMaxTokens = 500

// Piece 是一段文本及其来源页码。
type Piece struct {
	Text      string
	PageRange string
}

// Chunker 把句子拼装成 MinTokens..MaxTokens 个 token 的片段。
type Chunker struct {
	minTokens int
	maxTokens int
}

// Option 用于配置 Chunker。
type Option func(*Chunker)

// WithMinTokens 设置每个片段的最少 token 数。
func WithMinTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.minTokens = n
		}
	}
}

// WithMaxTokens 设置每个片段的最多 token 数。
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// New 按给定选项创建 Chunker。
func New(opts ...Option) *Chunker {
	c := &Chunker{
		minTokens: DefaultMinTokens,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minTokens > c.maxTokens {
		c.minTokens = c.maxTokens
	}
	return c
}

// unit 是不可再分的最小单元（一句话或一段超长句的切片）。
type unit struct {
	text    string
	tokens  int
	page    int
	lineEnd bool
}

// Split 切分一段不分页的文本。
func (c *Chunker) Split(text string) []string {
	pieces := c.pack(c.units(text, 0))
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.Text
	}
	return out
}

// SplitPages 切分逐页的文本，页码从 1 开始，返回的 PageRange 形如 "p.3" 或 "p.3-4"。
func (c *Chunker) SplitPages(pages []string) []Piece {
	var units []unit
	for i, page := range pages {
		units = append(units, c.units(page, i+1)...)
	}
	return c.pack(units)
}

func (c *Chunker) units(text string, page int) []unit {
	var units []unit
	for _, line := range strings.Split(text, "\n") {
		start := len(units)
		for _, sentence := range splitSentences(line) {
			words := strings.Fields(sentence)
			for len(words) > c.maxTokens {
				units = append(units, unit{text: strings.Join(words[:c.maxTokens], " "), tokens: c.maxTokens, page: page})
				words = words[c.maxTokens:]
			}
			if len(words) > 0 {
				units = append(units, unit{text: strings.Join(words, " "), tokens: len(words), page: page})
			}
		}
		if len(units) > start {
			units[len(units)-1].lineEnd = true
		}
	}
	return units
}

func (c *Chunker) pack(units []unit) []Piece {
	var pieces []Piece
	var current []unit
	tokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, makePiece(current))
		current = nil
		tokens = 0
	}

	for _, u := range units {
		// 加上这一句会超上限时收尾；即使当前块不足下限也不能突破上限
		if len(current) > 0 && tokens+u.tokens > c.maxTokens {
			flush()
		}
		current = append(current, u)
		tokens += u.tokens
		// 段落结束且已达下限时优先在段落边界切分
		if u.lineEnd && tokens >= c.minTokens {
			flush()
		}
	}

	flush()
	return pieces
}

func makePiece(units []unit) Piece {
	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.text
	}
	return Piece{
		Text:      strings.Join(texts, " "),
		PageRange: pageRange(units[0].page, units[len(units)-1].page),
	}
}

func pageRange(first, last int) string {
	if first <= 0 {
		return "N/A"
	}
	if first == last {
		return fmt.Sprintf("p.%d", first)
	}
	return fmt.Sprintf("p.%d-%d", first, last)
}

// splitSentences 在 . ! ? 之后遇到空白时断句。
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(strings.TrimSpace(text))
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
