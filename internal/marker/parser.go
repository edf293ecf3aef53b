// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package marker splits a streamed model response into literal text and
// out-of-band special tokens of the form <|...|>.
package marker

import (
	"strings"
	"unicode/utf8"
)

// Special token delimiters.
const (
	OpenTag  = "<|"
	CloseTag = "|>"
)

// DefaultMinLiteralEmitLength is the number of runes buffered before literal
// text is handed to OnLiteral.
const DefaultMinLiteralEmitLength = 24

// DefaultMaxSpecialLength bounds an unterminated special token before it is
// demoted back to literal text.
const DefaultMaxSpecialLength = 128

type state int

const (
	stateLiteral state = iota
	stateOpen
	stateSpecial
)

// Options configures a Parser.
type Options struct {
	// OnLiteral receives coalesced literal text.
	OnLiteral func(literal string) error

	// OnSpecial receives each complete special token, delimiters included.
	OnSpecial func(special string) error

	// MinLiteralEmitLength gates literal emission (runes). Zero uses the default.
	MinLiteralEmitLength int

	// MaxSpecialLength bounds special tokens (runes). Zero uses the default.
	MaxSpecialLength int
}

// Parser is a streaming tokenizer. It is not safe for concurrent use.
type Parser struct {
	opts Options

	state   state
	literal strings.Builder
	litLen  int
	special strings.Builder
	specLen int
}

// NewParser creates a parser.
func NewParser(opts Options) *Parser {
	if opts.MinLiteralEmitLength <= 0 {
		opts.MinLiteralEmitLength = DefaultMinLiteralEmitLength
	}
	if opts.MaxSpecialLength <= 0 {
		opts.MaxSpecialLength = DefaultMaxSpecialLength
	}
	return &Parser{opts: opts}
}

// Consume feeds a chunk of streamed text. Callback errors stop parsing and are
// returned unchanged.
func (p *Parser) Consume(chunk string) error {
	for _, r := range chunk {
		if err := p.step(r); err != nil {
			return err
		}
	}
	if p.litLen >= p.opts.MinLiteralEmitLength {
		return p.flushLiteral()
	}
	return nil
}

// End flushes buffered literal text regardless of length. An unterminated
// special token is emitted as literal text.
func (p *Parser) End() error {
	switch p.state {
	case stateOpen:
		p.appendLiteral("<")
	case stateSpecial:
		p.appendLiteral(p.special.String())
	}
	p.resetSpecial()
	p.state = stateLiteral
	return p.flushLiteral()
}

func (p *Parser) step(r rune) error {
	switch p.state {
	case stateOpen:
		if r == '|' {
			p.special.WriteString(OpenTag)
			p.specLen = 2
			p.state = stateSpecial
			return nil
		}
		p.appendLiteral("<")
		p.state = stateLiteral
		return p.step(r)

	case stateSpecial:
		p.special.WriteRune(r)
		p.specLen++
		tok := p.special.String()
		if p.specLen > 2 && strings.HasSuffix(tok, CloseTag) && len(tok) >= len(OpenTag)+len(CloseTag) {
			p.resetSpecial()
			p.state = stateLiteral
			return p.emitSpecial(tok)
		}
		if p.specLen > p.opts.MaxSpecialLength {
			p.appendLiteral(tok)
			p.resetSpecial()
			p.state = stateLiteral
		}
		return nil

	default:
		if r == '<' {
			p.state = stateOpen
			return nil
		}
		p.appendRune(r)
		return nil
	}
}

func (p *Parser) emitSpecial(tok string) error {
	if err := p.flushLiteral(); err != nil {
		return err
	}
	if p.opts.OnSpecial == nil {
		return nil
	}
	return p.opts.OnSpecial(tok)
}

func (p *Parser) flushLiteral() error {
	if p.litLen == 0 {
		return nil
	}
	text := p.literal.String()
	p.literal.Reset()
	p.litLen = 0
	if p.opts.OnLiteral == nil {
		return nil
	}
	return p.opts.OnLiteral(text)
}

func (p *Parser) appendLiteral(s string) {
	p.literal.WriteString(s)
	p.litLen += utf8.RuneCountInString(s)
}

func (p *Parser) appendRune(r rune) {
	p.literal.WriteRune(r)
	p.litLen++
}

func (p *Parser) resetSpecial() {
	p.special.Reset()
	p.specLen = 0
}
