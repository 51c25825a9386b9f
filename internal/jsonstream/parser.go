// Package jsonstream splits a JSON array arriving in chunks into its
// elements as soon as each one is complete.
package jsonstream

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotArray = errors.New("jsonstream: input is not a JSON array")
	ErrTrailing = errors.New("jsonstream: data after the end of the array")
)

type phase int

const (
	beforeArray phase = iota
	beforeElement
	inElement
	afterElement
	afterArray
)

// Parser holds the unconsumed bytes and the scan position between Feed
// calls, so every byte is scanned once.
type Parser struct {
	buf    []byte
	cursor int
	start  int
	phase  phase
	depth  int
	inStr  bool
	escape bool
	// scalar is set while the current element is a bare number or literal
	scalar bool
}

// Feed appends chunk and returns the elements completed by it.
func (p *Parser) Feed(chunk []byte) ([]json.RawMessage, error) {
	p.buf = append(p.buf, chunk...)
	var out []json.RawMessage
	for ; p.cursor < len(p.buf); p.cursor++ {
		c := p.buf[p.cursor]
		switch p.phase {
		case beforeArray:
			if isSpace(c) {
				continue
			}
			if c != '[' {
				return out, fmt.Errorf("%w: found %q", ErrNotArray, c)
			}
			p.phase = beforeElement

		case beforeElement:
			if isSpace(c) {
				continue
			}
			if c == ']' {
				p.phase = afterArray
				continue
			}
			if c == ',' {
				return out, fmt.Errorf("jsonstream: unexpected ',' at offset %d", p.cursor)
			}
			p.start = p.cursor
			p.phase = inElement
			p.scalar = false
			switch c {
			case '{', '[':
				p.depth = 1
			case '"':
				p.inStr = true
			default:
				p.scalar = true
			}

		case inElement:
			if p.scalar {
				if c == ',' || c == ']' || isSpace(c) {
					elem, err := p.emit(p.cursor)
					if err != nil {
						return out, err
					}
					out = append(out, elem)
					p.phase = afterElement
					p.cursor-- // rescan the delimiter
				}
				continue
			}
			if p.inStr {
				switch {
				case p.escape:
					p.escape = false
				case c == '\\':
					p.escape = true
				case c == '"':
					p.inStr = false
					if p.depth == 0 {
						elem, err := p.emit(p.cursor + 1)
						if err != nil {
							return out, err
						}
						out = append(out, elem)
						p.phase = afterElement
					}
				}
				continue
			}
			switch c {
			case '"':
				p.inStr = true
			case '{', '[':
				p.depth++
			case '}', ']':
				p.depth--
				if p.depth == 0 {
					elem, err := p.emit(p.cursor + 1)
					if err != nil {
						return out, err
					}
					out = append(out, elem)
					p.phase = afterElement
				}
			}

		case afterElement:
			switch {
			case isSpace(c):
			case c == ',':
				p.phase = beforeElement
			case c == ']':
				p.phase = afterArray
			default:
				return out, fmt.Errorf("jsonstream: expected ',' or ']' at offset %d, found %q", p.cursor, c)
			}

		case afterArray:
			if !isSpace(c) {
				return out, ErrTrailing
			}
		}
	}
	p.compact()
	return out, nil
}

// emit validates and returns buf[start:end]
func (p *Parser) emit(end int) (json.RawMessage, error) {
	raw := p.buf[p.start:end]
	if !json.Valid(raw) {
		return nil, fmt.Errorf("jsonstream: invalid element at offset %d", p.start)
	}
	elem := make(json.RawMessage, len(raw))
	copy(elem, raw)
	p.start = end
	return elem, nil
}

// compact drops bytes no element can reference anymore
func (p *Parser) compact() {
	keep := p.cursor
	if p.phase == inElement {
		keep = p.start
	}
	if keep == 0 {
		return
	}
	n := copy(p.buf, p.buf[keep:])
	p.buf = p.buf[:n]
	p.cursor -= keep
	p.start -= keep
	if p.start < 0 {
		p.start = 0
	}
}

// Done reports whether the closing bracket of the array was seen
func (p *Parser) Done() bool {
	return p.phase == afterArray
}

// Close reports an error when the array is incomplete. A pending scalar
// element can only be terminated by the closing bracket, so it counts as
// incomplete too.
func (p *Parser) Close() error {
	if p.phase != afterArray {
		return fmt.Errorf("jsonstream: unexpected end of input")
	}
	return nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
