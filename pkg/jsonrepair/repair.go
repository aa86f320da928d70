// Package jsonrepair closes structured LLM output that was cut off mid-stream.
package jsonrepair

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrUnrepairable = errors.New("jsonrepair: truncated input has no usable prefix")

type phase int

const (
	phaseKey   phase = iota // object: expecting a key or '}'
	phaseColon              // object: key read, expecting ':'
	phaseValue              // expecting a value
	phaseNext               // value read, expecting ',' or a closer
)

type frame struct {
	obj      bool
	phase    phase
	lastGood int // offset just past the last complete member, or past the opener
}

type scanner struct {
	src   string
	stack []frame

	inString    bool
	stringIsKey bool
	escaped     bool
	tokenStart  int
	topDone     bool
}

// Repair returns text unchanged when it is already valid JSON. Otherwise it
// trims the input back to its last complete value and appends the missing
// closers. An unterminated value string is kept and closed; an unterminated
// key string cannot be salvaged and yields ErrUnrepairable.
func Repair(text string) (json.RawMessage, error) {
	src := strings.TrimSpace(text)
	if src == "" {
		return nil, ErrUnrepairable
	}
	if json.Valid([]byte(src)) {
		return json.RawMessage(src), nil
	}

	sc := &scanner{src: src, tokenStart: -1}
	end, err := sc.scan()
	if err != nil {
		return nil, err
	}

	out, err := sc.finish(end)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(out)) {
		return nil, ErrUnrepairable
	}
	return json.RawMessage(out), nil
}

// scan walks src and returns the offset where scanning stopped.
func (s *scanner) scan() (int, error) {
	for i := 0; i < len(s.src); i++ {
		c := s.src[i]

		if s.inString {
			if s.escaped {
				s.escaped = false
				continue
			}
			switch c {
			case '\\':
				s.escaped = true
			case '"':
				s.inString = false
				if s.stringIsKey {
					s.top().phase = phaseColon
				} else {
					s.valueDone(i + 1)
				}
			}
			continue
		}

		if s.tokenStart >= 0 {
			if isLiteralByte(c) {
				continue
			}
			if !json.Valid([]byte(s.src[s.tokenStart:i])) {
				return 0, ErrUnrepairable
			}
			s.tokenStart = -1
			s.valueDone(i)
		}

		if s.topDone {
			if isSpace(c) {
				continue
			}
			return i, nil
		}

		switch {
		case isSpace(c):
		case c == '{' || c == '[':
			if !s.expectingValue() {
				return 0, ErrUnrepairable
			}
			f := frame{obj: c == '{', phase: phaseValue, lastGood: i + 1}
			if f.obj {
				f.phase = phaseKey
			}
			s.stack = append(s.stack, f)
		case c == '}' || c == ']':
			if len(s.stack) == 0 || s.top().obj != (c == '}') {
				return 0, ErrUnrepairable
			}
			s.stack = s.stack[:len(s.stack)-1]
			s.valueDone(i + 1)
		case c == ':':
			if len(s.stack) == 0 || s.top().phase != phaseColon {
				return 0, ErrUnrepairable
			}
			s.top().phase = phaseValue
		case c == ',':
			if len(s.stack) == 0 || s.top().phase != phaseNext {
				return 0, ErrUnrepairable
			}
			if s.top().obj {
				s.top().phase = phaseKey
			} else {
				s.top().phase = phaseValue
			}
		case c == '"':
			s.inString = true
			s.stringIsKey = len(s.stack) > 0 && s.top().obj && s.top().phase == phaseKey
			if !s.stringIsKey && !s.expectingValue() {
				return 0, ErrUnrepairable
			}
		default:
			if !s.expectingValue() || !isLiteralByte(c) {
				return 0, ErrUnrepairable
			}
			s.tokenStart = i
		}
	}
	return len(s.src), nil
}

func (s *scanner) finish(end int) (string, error) {
	out := s.src[:end]

	switch {
	case s.inString && s.stringIsKey:
		return "", ErrUnrepairable
	case s.inString:
		if s.escaped {
			out = out[:len(out)-1]
		}
		out = dropPartialUnicodeEscape(out) + `"`
		s.valueDone(len(out))
	case s.tokenStart >= 0:
		if json.Valid([]byte(s.src[s.tokenStart:end])) {
			s.valueDone(end)
		} else {
			out = s.src[:s.tokenStart]
		}
	}

	if len(s.stack) == 0 {
		if !s.topDone {
			return "", ErrUnrepairable
		}
		return strings.TrimSpace(out), nil
	}

	if top := s.top(); top.phase != phaseNext {
		out = s.src[:top.lastGood]
	}
	out = strings.TrimRight(out, " \t\r\n")

	var b strings.Builder
	b.Grow(len(out) + len(s.stack))
	b.WriteString(out)
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].obj {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), nil
}

func (s *scanner) top() *frame {
	return &s.stack[len(s.stack)-1]
}

func (s *scanner) expectingValue() bool {
	if len(s.stack) == 0 {
		return !s.topDone
	}
	return s.top().phase == phaseValue
}

func (s *scanner) valueDone(end int) {
	if len(s.stack) == 0 {
		s.topDone = true
		return
	}
	f := s.top()
	f.phase = phaseNext
	f.lastGood = end
}

// dropPartialUnicodeEscape removes a trailing \u escape with fewer than four hex digits.
func dropPartialUnicodeEscape(s string) string {
	idx := strings.LastIndex(s, `\u`)
	if idx < 0 || len(s)-idx >= 6 {
		return s
	}
	backslashes := 0
	for j := idx; j >= 0 && s[j] == '\\'; j-- {
		backslashes++
	}
	if backslashes%2 == 0 {
		return s
	}
	for _, c := range s[idx+2:] {
		if !isHex(byte(c)) {
			return s
		}
	}
	return s[:idx]
}

// StripCodeFences removes a surrounding markdown code fence, with or without
// a language tag. An unclosed fence is tolerated.
func StripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	s = strings.TrimSpace(s[nl+1:])
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isLiteralByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == '-', c == '+', c == '.':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
