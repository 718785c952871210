// Package recovery repairs malformed JSON from generation providers.
// Models emit the right payload most of the time, but wrap it in markdown
// fences, annotate it with comments, or leave trailing commas. The pipeline
// runs a fixed sequence of increasingly aggressive repairs and stops at the
// first one that yields a parseable object.
package recovery

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnrecoverable is returned when no stage produces a parseable object.
var ErrUnrecoverable = errors.New("no parseable JSON object in response")

// Stage identifies which repair produced the parsed value. StageStrict means
// the text parsed cleanly after fence stripping alone — anything higher means
// the provider's output needed repair, which is worth tracking in logs.
type Stage int

const (
	StageStrict Stage = iota
	StageComments
	StageCommas
	StageCommentsCommas
	StageControlChars
	StageAllRepairs
	StageObjectSpan
	StageObjectSpanRepaired
)

// String returns a short label for logging.
func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageComments:
		return "comments"
	case StageCommas:
		return "commas"
	case StageCommentsCommas:
		return "comments+commas"
	case StageControlChars:
		return "control-chars"
	case StageAllRepairs:
		return "all-repairs"
	case StageObjectSpan:
		return "object-span"
	case StageObjectSpanRepaired:
		return "object-span-repaired"
	}
	return "unknown"
}

// Result is a successfully recovered payload.
type Result struct {
	JSON  []byte
	Stage Stage
}

// Clean reports whether the text parsed without any repair.
func (r *Result) Clean() bool {
	return r.Stage == StageStrict
}

// Decode unmarshals the recovered JSON into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.JSON, v)
}

// Recover runs the repair pipeline over raw provider output. The stage order
// is fixed: milder repairs are always tried before aggressive ones, and the
// whole pipeline is side-effect-free, so the same input always resolves at
// the same stage.
func Recover(raw string) (*Result, error) {
	text := stripFences(raw)

	if out, ok := strictParse(text); ok {
		return &Result{JSON: out, Stage: StageStrict}, nil
	}

	noComments := stripComments(text)
	if out, ok := strictParse(noComments); ok {
		return &Result{JSON: out, Stage: StageComments}, nil
	}

	if out, ok := strictParse(stripTrailingCommas(text)); ok {
		return &Result{JSON: out, Stage: StageCommas}, nil
	}

	combined := stripTrailingCommas(noComments)
	if out, ok := strictParse(combined); ok {
		return &Result{JSON: out, Stage: StageCommentsCommas}, nil
	}

	if out, ok := strictParse(normalizeControls(text)); ok {
		return &Result{JSON: out, Stage: StageControlChars}, nil
	}

	cleaned := normalizeControls(combined)
	if out, ok := strictParse(cleaned); ok {
		return &Result{JSON: out, Stage: StageAllRepairs}, nil
	}

	// Last resort: carve out the first {...} span from the cleaned text and
	// try again, with and without another repair pass over the span alone.
	span := extractObjectSpan(cleaned)
	if span != "" {
		if out, ok := strictParse(span); ok {
			return &Result{JSON: out, Stage: StageObjectSpan}, nil
		}
		repaired := normalizeControls(stripTrailingCommas(stripComments(span)))
		if out, ok := strictParse(repaired); ok {
			return &Result{JSON: out, Stage: StageObjectSpanRepaired}, nil
		}
	}

	return nil, ErrUnrecoverable
}

// strictParse accepts text only if it is a syntactically valid JSON object.
func strictParse(s string) ([]byte, bool) {
	t := strings.TrimSpace(s)
	if t == "" || t[0] != '{' {
		return nil, false
	}
	if !json.Valid([]byte(t)) {
		return nil, false
	}
	return []byte(t), true
}

// stripFences removes markdown code-fence wrapping. It first looks for a
// matched ```...``` pair and returns the content strictly between them;
// if no pair exists it trims stray open/close tokens independently.
func stripFences(raw string) string {
	if open := strings.Index(raw, "```"); open >= 0 {
		rest := raw[open+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Skip the language tag line (```json etc.).
			body := rest[nl+1:]
			if end := strings.Index(body, "```"); end >= 0 {
				return body[:end]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return rest[:end]
		}
	}

	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return s
}

// stripComments removes // line comments and /* block */ comments outside
// quoted strings. The scanner tracks escape sequences so a \" inside a
// string never flips the in-string state.
func stripComments(s string) string {
	var out []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}

		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				// Skip to end of line, keep the newline itself.
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					out = append(out, '\n')
				}
				continue
			case '*':
				i += 2
				for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
					i++
				}
				i++ // Lands on '/', the loop increment moves past it.
				continue
			}
		}

		out = append(out, c)
	}

	return string(out)
}

// stripTrailingCommas drops separators that hang immediately before a
// closing bracket or brace, e.g. {"a": 1,} or [1, 2,,].
func stripTrailingCommas(s string) string {
	var out []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '}' || c == ']':
			// Pop any commas (and the whitespace around them) hanging
			// before the close.
			for len(out) > 0 {
				last := out[len(out)-1]
				if last == ',' || last == ' ' || last == '\t' || last == '\n' || last == '\r' {
					out = out[:len(out)-1]
				} else {
					break
				}
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}

	return string(out)
}

// normalizeControls fixes raw control bytes inside quoted strings, which
// providers sometimes emit for multi-line narrative text. Newlines, carriage
// returns, and tabs become a single space; other control bytes are dropped.
// Text outside strings is left untouched.
func normalizeControls(s string) string {
	var out []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if !inString {
			out = append(out, c)
			if c == '"' {
				inString = true
			}
			continue
		}

		if escaped {
			out = append(out, c)
			escaped = false
			continue
		}

		switch {
		case c == '\\':
			out = append(out, c)
			escaped = true
		case c == '"':
			out = append(out, c)
			inString = false
		case c == '\n' || c == '\r' || c == '\t':
			out = append(out, ' ')
		case c < 0x20:
			// Dropped.
		default:
			out = append(out, c)
		}
	}

	return string(out)
}

// extractObjectSpan returns the substring from the first '{' to the last
// '}', or "" when no such span exists.
func extractObjectSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
