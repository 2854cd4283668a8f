// Package jsonx extracts structured records from free-form language model
// output that is expected to carry an embedded JSON object.
//
// Models rarely answer with bare JSON: the object usually arrives inside a
// markdown fence, behind a sentence of prose, or both. Extract tries the
// candidates in a fixed order and only fails when the final candidate does
// not decode.
package jsonx

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParse is matched by every error returned from Extract.
var ErrParse = errors.New("jsonx: no parsable JSON object in response")

// ParseError reports which candidate was tried and why decoding failed.
type ParseError struct {
	Candidate string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonx: invalid JSON in model response (%v): %s", e.Err, truncate(e.Candidate, 80))
}

// Unwrap exposes both ErrParse and the underlying decoder error.
func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Extract selects the most likely JSON substring of text and decodes it
// into a map.
//
// Selection order:
//  1. the body of the first fenced code block (``` or ```json)
//  2. the first balanced {...} span, found by brace depth
//  3. the whole trimmed text
//
// Braces inside JSON strings are not special-cased; such input may pick a
// wrong span and then fail to decode, which is reported as a ParseError.
func Extract(text string) (map[string]any, error) {
	candidate := Candidate(text)

	var out map[string]any
	if err := UnmarshalString(candidate, &out); err != nil {
		return nil, &ParseError{Candidate: candidate, Err: err}
	}
	if out == nil {
		// literal "null" decodes without error
		return nil, &ParseError{Candidate: candidate, Err: errors.New("top-level value is null")}
	}
	return out, nil
}

// Candidate returns the substring Extract would try to decode. It always
// returns some string, possibly empty, and never panics.
func Candidate(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		if body := strings.TrimSpace(m[1]); body != "" {
			return body
		}
	}
	if span, ok := balancedObject(text); ok {
		if span = strings.TrimSpace(span); span != "" {
			return span
		}
	}
	return strings.TrimSpace(text)
}

// balancedObject returns the span from the first '{' to the brace that
// brings the depth back to zero.
func balancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
