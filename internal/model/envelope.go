// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// envelopePrefix marks assistant turns persisted by a reasoning variant.
const envelopePrefix = `{"reasoning"`

// Envelope is the persisted form of a reasoning response.
type Envelope struct {
	Reasoning string `json:"reasoning"`
	Answer    string `json:"answer"`
}

// Encode renders the envelope as compact JSON with reasoning first.
func (e Envelope) Encode() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// IsEnvelope reports whether stored content looks like an envelope.
func IsEnvelope(content string) bool {
	return strings.HasPrefix(content, envelopePrefix)
}

// ExtractAnswer recovers the answer text from envelope content.
//
// The content is decoded as JSON first. When that fails (truncated or
// hand-edited rows) the value following the "answer": key is located by
// text search and read up to the next unescaped quote. ok is false when
// neither step yields an answer.
func ExtractAnswer(content string) (string, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(content), &env); err == nil {
		return env.Answer, true
	}
	return scanAnswer(content)
}

func scanAnswer(content string) (string, bool) {
	const key = `"answer":`
	idx := strings.Index(content, key)
	if idx < 0 {
		return "", false
	}
	rest := content[idx+len(key):]
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", false
	}
	rest = rest[open+1:]

	var b strings.Builder
	escaped := false
	for _, r := range rest {
		switch {
		case escaped:
			switch r {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(r)
			}
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			return b.String(), true
		default:
			b.WriteRune(r)
		}
	}
	return "", false
}
