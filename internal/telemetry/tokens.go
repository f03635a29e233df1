// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jeranaias/convobot/internal/model"
)

const (
	// perMessageOverhead is charged for every turn regardless of content.
	perMessageOverhead = 4

	// replyPriming is charged once per request for the assistant reply header.
	replyPriming = 2
)

// Estimator approximates the token count of a piece of text.
type Estimator func(text string) int

var (
	estimatorsMu sync.RWMutex
	estimators   = map[model.Variant]Estimator{}
)

// RegisterEstimator installs a variant-specific estimator.
// Variants without one use EstimateTokens.
func RegisterEstimator(v model.Variant, fn Estimator) {
	estimatorsMu.Lock()
	defer estimatorsMu.Unlock()
	if fn == nil {
		delete(estimators, v)
		return
	}
	estimators[v] = fn
}

func estimatorFor(v model.Variant) Estimator {
	estimatorsMu.RLock()
	defer estimatorsMu.RUnlock()
	if fn, ok := estimators[v]; ok {
		return fn
	}
	return EstimateTokens
}

// EstimateTokens approximates the token count of text.
// Blend of a word estimate and a four-characters-per-token estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	n := (words + chars/4) / 2
	if n == 0 {
		n = 1
	}
	return n
}

// CountTokens estimates the prompt size of a turn list sent to variant v.
// Each turn costs a fixed overhead plus the estimate of its role and
// content; the request as a whole costs a small priming constant.
func CountTokens(turns []model.Turn, v model.Variant) int {
	estimate := estimatorFor(v)

	total := 0
	for _, t := range turns {
		total += perMessageOverhead
		total += estimate(string(t.Role))
		total += estimate(t.Content)
	}
	return total + replyPriming
}
