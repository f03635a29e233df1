// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the domain types shared by the orchestrator.
//
// # Key Types
//
//   - Turn: Role-tagged message sent to the generation backend
//   - ContextTurn: Persisted conversation turn for one participant
//   - AuditRecord: Append-only accounting row (prompt, response, system)
//   - Variant: Backend model variant (chat or reasoner)
//   - Fragment: One piece of streamed backend output
//   - Envelope: Persisted form of a reasoning response
//
// # Usage
//
// Resolve a variant from a stored name:
//
//	v, ok := model.ParseVariant("reasoner")
//	if ok && v.IsReasoning() {
//	    // strict alternation rules apply
//	}
//
// Recover an answer from a persisted reasoning response:
//
//	answer, ok := model.ExtractAnswer(row.Content)
package model
