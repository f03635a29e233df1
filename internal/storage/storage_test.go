// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobot/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func audit(id int64, conv string, kind model.AuditKind, at time.Time) model.AuditRecord {
	return model.AuditRecord{
		ParticipantID:  id,
		ConversationID: conv,
		Kind:           kind,
		Content:        string(kind),
		Timestamp:      at,
		Model:          model.SystemModel,
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestModel_DefaultsForUnknownParticipant(t *testing.T) {
	store := newTestStore(t)
	v, err := store.Model(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVariant, v)
}

func TestSetModel_PreservesAuthorization(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Authorize(ctx, 1))
	require.NoError(t, store.SetModel(ctx, 1, model.VariantReasoner))

	p, err := store.Participant(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.Authorized)
	assert.Equal(t, model.VariantReasoner, p.Variant)
	assert.False(t, p.CreatedAt.IsZero(), "created_at should be populated")
}

func TestAuthorize_ResetsModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetModel(ctx, 1, model.VariantReasoner))
	ok, err := store.Authorized(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Authorize(ctx, 1))
	ok, err = store.Authorized(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := store.Model(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVariant, v)
}

func TestParticipant_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Participant(context.Background(), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModel_LegacyBackendName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.Exec("INSERT INTO user_settings (user_id, model_name) VALUES (5, 'deepseek-reasoner')")
	require.NoError(t, err)

	v, err := store.Model(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.VariantReasoner, v)
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestResolveConversation_MintsFreshID(t *testing.T) {
	store := newTestStore(t)
	store.newID = func() string { return "minted" }

	id, err := store.ResolveConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "minted", id)
}

func TestResolveConversation_FollowsActivePointer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AppendAudit(ctx, audit(1, "conv-a", model.AuditSystem, now)))
	require.NoError(t, store.AppendAudit(ctx, audit(1, "conv-b", model.AuditSystem, now.Add(time.Second))))

	id, err := store.ResolveConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "conv-b", id)
}

func TestResolveConversation_PointerBeatsTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// A later write with an older timestamp still moves the pointer.
	require.NoError(t, store.AppendAudit(ctx, audit(1, "conv-new", model.AuditSystem, now)))
	require.NoError(t, store.AppendAudit(ctx, audit(1, "conv-skewed", model.AuditSystem, now.Add(-time.Hour))))

	id, err := store.ResolveConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "conv-skewed", id)
}

func TestResolveConversation_LegacyRowsWithoutPointer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.Exec(`INSERT INTO interactions (user_id, conversation_id, message_type, content, tokens, cost, timestamp, model_name)
		VALUES (1, 'old', 'prompt', 'x', 0, 0, 100, 'deepseek-chat'), (1, 'newer', 'prompt', 'y', 0, 0, 200, 'deepseek-chat')`)
	require.NoError(t, err)

	id, err := store.ResolveConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "newer", id)
}

func TestRecentTurns_NewestInAscendingOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 15; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		require.NoError(t, store.AppendTurn(ctx, model.ContextTurn{
			ParticipantID:  1,
			ConversationID: "c",
			Role:           role,
			Content:        fmt.Sprintf("turn-%02d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	turns, err := store.RecentTurns(ctx, 1, "c", 10)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	assert.Equal(t, "turn-05", turns[0].Content)
	assert.Equal(t, "turn-14", turns[9].Content)
}

func TestRecentTurns_ScopedToConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, model.ContextTurn{ParticipantID: 1, ConversationID: "a", Role: model.RoleUser, Content: "in a"}))
	require.NoError(t, store.AppendTurn(ctx, model.ContextTurn{ParticipantID: 1, ConversationID: "b", Role: model.RoleUser, Content: "in b"}))
	require.NoError(t, store.AppendTurn(ctx, model.ContextTurn{ParticipantID: 2, ConversationID: "a", Role: model.RoleUser, Content: "other user"}))

	turns, err := store.RecentTurns(ctx, 1, "a", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "in a", turns[0].Content)
}

func TestAppendTurn_RejectsInvalidRole(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendTurn(context.Background(), model.ContextTurn{ParticipantID: 1, ConversationID: "c", Role: "system"})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestDeleteTurns_KeepsAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordExchange(ctx, model.Exchange{
		ParticipantID: 1, ConversationID: "c", Model: "deepseek-chat",
		Prompt: "q", PromptTokens: 3, StartedAt: now,
		Response: "a", Answer: "a", ResponseTokens: 1, FinishedAt: now.Add(time.Second),
	}))

	n, err := store.DeleteTurns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	turns, err := store.Turns(ctx, 1, "c")
	require.NoError(t, err)
	assert.Empty(t, turns)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM interactions WHERE user_id = 1").Scan(&count))
	assert.Equal(t, 2, count)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAppendAudit_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := []model.AuditRecord{
		{ParticipantID: 1, ConversationID: "c", Kind: "other"},
		{ParticipantID: 1, ConversationID: "c", Kind: model.AuditPrompt, Tokens: -1},
		{ParticipantID: 1, ConversationID: "c", Kind: model.AuditPrompt, Cost: -0.1},
		{ParticipantID: 1, Kind: model.AuditPrompt},
	}
	for i, rec := range bad {
		err := store.AppendAudit(ctx, rec)
		assert.ErrorIs(t, err, ErrInvalidRecord, "case %d", i)
	}
}

func TestRecordExchange_WritesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Now()
	end := start.Add(2 * time.Second)

	ex := model.Exchange{
		ParticipantID:  9,
		ConversationID: "conv",
		Model:          "deepseek-reasoner",
		Prompt:         "why?",
		PromptTokens:   12,
		PromptCost:     0.000007,
		StartedAt:      start,
		Response:       `{"reasoning":"r","answer":"because"}`,
		ResponseTokens: 4,
		ResponseCost:   0.000009,
		Answer:         "because",
		FinishedAt:     end,
	}
	require.NoError(t, store.RecordExchange(ctx, ex))

	turns, err := store.Turns(ctx, 9, "conv")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, "why?", turns[0].Content)
	assert.Equal(t, model.RoleAssistant, turns[1].Role)
	assert.Equal(t, "because", turns[1].Content)
	assert.WithinDuration(t, end, turns[1].Timestamp, time.Millisecond)

	var content string
	require.NoError(t, store.db.QueryRow(
		"SELECT content FROM interactions WHERE user_id = 9 AND message_type = 'response'",
	).Scan(&content))
	assert.Equal(t, ex.Response, content)

	conv, err := store.ResolveConversation(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "conv", conv)
}

func TestRecordExchange_RollsBackOnInvalidRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.RecordExchange(ctx, model.Exchange{ParticipantID: 1, ConversationID: "c", PromptTokens: -5})
	require.ErrorIs(t, err, ErrInvalidRecord)

	turns, err := store.Turns(ctx, 1, "c")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestUsage_ExcludesBookkeeping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AppendAudit(ctx, audit(1, "c", model.AuditSystem, now)))
	require.NoError(t, store.RecordExchange(ctx, model.Exchange{
		ParticipantID: 1, ConversationID: "c", Model: "deepseek-chat",
		Prompt: "q", PromptTokens: 10, PromptCost: 0.25, StartedAt: now,
		Response: "a", Answer: "a", ResponseTokens: 5, ResponseCost: 0.5, FinishedAt: now,
	}))

	u, err := store.Usage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Requests)
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 5, u.OutputTokens)
	assert.InDelta(t, 0.75, u.TotalCost, 1e-9)
	assert.False(t, u.LastSeen.IsZero())
}

func TestUsage_Empty(t *testing.T) {
	store := newTestStore(t)
	u, err := store.Usage(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, u.Requests)
	assert.True(t, u.FirstSeen.IsZero())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestOpen_UpgradesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE user_settings (
		user_id INTEGER PRIMARY KEY,
		model_name TEXT DEFAULT 'deepseek-chat',
		is_authorized BOOLEAN DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO user_settings (user_id, is_authorized) VALUES (3, 1)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.Authorized(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.AppendAudit(context.Background(), audit(3, "c", model.AuditSystem, time.Now())))
	conv, err := store.ResolveConversation(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "c", conv)
}

func TestClose_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Model(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.RecordExchange(ctx, model.Exchange{
				ParticipantID: int64(n % 4), ConversationID: "c", Model: "deepseek-chat",
				Prompt: "q", StartedAt: time.Now(), Response: "a", Answer: "a", FinishedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("RecordExchange: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM conversation_context").Scan(&count))
	assert.Equal(t, 40, count)
}
