// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/convobot/internal/model"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed conversation store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool

	// newID mints conversation ids. Replaced in tests.
	newID func() string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{
		db:    db,
		path:  path,
		newID: func() string { return uuid.New().String() },
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables and upgrades databases written before the
// active conversation pointer existed.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return err
	}
	if _, err := s.db.Exec(InitMetadata); err != nil {
		return err
	}

	has, err := s.hasColumn("user_settings", "active_conversation_id")
	if err != nil {
		return err
	}
	if !has {
		if _, err := s.db.Exec("ALTER TABLE user_settings ADD COLUMN active_conversation_id TEXT"); err != nil {
			return fmt.Errorf("add active_conversation_id: %w", err)
		}
	}
	_, err = s.db.Exec("UPDATE metadata SET value = ? WHERE key = 'schema_version'", fmt.Sprint(SchemaVersion))
	return err
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// PARTICIPANT SETTINGS
// =============================================================================

// Participant loads the stored settings of a participant.
func (s *Store) Participant(ctx context.Context, id int64) (model.Participant, error) {
	if err := s.check(); err != nil {
		return model.Participant{}, err
	}

	var (
		name       string
		authorized int
		active     sql.NullString
		created    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT model_name, is_authorized, active_conversation_id, created_at FROM user_settings WHERE user_id = ?",
		id,
	).Scan(&name, &authorized, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("query participant: %w", err)
	}

	p := model.Participant{
		ID:                   id,
		Variant:              model.DefaultVariant,
		Authorized:           authorized != 0,
		ActiveConversationID: active.String,
	}
	if v, ok := model.ParseVariant(name); ok {
		p.Variant = v
	}
	if created.Valid {
		p.CreatedAt = parseCreated(created.String)
	}
	return p, nil
}

// Model returns the participant's selected variant, or the default
// variant when the participant is unknown or holds an unrecognized name.
func (s *Store) Model(ctx context.Context, id int64) (model.Variant, error) {
	p, err := s.Participant(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.DefaultVariant, nil
	}
	if err != nil {
		return model.DefaultVariant, err
	}
	return p.Variant, nil
}

// SetModel stores the selected variant, keeping the authorization flag
// and creation time of an existing row.
func (s *Store) SetModel(ctx context.Context, id int64, v model.Variant) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, model_name) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET model_name = excluded.model_name`,
		id, string(v),
	)
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	return nil
}

// Authorized reports the stored authorization flag. Unknown participants
// are not authorized.
func (s *Store) Authorized(ctx context.Context, id int64) (bool, error) {
	p, err := s.Participant(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Authorized, nil
}

// Authorize marks the participant authorized and resets the selected
// variant to the default.
func (s *Store) Authorize(ctx context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, model_name, is_authorized) VALUES (?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET is_authorized = 1, model_name = excluded.model_name`,
		id, string(model.DefaultVariant),
	)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	return nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// ResolveConversation returns the participant's active conversation id.
//
// The explicit pointer wins; databases written before the pointer existed
// fall back to the conversation of the latest audit row. When neither
// exists a fresh id is minted. A minted id is not stored until an audit
// row is written under it.
func (s *Store) ResolveConversation(ctx context.Context, id int64) (string, error) {
	if err := s.check(); err != nil {
		return s.newID(), err
	}

	var active sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT active_conversation_id FROM user_settings WHERE user_id = ?", id,
	).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.newID(), fmt.Errorf("query active conversation: %w", err)
	}
	if active.Valid && active.String != "" {
		return active.String, nil
	}

	var latest string
	err = s.db.QueryRowContext(ctx,
		"SELECT conversation_id FROM interactions WHERE user_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1", id,
	).Scan(&latest)
	switch {
	case err == nil:
		return latest, nil
	case errors.Is(err, sql.ErrNoRows):
		return s.newID(), nil
	default:
		return s.newID(), fmt.Errorf("query latest interaction: %w", err)
	}
}

// RecentTurns returns at most limit of the newest turns of a conversation,
// ordered oldest first.
func (s *Store) RecentTurns(ctx context.Context, id int64, conversationID string, limit int) ([]model.Turn, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content, timestamp FROM conversation_context
			WHERE user_id = ? AND conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`,
		id, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, model.Turn{Role: model.Role(role), Content: content})
	}
	return turns, rows.Err()
}

// Turns returns the full conversation, oldest first.
func (s *Store) Turns(ctx context.Context, id int64, conversationID string) ([]model.ContextTurn, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM conversation_context
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY timestamp ASC, id ASC`,
		id, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []model.ContextTurn
	for rows.Next() {
		var (
			role, content string
			ts            float64
		)
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, model.ContextTurn{
			ParticipantID:  id,
			ConversationID: conversationID,
			Role:           model.Role(role),
			Content:        content,
			Timestamp:      fromUnix(ts),
		})
	}
	return turns, rows.Err()
}

// AppendTurn stores one context turn.
func (s *Store) AppendTurn(ctx context.Context, turn model.ContextTurn) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateTurn(turn); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTurn(ctx, tx, turn)
	})
}

// DeleteTurns removes every context turn of the participant and returns
// the number removed. Audit rows are never touched.
func (s *Store) DeleteTurns(ctx context.Context, id int64) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversation_context WHERE user_id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AppendAudit stores one audit row and moves the participant's active
// conversation pointer to its conversation, in one transaction.
func (s *Store) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateAudit(rec); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertAudit(ctx, tx, rec); err != nil {
			return err
		}
		return setActive(ctx, tx, rec.ParticipantID, rec.ConversationID)
	})
}

// RecordExchange persists a completed request: prompt and response audit
// rows plus the user and assistant context turns, in one transaction.
func (s *Store) RecordExchange(ctx context.Context, ex model.Exchange) error {
	if err := s.check(); err != nil {
		return err
	}

	prompt := model.AuditRecord{
		ParticipantID:  ex.ParticipantID,
		ConversationID: ex.ConversationID,
		Kind:           model.AuditPrompt,
		Content:        ex.Prompt,
		Tokens:         ex.PromptTokens,
		Cost:           ex.PromptCost,
		Timestamp:      ex.StartedAt,
		Model:          ex.Model,
	}
	response := model.AuditRecord{
		ParticipantID:  ex.ParticipantID,
		ConversationID: ex.ConversationID,
		Kind:           model.AuditResponse,
		Content:        ex.Response,
		Tokens:         ex.ResponseTokens,
		Cost:           ex.ResponseCost,
		Timestamp:      ex.FinishedAt,
		Model:          ex.Model,
	}
	userTurn := model.ContextTurn{
		ParticipantID:  ex.ParticipantID,
		ConversationID: ex.ConversationID,
		Role:           model.RoleUser,
		Content:        ex.Prompt,
		Timestamp:      ex.StartedAt,
	}
	assistantTurn := model.ContextTurn{
		ParticipantID:  ex.ParticipantID,
		ConversationID: ex.ConversationID,
		Role:           model.RoleAssistant,
		Content:        ex.Answer,
		Timestamp:      ex.FinishedAt,
	}

	for _, rec := range []model.AuditRecord{prompt, response} {
		if err := validateAudit(rec); err != nil {
			return err
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertAudit(ctx, tx, prompt); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, response); err != nil {
			return err
		}
		if err := insertTurn(ctx, tx, userTurn); err != nil {
			return err
		}
		if err := insertTurn(ctx, tx, assistantTurn); err != nil {
			return err
		}
		return setActive(ctx, tx, ex.ParticipantID, ex.ConversationID)
	})
}

// Usage totals the participant's billed requests. Bookkeeping rows are
// excluded.
func (s *Store) Usage(ctx context.Context, id int64) (model.Usage, error) {
	if err := s.check(); err != nil {
		return model.Usage{}, err
	}

	var (
		u           model.Usage
		first, last sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN message_type = 'prompt' THEN 1 END),
			COALESCE(SUM(CASE WHEN message_type = 'prompt' THEN tokens END), 0),
			COALESCE(SUM(CASE WHEN message_type = 'response' THEN tokens END), 0),
			COALESCE(SUM(cost), 0),
			MIN(timestamp),
			MAX(timestamp)
		FROM interactions
		WHERE user_id = ? AND model_name != ?`,
		id, model.SystemModel,
	).Scan(&u.Requests, &u.InputTokens, &u.OutputTokens, &u.TotalCost, &first, &last)
	if err != nil {
		return model.Usage{}, fmt.Errorf("query usage: %w", err)
	}
	if first.Valid {
		u.FirstSeen = fromUnix(first.Float64)
	}
	if last.Valid {
		u.LastSeen = fromUnix(last.Float64)
	}
	return u, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, rec model.AuditRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO interactions (user_id, conversation_id, message_type, content, tokens, cost, timestamp, model_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ParticipantID, rec.ConversationID, string(rec.Kind), rec.Content,
		rec.Tokens, rec.Cost, toUnix(rec.Timestamp), rec.Model,
	)
	if err != nil {
		return fmt.Errorf("insert %s record: %w", rec.Kind, err)
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, turn model.ContextTurn) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_context (user_id, conversation_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		turn.ParticipantID, turn.ConversationID, string(turn.Role), turn.Content, toUnix(turn.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert %s turn: %w", turn.Role, err)
	}
	return nil
}

func setActive(ctx context.Context, tx *sql.Tx, id int64, conversationID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, active_conversation_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET active_conversation_id = excluded.active_conversation_id`,
		id, conversationID,
	)
	if err != nil {
		return fmt.Errorf("set active conversation: %w", err)
	}
	return nil
}

func validateAudit(rec model.AuditRecord) error {
	switch {
	case !rec.Kind.Valid():
		return fmt.Errorf("%w: audit kind %q", ErrInvalidRecord, rec.Kind)
	case rec.Tokens < 0:
		return fmt.Errorf("%w: negative tokens", ErrInvalidRecord)
	case rec.Cost < 0 || math.IsNaN(rec.Cost):
		return fmt.Errorf("%w: invalid cost", ErrInvalidRecord)
	case rec.ConversationID == "":
		return fmt.Errorf("%w: empty conversation id", ErrInvalidRecord)
	}
	return nil
}

func validateTurn(turn model.ContextTurn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidRecord, turn.Role)
	}
	if turn.ConversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidRecord)
	}
	return nil
}

// parseCreated accepts both the SQLite CURRENT_TIMESTAMP text form and the
// RFC 3339 form database/sql produces when the driver returns a time value.
func parseCreated(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func toUnix(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
