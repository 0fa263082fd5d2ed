// Package sqlstore implements session.Store on MySQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"PolyChat/deploy/migrations"
	"PolyChat/internal/config"
	xerrors "PolyChat/internal/errors"
	"PolyChat/internal/session"
)

// Store persists conversations and messages through database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ session.Store = (*Store)(nil)

// New opens the database named by cfg and applies pending migrations.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := openDatabase(ctx, d, cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, dialect: d}

	files, err := migrations.For(d.name)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.runMigrations(ctx, files); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) fail(err error, op string) error {
	if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeConflict, err, op)
	}
	return xerrors.Wrap(xerrors.CodePersistenceFailure, err, op)
}

const insertMessageSQL = `INSERT INTO messages
    (id, conversation_id, user_id, role, content, model, feedback, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// AppendMessage implements session.Store.
func (s *Store) AppendMessage(ctx context.Context, msg *session.Message) error {
	if err := session.ValidateMessage(msg); err != nil {
		return err
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	result, err := s.db.ExecContext(ctx, insertMessageSQL,
		msg.ID, msg.ConversationID, msg.UserID, string(msg.Role), msg.Content, msg.Model, string(msg.Feedback), msg.CreatedAt)
	if err != nil {
		return s.fail(err, "append message")
	}
	if seq, err := result.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	return nil
}

const selectMessagesSQL = `SELECT id, conversation_id, user_id, role, content, model, feedback, created_at, seq
    FROM messages WHERE conversation_id = ? AND user_id = ?`

// FindMessages implements session.Store.
func (s *Store) FindMessages(ctx context.Context, conversationID, userID string, opts session.FindOptions) ([]*session.Message, error) {
	query, args := buildFindQuery(conversationID, userID, opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(err, "find messages")
	}
	defer rows.Close()

	list := make([]*session.Message, 0)
	for rows.Next() {
		var (
			msg      session.Message
			role     string
			feedback string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &role, &msg.Content, &msg.Model, &feedback, &msg.CreatedAt, &msg.Seq); err != nil {
			return nil, s.fail(err, "scan message")
		}
		msg.Role = session.Role(role)
		msg.Feedback = session.Feedback(feedback)
		list = append(list, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "iterate messages")
	}
	return list, nil
}

func buildFindQuery(conversationID, userID string, opts session.FindOptions) (string, []any) {
	var builder strings.Builder
	builder.WriteString(selectMessagesSQL)
	args := []any{conversationID, userID}

	if len(opts.IDs) > 0 {
		builder.WriteString(" AND id IN (")
		for i, id := range opts.IDs {
			if i > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString("?")
			args = append(args, id)
		}
		builder.WriteString(")")
	}

	if opts.Order == session.NewestFirst {
		builder.WriteString(" ORDER BY created_at DESC, seq DESC")
	} else {
		builder.WriteString(" ORDER BY created_at ASC, seq ASC")
	}
	if opts.Limit > 0 {
		builder.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}
	return builder.String(), args
}

// UpsertConversation implements session.Store.
func (s *Store) UpsertConversation(ctx context.Context, conv session.Conversation) error {
	if err := session.ValidateConversation(conv); err != nil {
		return err
	}
	if conv.CreatedAt == 0 {
		conv.CreatedAt = conv.UpdatedAt
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertSQL, conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return s.fail(err, "upsert conversation")
	}
	return nil
}

const selectConversationSQL = `SELECT id, user_id, title, created_at, updated_at FROM conversations`

// GetConversation implements session.Store.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (*session.Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectConversationSQL+` WHERE id = ? AND user_id = ?`, id, userID)
	var conv session.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, s.fail(err, "get conversation")
	}
	return &conv, nil
}

// ListConversations implements session.Store.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]*session.Conversation, error) {
	if limit <= 0 {
		limit = session.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectConversationSQL+` WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, s.fail(err, "list conversations")
	}
	defer rows.Close()

	list := make([]*session.Conversation, 0)
	for rows.Next() {
		var conv session.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, s.fail(err, "scan conversation")
		}
		list = append(list, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "iterate conversations")
	}
	return list, nil
}

// SetFeedback implements session.Store.
func (s *Store) SetFeedback(ctx context.Context, messageID, userID string, feedback session.Feedback) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET feedback = ? WHERE id = ? AND user_id = ?`, string(feedback), messageID, userID)
	if err != nil {
		return s.fail(err, "set feedback")
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}
	// MySQL reports zero rows when the value is unchanged.
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ? AND user_id = ?`, messageID, userID).Scan(&count); err != nil {
		return s.fail(err, "check message")
	}
	if count == 0 {
		return session.ErrNotFound
	}
	return nil
}

// DeleteConversation implements session.Store.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(err, "begin delete")
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		tx.Rollback()
		return s.fail(err, "delete conversation")
	}
	if affected, err := result.RowsAffected(); err != nil || affected == 0 {
		tx.Rollback()
		if err != nil {
			return s.fail(err, "delete conversation")
		}
		return session.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`, id, userID); err != nil {
		tx.Rollback()
		return s.fail(err, "delete messages")
	}
	if err := tx.Commit(); err != nil {
		return s.fail(err, "commit delete")
	}
	return nil
}

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() string {
	return s.dialect.name
}
