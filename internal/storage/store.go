package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatguard/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyDeleted is returned when a message was soft-deleted before.
	ErrAlreadyDeleted = errors.New("storage: message already deleted")
)

const messageColumns = `id, user_id, username, channel, content, toxicity_score, is_flagged, is_deleted, created_at`

// Store persists users, messages, flags and moderation actions.
type Store struct {
	db     *sqlx.DB
	driver string
	tail   *TailCache
	now    func() time.Time
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sqlx.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: strings.ToLower(driver),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithTailCache enables the redis channel window cache.
func (s *Store) WithTailCache(cache *TailCache) *Store {
	s.tail = cache
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// UpsertUser creates the user on first sight and touches updated_at otherwise.
func (s *Store) UpsertUser(ctx context.Context, username string) (*models.User, error) {
	now := s.now()
	var stmt string
	switch s.driver {
	case DriverMySQL:
		stmt = `INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`
	default:
		stmt = `INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(username) DO UPDATE SET updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, stmt, username, now, now); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	var user models.User
	if err := s.db.GetContext(ctx, &user,
		`SELECT id, username, created_at, updated_at FROM users WHERE username = ?`, username,
	); err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

// CreateMessage inserts an unclassified message.
func (s *Store) CreateMessage(ctx context.Context, user *models.User, channel, content string) (*models.Message, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, username, channel, content, is_flagged, is_deleted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, channel, content, false, false, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	s.tail.Invalidate(ctx, channel)
	return &models.Message{
		ID:        id,
		UserID:    user.ID,
		Author:    user.Username,
		Channel:   channel,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// GetMessage loads one message, deleted or not.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns the newest limit non-deleted messages of a channel,
// ordered oldest to newest.
func (s *Store) ListMessages(ctx context.Context, channel string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cached, version, ok := s.tail.Load(ctx, channel, limit)
	if ok {
		return cached, nil
	}

	messages := []*models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+messageColumns+` FROM messages WHERE channel = ? AND is_deleted = ? ORDER BY id DESC LIMIT ?`,
		channel, false, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	s.tail.Store(ctx, channel, limit, version, messages)
	return messages, nil
}

// RecordClassification stores a classification result together with its
// pending flag in one transaction; flag is nil when the message should not
// be flagged. Nothing is written if the message was classified before. The
// bools report whether the result was applied and whether a flag row was
// created. The message is reloaded either way.
func (s *Store) RecordClassification(ctx context.Context, id int64, score float64, flag *models.ModerationFlag) (msg *models.Message, applied, flagCreated bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET toxicity_score = ?, is_flagged = ? WHERE id = ? AND toxicity_score IS NULL`,
		score, flag != nil, id,
	)
	if err != nil {
		return nil, false, false, fmt.Errorf("update toxicity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, false, fmt.Errorf("toxicity rows affected: %w", err)
	}
	applied = affected > 0
	if applied && flag != nil {
		flag.MessageID = id
		if flagCreated, err = s.insertPendingFlag(ctx, tx, flag); err != nil {
			return nil, false, false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, false, false, fmt.Errorf("commit classification: %w", err)
	}

	msg, err = s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, false, err
	}
	if applied {
		s.tail.Invalidate(ctx, msg.Channel)
	}
	return msg, applied, flagCreated, nil
}

// CreatePendingFlag inserts a pending flag unless the message is deleted or
// already has a pending flag of the same type. The bool reports whether a
// row was written; on success flag.ID and flag.CreatedAt are filled in.
func (s *Store) CreatePendingFlag(ctx context.Context, flag *models.ModerationFlag) (bool, error) {
	return s.insertPendingFlag(ctx, s.db, flag)
}

func (s *Store) insertPendingFlag(ctx context.Context, exec sqlx.ExecerContext, flag *models.ModerationFlag) (bool, error) {
	now := s.now()
	details, err := flag.Details.Value()
	if err != nil {
		return false, fmt.Errorf("encode flag details: %w", err)
	}
	res, err := exec.ExecContext(ctx,
		`INSERT INTO moderation_flags (message_id, flag_type, confidence_score, details, status, created_at)
			SELECT id, ?, ?, ?, ?, ? FROM messages WHERE id = ? AND is_deleted = ?`,
		flag.FlagType, flag.ConfidenceScore, details, models.FlagPending, now, flag.MessageID, false,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("flag rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("flag id: %w", err)
	}
	flag.ID = id
	flag.Status = models.FlagPending
	flag.CreatedAt = now
	return true, nil
}

// ListFlags returns flags in the given status joined with their messages,
// newest first.
func (s *Store) ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.FlaggedMessage, error) {
	flagged := []*models.FlaggedMessage{}
	err := s.db.SelectContext(ctx, &flagged,
		`SELECT m.id AS message_id, m.username, m.content, m.channel, m.toxicity_score, m.created_at,
			f.id AS flag_id, f.flag_type, f.confidence_score, f.details, f.status
		FROM moderation_flags f
		JOIN messages m ON m.id = f.message_id
		WHERE f.status = ?
		ORDER BY f.created_at DESC, f.id DESC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return flagged, nil
}

// ListActions returns the audit trail of one message in creation order.
func (s *Store) ListActions(ctx context.Context, messageID int64) ([]*models.ModerationAction, error) {
	actions := []*models.ModerationAction{}
	err := s.db.SelectContext(ctx, &actions,
		`SELECT id, message_id, moderator_id, action_type, reason, created_at FROM moderation_actions WHERE message_id = ? ORDER BY id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// DeleteMessage soft-deletes a message, records the action and resolves
// every pending flag of the message in one transaction. It returns the
// number of flags resolved.
func (s *Store) DeleteMessage(ctx context.Context, action *models.ModerationAction) (resolved int, err error) {
	now := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_deleted = ? WHERE id = ? AND is_deleted = ?`,
		true, action.MessageID, false,
	)
	if err != nil {
		return 0, fmt.Errorf("delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message rows affected: %w", err)
	}

	var channel string
	if err = tx.GetContext(ctx, &channel, `SELECT channel FROM messages WHERE id = ?`, action.MessageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
			return 0, err
		}
		return 0, fmt.Errorf("load message channel: %w", err)
	}
	if affected == 0 {
		err = ErrAlreadyDeleted
		return 0, err
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO moderation_actions (message_id, moderator_id, action_type, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		action.MessageID, action.ModeratorID, action.ActionType, action.Reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	actionID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("action id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE moderation_flags SET status = ?, resolved_at = ? WHERE message_id = ? AND status = ?`,
		models.FlagResolved, now, action.MessageID, models.FlagPending,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve flags: %w", err)
	}
	flags, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flag rows affected: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete message: %w", err)
	}
	action.ID = actionID
	action.CreatedAt = now
	s.tail.Invalidate(ctx, channel)
	return int(flags), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
