// Package sqlite provides the durable RequestStore backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/errandlabs/errand/internal/domain"
)

// Store implements ports.RequestStore on SQLite. Request rows carry a
// version column; updates are compare-and-swap on (id, version) so
// concurrent writers never silently overwrite each other.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database at dsn and runs migrations.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	// In-memory SQLite gives each connection its own database. Keep a
	// single connection so schema and data survive across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, &domain.StorageError{Op: "pragma", Err: err}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			context TEXT,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			current_step TEXT,
			result TEXT,
			error TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			conversation_id TEXT,
			session_id TEXT,
			user_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			session_id TEXT NOT NULL UNIQUE,
			title TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			execution_time REAL,
			tokens_used INTEGER,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_analytics (
			conversation_id TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL,
			avg_response_time REAL NOT NULL,
			total_tokens INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			computed_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return &domain.StorageError{Op: "migrate", Err: fmt.Errorf("%w\n%s", err, m)}
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request. The stored version starts at 1.
func (s *Store) CreateRequest(ctx context.Context, req *domain.Request) error {
	reqCtx, _ := json.Marshal(req.Context)
	result, _ := json.Marshal(req.Result)
	errDetail, _ := json.Marshal(req.Error)
	req.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, query, context, status, progress, current_step, result, error,
			version, conversation_id, session_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Query, nullJSON(reqCtx), string(req.Status), req.Progress,
		nullString(req.CurrentStep), nullJSON(result), nullJSON(errDetail),
		req.Version, nullString(req.ConversationID), nullString(req.SessionID),
		nullString(req.UserID), req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return &domain.StorageError{Op: "create request", Err: err}
	}
	return nil
}

// GetRequest retrieves a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, context, status, progress, current_step, result, error,
			version, conversation_id, session_id, user_id, created_at, updated_at
		FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// UpdateRequest writes back a previously read request. The write only
// lands when the stored version still matches the read version; a
// mismatch returns a conflicting StorageError and the caller re-reads.
func (s *Store) UpdateRequest(ctx context.Context, req *domain.Request) error {
	reqCtx, _ := json.Marshal(req.Context)
	result, _ := json.Marshal(req.Result)
	errDetail, _ := json.Marshal(req.Error)
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET query = ?, context = ?, status = ?, progress = ?, current_step = ?,
			result = ?, error = ?, version = version + 1, conversation_id = ?, session_id = ?,
			user_id = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		req.Query, nullJSON(reqCtx), string(req.Status), req.Progress,
		nullString(req.CurrentStep), nullJSON(result), nullJSON(errDetail),
		nullString(req.ConversationID), nullString(req.SessionID), nullString(req.UserID),
		time.Now().UTC(), req.ID, req.Version)
	if err != nil {
		return &domain.StorageError{Op: "update request", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.StorageError{Op: "update request", Err: err}
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM requests WHERE id = ?)`, req.ID).Scan(&exists); err == nil && !exists {
			return domain.ErrNotFound
		}
		return &domain.StorageError{Op: "update request", Conflict: true,
			Err: fmt.Errorf("version %d is stale for request %s", req.Version, req.ID)}
	}
	req.Version++
	return nil
}

// ListRequests returns requests matching the filter, most recent first.
func (s *Store) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.Request, error) {
	query := `SELECT id, query, context, status, progress, current_step, result, error,
		version, conversation_id, session_id, user_id, created_at, updated_at
	FROM requests`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StorageError{Op: "list requests", Err: err}
	}
	defer rows.Close()

	var out []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "list requests", Err: err}
	}
	return out, nil
}

// CreateConversation inserts a conversation. The session id is unique;
// concurrent creation for the same session fails on the second writer.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, session_id, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, nullString(conv.UserID), conv.SessionID, nullString(conv.Title),
		string(conv.Status), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return &domain.StorageError{Op: "create conversation", Err: err}
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, title, status, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationBySession retrieves the conversation owning a session.
func (s *Store) GetConversationBySession(ctx context.Context, sessionID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, title, status, created_at, updated_at
		FROM conversations WHERE session_id = ?`, sessionID)
	return scanConversation(row)
}

// ListConversations returns conversations most recently updated first,
// plus the total count matching the filter before pagination.
func (s *Store) ListConversations(ctx context.Context, filter domain.ConversationFilter) ([]*domain.Conversation, int, error) {
	where := ""
	var args []any
	if filter.UserID != "" {
		where = ` WHERE user_id = ?`
		args = append(args, filter.UserID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+where, args...).Scan(&total); err != nil {
		return nil, 0, &domain.StorageError{Op: "list conversations", Err: err}
	}

	query := `SELECT id, user_id, session_id, title, status, created_at, updated_at
	FROM conversations` + where + ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &domain.StorageError{Op: "list conversations", Err: err}
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &domain.StorageError{Op: "list conversations", Err: err}
	}
	return out, total, nil
}

// UpdateConversationStatus moves a conversation to a new lifecycle state.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status domain.ConversationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return &domain.StorageError{Op: "update conversation", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and everything hanging off
// it in one transaction. Either all rows go or none do.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "delete conversation", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_analytics WHERE conversation_id = ?`, id); err != nil {
		return &domain.StorageError{Op: "delete conversation", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return &domain.StorageError{Op: "delete conversation", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return &domain.StorageError{Op: "delete conversation", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "delete conversation", Err: err}
	}
	return nil
}

// AppendMessage adds a message to a conversation and bumps the
// conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	metadata, _ := json.Marshal(msg.Metadata)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "append message", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, type, content, metadata, execution_time, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Type), msg.Content, nullJSON(metadata),
		msg.ExecutionTime, msg.TokensUsed, msg.CreatedAt)
	if err != nil {
		return &domain.StorageError{Op: "append message", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.ConversationID); err != nil {
		return &domain.StorageError{Op: "append message", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "append message", Err: err}
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, type, content, metadata, execution_time, tokens_used, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list messages", Err: err}
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SearchMessages performs a case-insensitive substring search over
// message content, most recent first, with optional user, session, and
// date-range filters. Returns the page plus the total match count.
func (s *Store) SearchMessages(ctx context.Context, q domain.SearchQuery) ([]*domain.Message, int, error) {
	where := []string{`LOWER(m.content) LIKE ?`}
	args := []any{"%" + strings.ToLower(q.Keyword) + "%"}
	if q.UserID != "" {
		where = append(where, `c.user_id = ?`)
		args = append(args, q.UserID)
	}
	if q.SessionID != "" {
		where = append(where, `c.session_id = ?`)
		args = append(args, q.SessionID)
	}
	if q.From != nil {
		where = append(where, `m.created_at >= ?`)
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		where = append(where, `m.created_at <= ?`)
		args = append(args, q.To.UTC())
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m JOIN conversations c ON c.id = m.conversation_id WHERE `+cond,
		args...).Scan(&total); err != nil {
		return nil, 0, &domain.StorageError{Op: "search messages", Err: err}
	}

	query := `SELECT m.id, m.conversation_id, m.type, m.content, m.metadata, m.execution_time, m.tokens_used, m.created_at
	FROM messages m JOIN conversations c ON c.id = m.conversation_id
	WHERE ` + cond + ` ORDER BY m.created_at DESC, m.id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &domain.StorageError{Op: "search messages", Err: err}
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// GetAnalytics returns the stored analytics view for a conversation.
func (s *Store) GetAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error) {
	var a domain.Analytics
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, message_count, avg_response_time, total_tokens, success_rate, computed_at
		FROM conversation_analytics WHERE conversation_id = ?`, conversationID).
		Scan(&a.ConversationID, &a.MessageCount, &a.AvgResponseTime, &a.TotalTokens, &a.SuccessRate, &a.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get analytics", Err: err}
	}
	return &a, nil
}

// RecomputeAnalytics rebuilds a conversation's analytics from its
// messages and upserts the result.
func (s *Store) RecomputeAnalytics(ctx context.Context, conversationID string) (*domain.Analytics, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	a := domain.ComputeAnalytics(conversationID, msgs)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_analytics (conversation_id, message_count, avg_response_time, total_tokens, success_rate, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			message_count = excluded.message_count,
			avg_response_time = excluded.avg_response_time,
			total_tokens = excluded.total_tokens,
			success_rate = excluded.success_rate,
			computed_at = excluded.computed_at`,
		a.ConversationID, a.MessageCount, a.AvgResponseTime, a.TotalTokens, a.SuccessRate, a.ComputedAt)
	if err != nil {
		return nil, &domain.StorageError{Op: "recompute analytics", Err: err}
	}
	return a, nil
}

// UsageAnalytics aggregates a user's activity over the last N days.
func (s *Store) UsageAnalytics(ctx context.Context, userID string, days int) (*domain.UsageAnalytics, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	u := &domain.UsageAnalytics{PeriodDays: days}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND created_at >= ?`,
		userID, since).Scan(&u.TotalConversations)
	if err != nil {
		return nil, &domain.StorageError{Op: "usage analytics", Err: err}
	}

	var avg sql.NullFloat64
	var tokens sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(CASE WHEN m.type = 'agent_response' THEN m.execution_time END), SUM(m.tokens_used)
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE c.user_id = ? AND m.created_at >= ?`,
		userID, since).Scan(&u.TotalMessages, &avg, &tokens)
	if err != nil {
		return nil, &domain.StorageError{Op: "usage analytics", Err: err}
	}
	if avg.Valid {
		u.AvgResponseTime = avg.Float64
	}
	if tokens.Valid {
		u.TotalTokens = int(tokens.Int64)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.Request, error) {
	var req domain.Request
	var reqCtx, currentStep, result, errDetail, convID, sessionID, userID sql.NullString
	err := row.Scan(&req.ID, &req.Query, &reqCtx, &req.Status, &req.Progress, &currentStep,
		&result, &errDetail, &req.Version, &convID, &sessionID, &userID,
		&req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "scan request", Err: err}
	}
	req.CurrentStep = currentStep.String
	req.ConversationID = convID.String
	req.SessionID = sessionID.String
	req.UserID = userID.String
	if reqCtx.Valid {
		json.Unmarshal([]byte(reqCtx.String), &req.Context)
	}
	if result.Valid {
		json.Unmarshal([]byte(result.String), &req.Result)
	}
	if errDetail.Valid {
		json.Unmarshal([]byte(errDetail.String), &req.Error)
	}
	return &req, nil
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var userID, title sql.NullString
	err := row.Scan(&conv.ID, &userID, &conv.SessionID, &title, &conv.Status,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "scan conversation", Err: err}
	}
	conv.UserID = userID.String
	conv.Title = title.String
	return &conv, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		var metadata sql.NullString
		var execTime sql.NullFloat64
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Content, &metadata,
			&execTime, &tokens, &m.CreatedAt); err != nil {
			return nil, &domain.StorageError{Op: "scan message", Err: err}
		}
		if metadata.Valid {
			json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		m.ExecutionTime = execTime.Float64
		m.TokensUsed = int(tokens.Int64)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "scan messages", Err: err}
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) sql.NullString {
	s := string(b)
	if s == "" || s == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
