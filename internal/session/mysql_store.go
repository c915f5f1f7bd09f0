package session

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录会话状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agent_sessions (
        id VARCHAR(64) PRIMARY KEY,
        query TEXT NOT NULL,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        answer MEDIUMTEXT,
        pending_input TEXT,
        turns INT NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_session_status (status),
        INDEX idx_session_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_sessions 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE agent_sessions ADD COLUMN pending_input TEXT AFTER answer`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 agent_sessions.pending_input 失败")
		}
	}
	if _, err := s.db.Exec(`ALTER TABLE agent_sessions ADD COLUMN turns INT NOT NULL DEFAULT 0 AFTER pending_input`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 agent_sessions.turns 失败")
		}
	}
	return nil
}

// Create 插入新的会话记录。
func (s *MySQLStore) Create(ctx context.Context, sess *Session) error {
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}

	now := time.Now().Unix()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	metadataValue, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话 metadata 失败")
	}

	const stmt = `INSERT INTO agent_sessions
        (id, query, metadata, status, answer, pending_input, turns, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', '', 0, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		sess.ID,
		sess.Query,
		metadataValue,
		sess.Status,
		sess.Attempts,
		sess.MaxRetries,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrSessionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入会话失败")
	}
	return nil
}

// Get 查询指定会话。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Session, error) {
	const stmt = `SELECT id, query, metadata, status, answer, pending_input, turns, attempts, max_retries,
        last_error, error_code, created_at, updated_at
        FROM agent_sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)

	var sess Session
	var metadata, answer, pendingInput, lastError sql.NullString

	if err := row.Scan(
		&sess.ID,
		&sess.Query,
		&metadata,
		&sess.Status,
		&answer,
		&pendingInput,
		&sess.Turns,
		&sess.Attempts,
		&sess.MaxRetries,
		&lastError,
		&sess.ErrorCode,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}

	decodedMetadata, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话 metadata 失败")
	}
	sess.Metadata = cloneMetadata(decodedMetadata)
	sess.Answer = answer.String
	sess.PendingInput = pendingInput.String
	sess.LastError = lastError.String
	return &sess, nil
}

// Claim 将会话标记为运行中并返回最新状态。
// 等待反馈的会话只有在写入补充输入后才允许领取。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Session, error) {
	const updateStmt = `UPDATE agent_sessions SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND attempts < max_retries
        AND (status IN (?, ?) OR (status = ? AND pending_input <> ''))`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusQueued,
		StatusFailed,
		StatusAwaitingInput,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		sess, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch sess.Status {
		case StatusCompleted:
			return sess, ErrSessionCompleted
		case StatusRunning:
			return sess, ErrSessionConflict
		default:
			if sess.Attempts >= sess.MaxRetries {
				return sess, ErrSessionExhausted
			}
			return sess, ErrSessionConflict
		}
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// MarkAwaitingInput 记录阶段性回答并把会话置为等待反馈。
func (s *MySQLStore) MarkAwaitingInput(ctx context.Context, id string, answer string) error {
	const stmt = `UPDATE agent_sessions SET status = ?, answer = ?, pending_input = '', turns = turns + 1,
        attempts = 0, last_error = '', error_code = '', updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusAwaitingInput, answer, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记会话等待反馈失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkCompleted 记录最终回答并结束会话。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, answer string) error {
	const stmt = `UPDATE agent_sessions SET status = ?, answer = ?, pending_input = '', turns = turns + 1,
        last_error = '', error_code = '', updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusCompleted, answer, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记会话完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkFailed 将会话标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE agent_sessions SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        attempts = CASE WHEN ? THEN max_retries ELSE attempts END WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记会话失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetPendingInput 暂存用户补充输入，仅对等待反馈的会话有效。
func (s *MySQLStore) SetPendingInput(ctx context.Context, id string, input string) error {
	if strings.TrimSpace(input) == "" {
		return xerrors.New(CodeSessionValidation, "补充内容不能为空")
	}

	const stmt = `UPDATE agent_sessions SET pending_input = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, input, now, id, StatusAwaitingInput)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入补充输入失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		sess, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if sess.Status == StatusCompleted {
			return ErrSessionCompleted
		}
		return ErrSessionNotAwaiting
	}
	return nil
}

// List 返回最近的会话。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Session, error) {
	opts.applyDefaults()

	query := `SELECT id, query, metadata, status, answer, pending_input, turns, attempts, max_retries,
        last_error, error_code, created_at, updated_at FROM agent_sessions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	sessions := make([]*Session, 0, opts.Limit)
	for rows.Next() {
		var sess Session
		var metadata, answer, pendingInput, lastError sql.NullString
		if err := rows.Scan(
			&sess.ID,
			&sess.Query,
			&metadata,
			&sess.Status,
			&answer,
			&pendingInput,
			&sess.Turns,
			&sess.Attempts,
			&sess.MaxRetries,
			&lastError,
			&sess.ErrorCode,
			&sess.CreatedAt,
			&sess.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话记录失败")
		}
		decodedMetadata, err := unmarshalMetadata(metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话列表 metadata 失败")
		}
		sess.Metadata = cloneMetadata(decodedMetadata)
		sess.Answer = answer.String
		sess.PendingInput = pendingInput.String
		sess.LastError = lastError.String
		sessCopy := sess
		sessions = append(sessions, &sessCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	return sessions, nil
}

// Stats 返回符合过滤条件的会话聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (SessionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS queued,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS awaiting_input,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM agent_sessions`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusQueued), string(StatusRunning), string(StatusAwaitingInput), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats SessionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Running,
		&stats.AwaitingInput,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return SessionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasAnswer != nil {
		if *opts.HasAnswer {
			conditions = append(conditions, "(answer IS NOT NULL AND answer <> '')")
		} else {
			conditions = append(conditions, "(answer IS NULL OR answer = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR query LIKE ? OR answer LIKE ? OR metadata LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
