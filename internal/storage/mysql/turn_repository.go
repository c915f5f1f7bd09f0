package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"OpenMCP-Search/internal/memory"
)

// TurnRecord 表示一轮问答的落库结构。
type TurnRecord struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	Output    string `json:"output"`
	CreatedAt int64  `json:"created_at"`
}

// TurnRepository 抽象对话轮次的持久化接口。轮次只追加，不更新不删除。
type TurnRepository interface {
	Save(ctx context.Context, record *TurnRecord) error
	// ListBySession 按会话返回对话顺序的轮次，limit>0 时只保留最近 limit 轮。
	ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	// ListLatest 返回全局最近的轮次，按时间倒序排列。
	ListLatest(ctx context.Context, limit int) ([]TurnRecord, error)
}

// ErrUnsupportedDriver 在配置了未知存储驱动时返回。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// SinkAdapter 把 TurnRepository 适配成对话记忆的透写目标。
type SinkAdapter struct {
	repo TurnRepository
}

// NewSinkAdapter 创建透写适配器。
func NewSinkAdapter(repo TurnRepository) *SinkAdapter {
	return &SinkAdapter{repo: repo}
}

// SaveTurn 实现 memory.Sink。
func (a *SinkAdapter) SaveTurn(ctx context.Context, sessionID string, turn memory.Turn) error {
	return a.repo.Save(ctx, &TurnRecord{
		SessionID: sessionID,
		Input:     turn.Input,
		Output:    turn.Output,
		CreatedAt: turn.CreatedAt.Unix(),
	})
}

var _ memory.Sink = (*SinkAdapter)(nil)

// MemoryTurnRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryTurnRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TurnRecord
	nextID   int64
}

// NewMemoryTurnRepository 创建一个内存轮次仓库。
func NewMemoryTurnRepository(dataDir string) (*MemoryTurnRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "turns.log")
	repo := &MemoryTurnRepository{dataFile: path, nextID: 1}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录轮次。
func (m *MemoryTurnRepository) Save(_ context.Context, record *TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.ID = m.nextID
	m.nextID++

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开轮次日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化轮次记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入轮次日志失败: %w", err)
	}

	m.records = append([]TurnRecord{*record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListBySession 过滤指定会话的轮次并按对话顺序返回。
func (m *MemoryTurnRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// records 按新到旧存放，先收集再反转。
	var matched []TurnRecord
	for _, record := range m.records {
		if record.SessionID != sessionID {
			continue
		}
		matched = append(matched, record)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

// ListLatest 返回最近的轮次记录，按时间倒序排列。
func (m *MemoryTurnRepository) ListLatest(_ context.Context, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]TurnRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemoryTurnRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取轮次日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []TurnRecord
	for scanner.Scan() {
		var record TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID >= m.nextID {
			m.nextID = record.ID + 1
		}
		restored = append([]TurnRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析轮次日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLTurnRepository 使用真实的 MySQL 数据库存储对话轮次。
type SQLTurnRepository struct {
	db *sql.DB
}

// NewSQLTurnRepository 创建连接池并执行库表迁移。
func NewSQLTurnRepository(ctx context.Context, cfg Config) (*SQLTurnRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLTurnRepository{db: db}, nil
}

// Save 将轮次记录写入 MySQL。
func (s *SQLTurnRepository) Save(ctx context.Context, record *TurnRecord) error {
	const stmt = `INSERT INTO turns
        (session_id, input, output, created_at)
        VALUES (?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.Input,
		record.Output,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListBySession 查询指定会话的轮次并按对话顺序返回。
func (s *SQLTurnRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, input, output, created_at
        FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询轮次记录失败: %w", err)
	}
	defer rows.Close()

	records, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ListLatest 查询全局最近的若干条轮次记录。
func (s *SQLTurnRepository) ListLatest(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, input, output, created_at
        FROM turns ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询轮次记录失败: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]TurnRecord, error) {
	var records []TurnRecord
	for rows.Next() {
		var record TurnRecord
		if err := rows.Scan(&record.ID, &record.SessionID, &record.Input, &record.Output, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析轮次记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历轮次记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLTurnRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
