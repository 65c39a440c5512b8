// internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Corphon/StoryDirectorMCP/internal/errors"
	"github.com/Corphon/StoryDirectorMCP/internal/utils"

	_ "modernc.org/sqlite"
)

// 分区名称：每个分区一张表，按 id 键入
const (
	PartitionUsers      = "users"
	PartitionScripts    = "scripts"
	PartitionCharacters = "characters"
	PartitionChats      = "chats"
)

var partitions = map[string]bool{
	PartitionUsers:      true,
	PartitionScripts:    true,
	PartitionCharacters: true,
	PartitionChats:      true,
}

// Record 分区中的一条记录，Body 是JSON编码的实体
type Record struct {
	ID      string
	OwnerID string
	Body    []byte
}

// NewRecord 把实体编码为记录
func NewRecord(id, ownerID string, v interface{}) (Record, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("编码记录失败: %w", err)
	}
	return Record{ID: id, OwnerID: ownerID, Body: body}, nil
}

// Decode 把记录体解码到实体
func (r Record) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Store 提供基于SQLite的分区键值存储
// 所有多步写操作都在单个事务内完成
type Store struct {
	db      *sql.DB
	metrics *utils.EngineMetrics
}

// Open 打开（必要时创建）数据库并初始化分区表
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// SQLite单写者：限制连接数避免锁竞争
	db.SetMaxOpenConns(1)

	s := &Store{db: db, metrics: utils.NewEngineMetrics()}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for name := range partitions {
		_, err := s.db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				body TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`, name))
		if err != nil {
			return fmt.Errorf("创建分区表 %s 失败: %w", name, err)
		}
		_, err = s.db.Exec(fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id);`, name, name))
		if err != nil {
			return fmt.Errorf("创建分区索引 %s 失败: %w", name, err)
		}
	}
	return nil
}

// Close 关闭底层数据库
func (s *Store) Close() error {
	return s.db.Close()
}

func checkPartition(partition string) error {
	if !partitions[partition] {
		return apperrors.NewValidationError(fmt.Sprintf("未知分区: %s", partition), nil)
	}
	return nil
}

// Get 按ID读取一条记录
func (s *Store) Get(ctx context.Context, partition, id string) (*Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}

	var rec Record
	var body string
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, owner_id, body FROM %s WHERE id = ?`, partition), id)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("记录不存在: %s/%s", partition, id), err)
		}
		return nil, fmt.Errorf("读取记录失败: %w", err)
	}
	rec.Body = []byte(body)
	return &rec, nil
}

// GetAll 读取分区内所有记录
func (s *Store) GetAll(ctx context.Context, partition string) ([]Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		fmt.Sprintf(`SELECT id, owner_id, body FROM %s ORDER BY id`, partition))
}

// GetAllForOwner 读取某个用户在分区内的所有记录
func (s *Store) GetAllForOwner(ctx context.Context, partition, ownerID string) ([]Record, error) {
	if err := checkPartition(partition); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx,
		fmt.Sprintf(`SELECT id, owner_id, body FROM %s WHERE owner_id = ? ORDER BY id`, partition),
		ownerID)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var body string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &body); err != nil {
			return nil, fmt.Errorf("扫描记录失败: %w", err)
		}
		rec.Body = []byte(body)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历记录失败: %w", err)
	}
	return records, nil
}

// Put 插入或覆盖一条记录
func (s *Store) Put(ctx context.Context, partition string, rec Record) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			body = excluded.body,
			updated_at = excluded.updated_at`, partition),
		rec.ID, rec.OwnerID, string(rec.Body), now)
	if err != nil {
		return apperrors.NewStoreTransactionError("写入记录失败", err)
	}
	return nil
}

// PutAll 在单个事务内写入一批记录
// 任一条失败整体回滚，不会留下半截导入
func (s *Store) PutAll(ctx context.Context, partition string, recs []Record) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreTransactionError("开启事务失败", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, owner_id, body, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = excluded.owner_id,
				body = excluded.body,
				updated_at = excluded.updated_at`, partition),
			rec.ID, rec.OwnerID, string(rec.Body), now); err != nil {
			return apperrors.NewStoreTransactionError("批量写入记录失败", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStoreTransactionError("提交事务失败", err)
	}
	return nil
}

// Delete 按ID删除一条记录（不存在时不报错）
func (s *Store) Delete(ctx context.Context, partition, id string) error {
	if err := checkPartition(partition); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, partition), id)
	if err != nil {
		return apperrors.NewStoreTransactionError("删除记录失败", err)
	}
	return nil
}

// Reconcile 把分区内某个用户的记录收敛为期望集合
//
// 单个事务内完成：先删除该用户名下期望集合中不存在的ID，再逐条upsert；
// 其他用户的记录不受影响。任一步失败整体回滚，存储保持原状。
func (s *Store) Reconcile(ctx context.Context, partition, ownerID string, desired []Record) error {
	if err := checkPartition(partition); err != nil {
		return err
	}

	started := time.Now()
	err := s.reconcileTx(ctx, partition, ownerID, desired)
	s.metrics.RecordReconcile(partition, time.Since(started), err)
	return err
}

func (s *Store) reconcileTx(ctx context.Context, partition, ownerID string, desired []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreTransactionError("开启事务失败", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// 现存ID集合（仅限该用户）
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE owner_id = ?`, partition), ownerID)
	if err != nil {
		return apperrors.NewStoreTransactionError("读取现存记录失败", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return apperrors.NewStoreTransactionError("扫描现存记录失败", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperrors.NewStoreTransactionError("遍历现存记录失败", err)
	}
	rows.Close()

	desiredIDs := make(map[string]bool, len(desired))
	for _, rec := range desired {
		desiredIDs[rec.ID] = true
	}

	// 删除期望集合中不存在的记录
	for id := range existing {
		if desiredIDs[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND owner_id = ?`, partition),
			id, ownerID); err != nil {
			return apperrors.NewStoreTransactionError("删除多余记录失败", err)
		}
	}

	// upsert 全部期望记录
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range desired {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, owner_id, body, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = excluded.owner_id,
				body = excluded.body,
				updated_at = excluded.updated_at`, partition),
			rec.ID, rec.OwnerID, string(rec.Body), now); err != nil {
			return apperrors.NewStoreTransactionError("写入期望记录失败", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStoreTransactionError("提交事务失败", err)
	}
	return nil
}
