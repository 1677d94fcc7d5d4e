package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SQLiteRepository 将触发器持久化到 SQLite，重启后可恢复。
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteRepository 创建仓库并初始化表结构。
func NewSQLiteRepository(db *sql.DB, logger *zap.Logger) (*SQLiteRepository, error) {
	if db == nil {
		return nil, errors.New("trigger: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &SQLiteRepository{
		db:     db,
		logger: logger,
	}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS triggers (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			token_address TEXT NOT NULL,
			kind TEXT NOT NULL,
			condition TEXT NOT NULL,
			target_price TEXT NOT NULL,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_status ON triggers(status);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_owner ON triggers(owner);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("trigger: 初始化表结构失败: %w", err)
		}
	}
	r.logger.Debug("触发器表结构已就绪")
	return nil
}

const selectColumns = `id, owner, token_address, kind, condition, target_price, amount, status,
	attempts, last_error, reason, created_at, updated_at`

func (r *SQLiteRepository) Get(ctx context.Context, id string) (Trigger, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Trigger{}, ErrNotFound
	}
	if err != nil {
		return Trigger{}, fmt.Errorf("trigger: 查询触发器失败: %w", err)
	}
	return t, nil
}

// Put 插入或更新，更新时保留原有插入序号。
func (r *SQLiteRepository) Put(ctx context.Context, t Trigger) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO triggers (id, owner, token_address, kind, condition, target_price, amount, status,
			attempts, last_error, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			token_address = excluded.token_address,
			kind = excluded.kind,
			condition = excluded.condition,
			target_price = excluded.target_price,
			amount = excluded.amount,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		t.ID, t.Owner, t.TokenAddress, string(t.Kind), string(t.Condition),
		t.TargetPrice.String(), t.Amount.String(), string(t.Status),
		t.Attempts, t.LastError, t.Reason,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("trigger: 写入触发器失败: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("trigger: 删除触发器失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Trigger, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM triggers ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("trigger: 查询触发器列表失败: %w", err)
	}
	defer rows.Close()

	out := make([]Trigger, 0)
	for rows.Next() {
		t, scanErr := scanTrigger(rows)
		if errors.Is(scanErr, errCorruptRow) {
			// 单条损坏记录不应拖垮整轮巡检
			r.logger.Warn("跳过无法解析的触发器记录", zap.String("trigger_id", t.ID), zap.Error(scanErr))
			continue
		}
		if scanErr != nil {
			return nil, fmt.Errorf("trigger: 解析触发器失败: %w", scanErr)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger: 读取触发器失败: %w", err)
	}
	return out, nil
}

var errCorruptRow = errors.New("trigger: 记录内容损坏")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (Trigger, error) {
	var (
		t                      Trigger
		kind, cond, status     string
		target, amount         string
		createdRaw, updatedRaw string
	)
	if err := row.Scan(&t.ID, &t.Owner, &t.TokenAddress, &kind, &cond, &target, &amount, &status,
		&t.Attempts, &t.LastError, &t.Reason, &createdRaw, &updatedRaw); err != nil {
		return Trigger{}, err
	}

	var err error
	if t.TargetPrice, err = decimal.NewFromString(target); err != nil {
		return Trigger{ID: t.ID}, fmt.Errorf("%w: target_price %q: %w", errCorruptRow, target, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Trigger{ID: t.ID}, fmt.Errorf("%w: amount %q: %w", errCorruptRow, amount, err)
	}
	t.Kind = Kind(kind)
	t.Condition = Condition(cond)
	t.Status = Status(status)
	t.CreatedAt = parseTime(createdRaw)
	t.UpdatedAt = parseTime(updatedRaw)
	return t, nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

var _ Repository = (*SQLiteRepository)(nil)
