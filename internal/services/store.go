package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atlasvault/gotrader/internal/domain"
)

// Store 执行状态的持久化层（SQLite，WAL 模式）。
// 交易记录只有 PENDING 一个非终态；状态更新只允许 PENDING → 终态。
type Store struct {
	db *sql.DB
}

// OpenStore 打开数据库并执行迁移
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite 串行写
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  vault_address TEXT NOT NULL,
  strategy_slug TEXT NOT NULL,
  asset TEXT NOT NULL,
  direction INTEGER NOT NULL,
  size_usd REAL NOT NULL,
  fee_wei TEXT NOT NULL,
  tx_hash TEXT,
  status TEXT NOT NULL,
  error TEXT,
  gas_used INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_vault_created ON trades(vault_address, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);`,
		`
CREATE TABLE IF NOT EXISTS signal_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  vault_address TEXT NOT NULL,
  strategy_slug TEXT NOT NULL,
  asset TEXT NOT NULL,
  direction INTEGER NOT NULL,
  confidence REAL NOT NULL,
  size_fraction REAL NOT NULL,
  reason TEXT,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_logs_vault_ts ON signal_logs(vault_address, ts DESC);`,
		`
CREATE TABLE IF NOT EXISTS reconciliation_reports (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  vault_address TEXT NOT NULL,
  clean INTEGER NOT NULL,
  deltas_json TEXT NOT NULL,
  generated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_recon_vault_ts ON reconciliation_reports(vault_address, generated_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS performance_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  vault_address TEXT NOT NULL,
  tvl REAL NOT NULL,
  share_price REAL NOT NULL,
  unrealized_pnl REAL NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_perf_vault_ts ON performance_snapshots(vault_address, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTrade 写入新交易记录，空 ID 自动生成
func (s *Store) InsertTrade(ctx context.Context, rec *domain.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id, vault_address, strategy_slug, asset, direction, size_usd, fee_wei, tx_hash, status, error, gas_used, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, strings.ToLower(rec.VaultAddress), rec.StrategySlug, rec.Asset, int(rec.Direction),
		rec.SizeUSD, rec.FeeWei, rec.TxHash, string(rec.Status), rec.Error, rec.GasUsed,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert trade: %w", err)
	}
	return nil
}

// UpdateTradeStatus 状态跃迁：仅允许 PENDING → 终态。
// 已是终态的记录不可改写，返回错误。
func (s *Store) UpdateTradeStatus(ctx context.Context, id string, status domain.TradeStatus, txHash, errMsg string, gasUsed uint64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE trades SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash), error = ?, gas_used = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(status), txHash, errMsg, gasUsed,
		time.Now().UTC().Format(time.RFC3339Nano), id, string(domain.TradeStatusPending))
	if err != nil {
		return fmt.Errorf("store: update trade: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: trade %s not found or already terminal", id)
	}
	return nil
}

// PendingTrades 所有 PENDING 交易（对账器扫描用）
func (s *Store) PendingTrades(ctx context.Context) ([]domain.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT id, vault_address, strategy_slug, asset, direction, size_usd, fee_wei, tx_hash, status, error, gas_used, created_at, updated_at
FROM trades WHERE status = ? ORDER BY created_at ASC`, string(domain.TradeStatusPending))
}

// ConfirmedTradesByVault 金库全部已确认交易（时间正序，对账回放用）
func (s *Store) ConfirmedTradesByVault(ctx context.Context, vault string) ([]domain.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT id, vault_address, strategy_slug, asset, direction, size_usd, fee_wei, tx_hash, status, error, gas_used, created_at, updated_at
FROM trades WHERE vault_address = ? AND status = ? ORDER BY created_at ASC`, strings.ToLower(vault), string(domain.TradeStatusConfirmed))
}

// TradesByVault 金库最近的交易记录
func (s *Store) TradesByVault(ctx context.Context, vault string, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTrades(ctx, `SELECT id, vault_address, strategy_slug, asset, direction, size_usd, fee_wei, tx_hash, status, error, gas_used, created_at, updated_at
FROM trades WHERE vault_address = ? ORDER BY created_at DESC LIMIT ?`, strings.ToLower(vault), limit)
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var direction int
		var status, createdAt, updatedAt string
		var txHash, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.VaultAddress, &rec.StrategySlug, &rec.Asset, &direction,
			&rec.SizeUSD, &rec.FeeWei, &txHash, &status, &errMsg, &rec.GasUsed, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		rec.Direction = domain.Direction(direction)
		rec.Status = domain.TradeStatus(status)
		rec.TxHash = txHash.String
		rec.Error = errMsg.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertSignalLog 每个评估周期写一条信号日志
func (s *Store) InsertSignalLog(ctx context.Context, log *domain.SignalLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO signal_logs (vault_address, strategy_slug, asset, direction, confidence, size_fraction, reason, ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ToLower(log.VaultAddress), log.StrategySlug, log.Asset, int(log.Direction),
		log.Confidence, log.SizeFraction, log.Reason, log.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert signal log: %w", err)
	}
	return nil
}

// SignalLogsByVault 金库最近的信号日志
func (s *Store) SignalLogsByVault(ctx context.Context, vault string, limit int) ([]domain.SignalLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT vault_address, strategy_slug, asset, direction, confidence, size_fraction, reason, ts
FROM signal_logs WHERE vault_address = ? ORDER BY ts DESC LIMIT ?`, strings.ToLower(vault), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query signal logs: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalLog
	for rows.Next() {
		var log domain.SignalLog
		var direction int
		var ts string
		var reason sql.NullString
		if err := rows.Scan(&log.VaultAddress, &log.StrategySlug, &log.Asset, &direction,
			&log.Confidence, &log.SizeFraction, &reason, &ts); err != nil {
			return nil, fmt.Errorf("store: scan signal log: %w", err)
		}
		log.Direction = domain.Direction(direction)
		log.Reason = reason.String
		log.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, log)
	}
	return out, rows.Err()
}

// InsertReconciliationReport 落库对账报告（deltas 序列化为 JSON）
func (s *Store) InsertReconciliationReport(ctx context.Context, report *domain.ReconciliationReport) error {
	deltas, err := json.Marshal(report.Deltas)
	if err != nil {
		return fmt.Errorf("store: marshal deltas: %w", err)
	}
	clean := 0
	if report.Clean {
		clean = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO reconciliation_reports (vault_address, clean, deltas_json, generated_at)
VALUES (?, ?, ?, ?)`,
		strings.ToLower(report.VaultAddress), clean, string(deltas),
		report.GeneratedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert reconciliation report: %w", err)
	}
	return nil
}

// LatestReconciliationReport 金库最近一份对账报告
func (s *Store) LatestReconciliationReport(ctx context.Context, vault string) (*domain.ReconciliationReport, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT vault_address, clean, deltas_json, generated_at
FROM reconciliation_reports WHERE vault_address = ? ORDER BY generated_at DESC LIMIT 1`, strings.ToLower(vault))

	var report domain.ReconciliationReport
	var clean int
	var deltasJSON, generatedAt string
	if err := row.Scan(&report.VaultAddress, &clean, &deltasJSON, &generatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: query reconciliation report: %w", err)
	}
	report.Clean = clean == 1
	if err := json.Unmarshal([]byte(deltasJSON), &report.Deltas); err != nil {
		return nil, fmt.Errorf("store: unmarshal deltas: %w", err)
	}
	report.GeneratedAt, _ = time.Parse(time.RFC3339Nano, generatedAt)
	return &report, nil
}

// InsertPerformanceSnapshot 落库金库绩效快照
func (s *Store) InsertPerformanceSnapshot(ctx context.Context, snap *domain.VaultSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO performance_snapshots (vault_address, tvl, share_price, unrealized_pnl, ts)
VALUES (?, ?, ?, ?, ?)`,
		strings.ToLower(snap.VaultAddress), snap.TVL, snap.SharePrice, snap.UnrealizedPnL,
		snap.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert performance snapshot: %w", err)
	}
	return nil
}
