// Package token 维护 "plus-address" 令牌表，这是网关唯一的持久状态。
//
// 表结构沿用 TOKENS(TOKEN, ORGANIZER, ATTENDEE, ICALUID, DATESTAMP)，
// 并带格式版本标记以便将来迁移。
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver (pure Go)
)

// 令牌表格式版本
const schemaVersion = 1

// 版本表里的类型标记，区分同库的其他表
const schemaType = "MAILGATEWAYTOKENS"

var (
	// ErrNotFound 表示令牌不存在。这不是故障：未知令牌意味着
	// 来信不可信，调用方应丢弃该消息。
	ErrNotFound = errors.New("token not found")
)

// Record 是一行令牌映射
type Record struct {
	Token     string `db:"token"`
	Organizer string `db:"organizer"`
	Attendee  string `db:"attendee"`
	ICalUID   string `db:"icaluid"`
	DateStamp string `db:"datestamp"` // ISO 日期 yyyy-mm-dd
}

// Store 令牌表存储，支持 sqlite（默认）、mysql、postgres
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time // 测试注入
}

// Open 打开（必要时创建）令牌表
//
// driver 为 "sqlite" 时 dsn 是数据库文件路径（或 ":memory:"）。
func Open(driver, dsn string) (*Store, error) {
	driverName := driver
	if driver == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("creating token db directory: %w", err)
		}
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening token db: %w", err)
	}
	if driver == "sqlite" {
		// 单连接既串行化了写入，也让 ":memory:" 始终指向同一个库
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging token db: %w", err)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating token db: %w", err)
	}
	return s, nil
}

// Close 关闭底层数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate 建表并写入格式版本标记
func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS TOKENS (
			TOKEN     VARCHAR(36)  NOT NULL,
			ORGANIZER VARCHAR(255) NOT NULL,
			ATTENDEE  VARCHAR(255) NOT NULL,
			ICALUID   VARCHAR(255) NOT NULL,
			DATESTAMP VARCHAR(10)  NOT NULL,
			PRIMARY KEY (TOKEN),
			UNIQUE (ORGANIZER, ATTENDEE, ICALUID)
		)`,
		`CREATE TABLE IF NOT EXISTS SCHEMA_VERSION (
			VERSION INTEGER     NOT NULL,
			TYPE    VARCHAR(64) NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	var version int
	err := s.db.Get(&version, `SELECT COALESCE(MAX(VERSION), 0) FROM SCHEMA_VERSION`)
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		_, err = s.db.Exec(s.db.Rebind(
			`INSERT INTO SCHEMA_VERSION (VERSION, TYPE) VALUES (?, ?)`),
			schemaVersion, schemaType)
		return err
	case version > schemaVersion:
		return fmt.Errorf("token db format version %d is newer than supported version %d", version, schemaVersion)
	default:
		return nil
	}
}

// GetOrCreate 返回 (organizer, attendee, icaluid) 三元组的令牌。
//
// 同一三元组只会有一行：已存在时复用令牌并刷新 DATESTAMP（延长保留期），
// 不存在时生成 UUID 令牌插入。并发调用靠唯一约束收敛：插入冲突后重查。
// created 表示本次调用是否新建了令牌。
func (s *Store) GetOrCreate(ctx context.Context, organizer, attendee, icaluid string) (token string, created bool, err error) {
	today := s.today()

	selectQ := s.db.Rebind(
		`SELECT TOKEN FROM TOKENS WHERE ORGANIZER = ? AND ATTENDEE = ? AND ICALUID = ?`)

	err = s.db.GetContext(ctx, &token, selectQ, organizer, attendee, icaluid)
	if err == nil {
		// 刷新时间戳，防止被清除
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE TOKENS SET DATESTAMP = ? WHERE TOKEN = ?`), today, token)
		return token, false, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("looking up token: %w", err)
	}

	token = uuid.NewString()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO TOKENS (TOKEN, ORGANIZER, ATTENDEE, ICALUID, DATESTAMP) VALUES (?, ?, ?, ?, ?)`),
		token, organizer, attendee, icaluid, today)
	if err == nil {
		return token, true, nil
	}

	// 并发写入者抢先插入了同一三元组，重查一次
	if selErr := s.db.GetContext(ctx, &token, selectQ, organizer, attendee, icaluid); selErr == nil {
		_, updErr := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE TOKENS SET DATESTAMP = ? WHERE TOKEN = ?`), today, token)
		return token, false, updErr
	}
	return "", false, fmt.Errorf("creating token: %w", err)
}

// Lookup 按令牌解析真实身份；未知令牌返回 ErrNotFound
func (s *Store) Lookup(ctx context.Context, token string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(
		`SELECT TOKEN AS token, ORGANIZER AS organizer, ATTENDEE AS attendee,
		        ICALUID AS icaluid, DATESTAMP AS datestamp
		 FROM TOKENS WHERE TOKEN = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	return &rec, nil
}

// Delete 删除单个令牌
func (s *Store) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM TOKENS WHERE TOKEN = ?`), token)
	return err
}

// PurgeOlderThan 删除签发日期早于 cutoff 的所有令牌，返回删除行数。
// 只在进程启动时调用一次，不在热路径上定时执行。
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM TOKENS WHERE DATESTAMP < ?`), cutoff.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("purging tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// today 返回今天的 ISO 日期串；ISO 日期的字典序即时间序
func (s *Store) today() string {
	return s.now().Format("2006-01-02")
}
