package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatguard/internal/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Open connects to the database described by dbCfg.
func Open(dbType string, dbCfg config.DatabaseConfig) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", DriverSQLite:
		dsn := dbCfg.DSN
		if dsn == "" {
			if dbCfg.Path == "" {
				return nil, fmt.Errorf("sqlite path must be provided")
			}
			if dbCfg.Path != ":memory:" {
				if err := os.MkdirAll(filepath.Dir(dbCfg.Path), 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite directory: %w", err)
				}
			}
			dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbCfg.Path)
		}
		db, err = sqlx.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite serialises writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case DriverMySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if !strings.Contains(params, "parseTime") {
				params = strings.TrimPrefix(params+"&parseTime=true", "&")
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.User,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.Name,
				params,
			)
		}
		db, err = sqlx.Open(DriverMySQL, dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenMemory opens a migrated private in-memory sqlite database.
func OpenMemory() (*sqlx.DB, error) {
	db, err := Open(DriverSQLite, config.DatabaseConfig{DSN: ":memory:"})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, DriverSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sqlx.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				username TEXT NOT NULL,
				channel TEXT NOT NULL,
				content TEXT NOT NULL,
				toxicity_score REAL,
				is_flagged BOOLEAN NOT NULL DEFAULT 0,
				is_deleted BOOLEAN NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)`,
			`CREATE TABLE IF NOT EXISTS moderation_flags (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id INTEGER NOT NULL,
				flag_type TEXT NOT NULL,
				confidence_score REAL NOT NULL,
				details TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL,
				resolved_at DATETIME,
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_flags_pending ON moderation_flags(message_id, flag_type) WHERE status = 'pending'`,
			`CREATE INDEX IF NOT EXISTS idx_flags_status ON moderation_flags(status, created_at)`,
			`CREATE TABLE IF NOT EXISTS moderation_actions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id INTEGER NOT NULL,
				moderator_id INTEGER NOT NULL,
				action_type TEXT NOT NULL,
				reason TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_actions_message ON moderation_actions(message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_actions_created_at ON moderation_actions(created_at)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				username VARCHAR(255) NOT NULL UNIQUE,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				username VARCHAR(255) NOT NULL,
				channel VARCHAR(255) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				toxicity_score DOUBLE NULL,
				is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
				is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_channel (channel, id),
				INDEX idx_messages_created_at (created_at),
				CONSTRAINT fk_messages_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS moderation_flags (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				message_id BIGINT UNSIGNED NOT NULL,
				flag_type VARCHAR(50) NOT NULL,
				confidence_score DOUBLE NOT NULL,
				details TEXT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				pending_message_id BIGINT UNSIGNED AS (CASE WHEN status = 'pending' THEN message_id ELSE NULL END) STORED,
				created_at DATETIME(6) NOT NULL,
				resolved_at DATETIME(6) NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_flags_pending (pending_message_id, flag_type),
				INDEX idx_flags_message (message_id),
				INDEX idx_flags_status (status, created_at),
				CONSTRAINT fk_flags_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS moderation_actions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				message_id BIGINT UNSIGNED NOT NULL,
				moderator_id BIGINT UNSIGNED NOT NULL,
				action_type VARCHAR(50) NOT NULL,
				reason TEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_actions_message (message_id),
				INDEX idx_actions_created_at (created_at),
				CONSTRAINT fk_actions_message FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
