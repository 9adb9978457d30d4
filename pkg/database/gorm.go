// Package database 负责建立元数据库与 Redis 的连接。
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"regaudit-go/internal/config"
	"regaudit-go/pkg/log"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按配置的 driver 打开元数据库。
// sqlite 为默认驱动，数据库文件所在目录不存在时自动创建。
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	switch cfg.Driver {
	case "mysql", "postgres":
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	default:
		// 内存库每个连接都是独立的数据库，只能用一个连接
		if cfg.SQLitePath == ":memory:" {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	log.Infof("[Database] 元数据库连接成功, driver: %s", driverName(cfg))
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "db/chunks.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.Open(sqliteDSN(path)), nil
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database.dsn is required for driver mysql")
		}
		return mysql.Open(cfg.DSN), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database.dsn is required for driver postgres")
		}
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// sqliteDSN 打开 WAL 与忙等待，服务进程与运维 CLI 可以同时访问同一个文件。
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func driverName(cfg config.DatabaseConfig) string {
	if cfg.Driver == "" {
		return "sqlite"
	}
	return cfg.Driver
}
