package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/storage/sqldb"
)

// StoreConfig 描述审计后端的选择。
type StoreConfig struct {
	Backend         string
	FilePath        string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore 根据配置创建后端：memory、file、mysql 或 sqlite。
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.FilePath)
	case "mysql", "sqlite", "sqlite3":
		dialect, err := sqldb.ParseDialect(cfg.Backend)
		if err != nil {
			return nil, err
		}
		return OpenSQLStore(ctx, sqldb.Config{
			Dialect:         dialect,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的审计后端: %s", cfg.Backend)
	}
}
