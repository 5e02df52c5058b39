// Package storage 是文章、情绪记录、市场和告警的持久化层，关系库是唯一权威数据源。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/market"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

// Storage gorm 封装，可并发使用
type Storage struct {
	db *gorm.DB

	mu     sync.RWMutex
	byName map[string]marketRow
	byID   map[uint]marketRow
}

// Open 按配置打开数据库并迁移表结构
func Open(cfg config.DBConfig) (*Storage, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Path + "?_busy_timeout=5000&_foreign_keys=on")
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		dialector = postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn})
	default:
		return nil, fmt.Errorf("unknown db driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(logger.Log, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dm.ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dm.ErrStoreUnavailable, err)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite 单写者，串行化保证查重和插入的原子性
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.AutoMigrate(&marketRow{}, &articleRow{}, &sentimentRow{}, &alertRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Storage{
		db:     db,
		byName: make(map[string]marketRow),
		byID:   make(map[uint]marketRow),
	}, nil
}

// Close 关闭连接
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 连通性检查，失败时返回 dm.ErrStoreUnavailable
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", dm.ErrStoreUnavailable, err)
	}
	return nil
}

// SeedMarkets 写入白名单市场（幂等），并加载到内存
func (s *Storage) SeedMarkets(ctx context.Context, entries []market.Entry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			row := marketRow{Name: e.Name, Region: e.Region}
			if err := tx.Where(marketRow{Name: e.Name}).FirstOrCreate(&row).Error; err != nil {
				return fmt.Errorf("seed market %s: %w", e.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.loadMarkets(ctx)
}

func (s *Storage) loadMarkets(ctx context.Context) error {
	var rows []marketRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.byName[r.Name] = r
		s.byID[r.ID] = r
	}
	return nil
}

// Markets 全部市场，按名称排序
func (s *Storage) Markets(ctx context.Context) ([]dm.Market, error) {
	var rows []marketRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	out := make([]dm.Market, 0, len(rows))
	for _, r := range rows {
		out = append(out, dm.Market{ID: r.ID, Name: r.Name, Region: r.Region})
	}
	return out, nil
}

func (s *Storage) marketByName(name string) (marketRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byName[name]
	return r, ok
}

func (s *Storage) marketName(id uint) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Name
}

// Stats 各表计数，Chunks 由向量索引填充
func (s *Storage) Stats(ctx context.Context) (dm.Stats, error) {
	var st dm.Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&articleRow{}).Count(&st.Articles).Error; err != nil {
		return st, err
	}
	if err := db.Model(&marketRow{}).Count(&st.Markets).Error; err != nil {
		return st, err
	}
	if err := db.Model(&sentimentRow{}).Count(&st.Sentiments).Error; err != nil {
		return st, err
	}
	if err := db.Model(&alertRow{}).Where("status = ?", string(dm.AlertActive)).Count(&st.ActiveAlerts).Error; err != nil {
		return st, err
	}
	return st, nil
}

// isUniqueViolation 兼容 postgres 和 sqlite 的唯一约束冲突
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
