package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/iWorld-y/estate_radar/app/display/internal/conf"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	drLogger "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/radar"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/scheduler"
)

// NewRadar 按核心配置组装系统，按需启动定时抓取
func NewRadar(c *conf.Radar, logger log.Logger) (*radar.Radar, func(), error) {
	helper := log.NewHelper(logger)
	if c == nil || c.ConfigPath == "" {
		return nil, nil, fmt.Errorf("radar.config_path is required")
	}

	cfg, err := config.LoadConfig(c.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	// 初始化核心日志
	if err := drLogger.InitLogger(cfg.Log.Level, cfg.Log.File); err != nil {
		helper.Errorf("Failed to init estate_radar logger: %v", err)
		_ = drLogger.InitLogger("info", "") // 降级处理
	}

	r, err := radar.New(context.Background(), cfg)
	if err != nil {
		helper.Errorf("Failed to init estate_radar: %v", err)
		return nil, nil, err
	}

	var sched *scheduler.Scheduler
	if c.Scheduler {
		sched = scheduler.NewScheduler(r, cfg.Scheduler)
		r.AttachScheduler(sched)
		if err := sched.Start(); err != nil {
			_ = r.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		helper.Info("Cleaning up estate_radar")
		if sched != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(ctx)
		}
		if err := r.Close(); err != nil {
			helper.Errorf("Failed to close estate_radar: %v", err)
		}
	}
	return r, cleanup, nil
}
