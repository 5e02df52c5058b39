// Package scheduler 定时触发抓取流程。
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	dm "github.com/iWorld-y/estate_radar/app/estate_radar/pkg/model"
)

// Runner 执行一次抓取流程；Busy 表示流程确实在跑，而不是被跳过
type Runner interface {
	RunIngestionPass(ctx context.Context) (*dm.IngestionSummary, error)
	Busy() bool
}

// Scheduler 任务调度器
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	cfg     config.SchedulerConfig
	entry   cron.EntryID
	started atomic.Bool
	last    atomic.Pointer[dm.IngestionSummary]
}

// NewScheduler 创建任务调度器，上一次还没跑完时跳过本次触发
func NewScheduler(runner Runner, cfg config.SchedulerConfig) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1h"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Minute
	}
	cronLogger := cron.PrintfLogger(logger.Log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner: runner,
		cfg:    cfg,
	}
}

// Start 注册任务并启动调度器
func (s *Scheduler) Start() error {
	id, err := s.cron.AddFunc(s.cfg.Spec, s.Trigger)
	if err != nil {
		return err
	}
	s.entry = id
	s.cron.Start()
	s.started.Store(true)
	logger.Log.Infof("调度器已启动: %s", s.cfg.Spec)

	if s.cfg.RunOnStart {
		go s.Trigger()
	}
	return nil
}

// Stop 停止调度器并等待正在执行的任务结束
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.Swap(false) {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Log.Info("调度器已停止")
	case <-ctx.Done():
		logger.Log.Warn("等待调度任务结束超时")
	}
}

// Trigger 同步执行一次抓取流程，已有流程在跑时直接返回
func (s *Scheduler) Trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	summary, err := s.runner.RunIngestionPass(ctx)
	if errors.Is(err, dm.ErrPassInProgress) {
		logger.Log.Info("上一次抓取流程尚未结束，跳过本次触发")
		return
	}
	if err != nil {
		logger.Log.Errorf("定时抓取失败: %v", err)
	}
	if summary != nil {
		s.last.Store(summary)
	}
}

// State stopped / idle / running，running 以流程实际持有运行锁为准
func (s *Scheduler) State() string {
	switch {
	case !s.started.Load():
		return "stopped"
	case s.runner.Busy():
		return "running"
	default:
		return "idle"
	}
}

// Next 下一次触发时间，未启动时为零值
func (s *Scheduler) Next() time.Time {
	if !s.started.Load() {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// LastSummary 最近一次完成的流程统计
func (s *Scheduler) LastSummary() *dm.IngestionSummary {
	return s.last.Load()
}
