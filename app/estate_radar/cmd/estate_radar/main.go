package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/config"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/logger"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/radar"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/scheduler"
)

var (
	flagConf    = flag.String("conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
	flagOnce    = flag.Bool("once", false, "run a single ingestion pass and exit")
	flagIngest  = flag.String("ingest", "", "comma separated article URLs to ingest")
	flagAsk     = flag.String("ask", "", "ask a question against the indexed articles")
	flagRebuild = flag.Bool("rebuild-index", false, "rebuild the vector index from the database")
)

func main() {
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*flagConf)
	if err != nil {
		log.Fatalf("无法加载配置文件: %v", err)
	}

	// 2. 初始化日志
	if err = logger.InitLogger(cfg.Log.Level, cfg.Log.File); err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	logger.Log.Info("启动房地产情绪雷达...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 组装系统
	r, err := radar.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("初始化失败: %v", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Log.Errorf("关闭失败: %v", err)
		}
	}()

	// 4. 一次性命令
	switch {
	case *flagRebuild:
		n, err := r.RebuildIndex(ctx)
		if err != nil {
			logger.Log.Errorf("重建索引失败: %v", err)
			return
		}
		fmt.Printf("indexed %d chunks\n", n)
		return

	case *flagIngest != "":
		summary, err := r.IngestURLs(ctx, splitURLs(*flagIngest))
		if err != nil {
			logger.Log.Errorf("导入失败: %v", err)
		}
		printJSON(summary)
		return

	case *flagAsk != "":
		answer, err := r.AnswerQuestion(ctx, *flagAsk)
		if err != nil {
			logger.Log.Errorf("问答失败: %v", err)
			return
		}
		printJSON(answer)
		return

	case *flagOnce:
		summary, err := r.RunIngestionPass(ctx)
		if err != nil {
			logger.Log.Errorf("抓取流程失败: %v", err)
		}
		printJSON(summary)
		return
	}

	// 5. 常驻调度
	sched := scheduler.NewScheduler(r, cfg.Scheduler)
	r.AttachScheduler(sched)
	if err := sched.Start(); err != nil {
		logger.Log.Fatalf("调度器启动失败: %v", err)
	}

	<-ctx.Done()
	logger.Log.Info("收到退出信号，正在停止...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
}

func splitURLs(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func printJSON(v any) {
	if v == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Log.Errorf("序列化输出失败: %v", err)
		return
	}
	fmt.Println(string(data))
}
