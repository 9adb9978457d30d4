// Package main 是合规分析服务的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"regaudit-go/internal/app"
	"regaudit-go/internal/config"
	"regaudit-go/internal/handler"
	"regaudit-go/internal/middleware"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/vectorindex"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 初始化各个组件（数据库、存储、模型客户端、向量索引、服务）
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("组件初始化失败", err)
	}
	defer a.Close()

	// 4. 启动后台 Kafka 消费者
	if consumer := a.Consumer(); consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Errorf("Kafka 消费者异常退出: %v", err)
			}
		}()
	}

	// 5. 运维 CLI 写入索引后重新加载
	if cfg.VectorIndex.Watch {
		go func() {
			err := vectorindex.Watch(ctx, cfg.VectorIndex.Path, 0, func() {
				if err := a.Coordinator.ReloadIndex(ctx); err != nil {
					log.Warnf("重新加载向量索引失败: %v", err)
					return
				}
				log.Infof("向量索引已重新加载, size: %d", a.Index.Size())
			})
			if err != nil {
				log.Warnf("无法监听向量索引文件: %v", err)
			}
		}()
	}

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.CORS(), gin.Recovery())
	registerRoutes(r, a)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 先停止消费者与文件监听
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

func registerRoutes(r *gin.Engine, a *app.App) {
	auth := middleware.OperatorAuth(a.JWTManager)
	auditHandler := handler.NewAuditHandler(a.Audit, a.Config.Audit.DefaultTopK)
	searchHandler := handler.NewSearchHandler(a.Retrieval, a.Config.Audit.DefaultTopK)
	regulationHandler := handler.NewRegulationHandler(a.Regulation)

	r.GET("/", handler.Root)

	api := r.Group("/api")
	{
		audit := api.Group("/audit")
		{
			audit.POST("/search", auditHandler.Search)
			audit.GET("/ws", auditHandler.Stream)
		}

		api.GET("/search/hybrid", searchHandler.HybridSearch)

		regulation := api.Group("/regulation-pdf")
		{
			regulation.GET("/documents", regulationHandler.ListDocuments)
			regulation.GET("/status", regulationHandler.Status)
			regulation.POST("/process", auth, regulationHandler.Process)
			regulation.POST("/reindex", auth, regulationHandler.Reindex)
		}
	}
}
