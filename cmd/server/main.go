package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Anuril/FOSSBilling/internal/config"
	"github.com/Anuril/FOSSBilling/internal/downloadable"
	"github.com/Anuril/FOSSBilling/internal/model"
	"github.com/Anuril/FOSSBilling/internal/order"
	"github.com/Anuril/FOSSBilling/internal/queue"
	"github.com/Anuril/FOSSBilling/internal/router"
	"github.com/Anuril/FOSSBilling/internal/storage"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "billing",
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", "error", err)
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("db open", "error", err)
	}
	if err := db.AutoMigrate(
		&model.Product{},
		&model.ClientOrder{},
		&model.ServiceDownloadable{},
		&model.DownloadEvent{},
	); err != nil {
		logger.Fatal("db migrate", "error", err)
	}

	// 2. 上传根目录
	store, err := storage.NewStore(afero.NewOsFs(), cfg.UploadRoot)
	if err != nil {
		logger.Fatal("init upload root", "error", err)
	}

	// 3. Redis（限流）与 Kafka（下载审计）
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db, logger)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go consumer.Run(ctx)

	// 4. 业务装配
	resolver := downloadable.GormResolver{DB: db}
	svc := downloadable.NewService(db, store, logger, producer, resolver)
	orders := order.NewService(db, svc, logger)

	r := gin.Default()
	router.Setup(r, db, rdb, svc, orders, cfg)

	logger.Info("listening", "addr", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Fatal("http server", "error", err)
	}
}
