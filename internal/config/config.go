package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	// UploadRoot 所有商品文件 blob 的固定存放目录
	UploadRoot string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、下载审计 Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// 客户端下载接口限流策略
	DownloadRateLimit  int
	DownloadRateWindow time.Duration

	// 管理端接口的简单管理员令牌
	AdminToken string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "billing.db"),
		UploadRoot:         getEnv("UPLOAD_ROOT", "uploads"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "downloadable-events"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "downloadable-audit-consumer"),
		DownloadRateLimit:  30,
		DownloadRateWindow: time.Minute,
		AdminToken:         getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("DOWNLOAD_RATE_LIMIT", cfg.DownloadRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid DOWNLOAD_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("DOWNLOAD_RATE_LIMIT must be > 0")
	}
	cfg.DownloadRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("DOWNLOAD_RATE_WINDOW_SEC", int(cfg.DownloadRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid DOWNLOAD_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("DOWNLOAD_RATE_WINDOW_SEC must be > 0")
	}
	cfg.DownloadRateWindow = time.Duration(rateWindowSec) * time.Second

	if cfg.UploadRoot == "" {
		return AppConfig{}, fmt.Errorf("UPLOAD_ROOT must not be empty")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
