package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/resume-forge/internal/blob"
	"github.com/yourusername/resume-forge/internal/config"
	"github.com/yourusername/resume-forge/internal/ingest"
	"github.com/yourusername/resume-forge/internal/jobs"
	"github.com/yourusername/resume-forge/internal/pipeline"
	"github.com/yourusername/resume-forge/internal/trigger"
)

// pipelineDeps はAPIサーバーが使う依存一式です。
type pipelineDeps struct {
	Ingest  *ingest.Service
	Records *jobs.Store

	orchestrator *pipeline.Orchestrator
	redisClient  *redis.Client
	stopTrigger  context.CancelFunc
	logger       *log.Logger
}

// setupPipeline はストレージ・レコードストア・オーケストレーター・
// 変更トリガーを配線し、ワーカーとトリガーを起動します。
func setupPipeline(ctx context.Context, cfg *config.Config, logger *log.Logger) (*pipelineDeps, error) {
	// ブロブストア（MinIO / S3互換）
	minioClient, err := blob.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, err
	}
	if err := blob.EnsureBucket(ctx, minioClient, cfg.BlobBucket); err != nil {
		return nil, err
	}
	blobs := blob.NewMinioStore(minioClient, cfg.BlobBucket)

	// ジョブレコードストア（Redisハッシュ + 変更ストリーム）
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)
	records := jobs.NewStore(redisClient, time.Duration(cfg.JobExpireHours)*time.Hour)

	// パイプラインのオーケストレーターとワーカー
	orchestrator, err := pipeline.NewOrchestrator(cfg.QueueRedisURL, records, blobs, logger)
	if err != nil {
		return nil, err
	}
	if err := orchestrator.StartWorkers(); err != nil {
		return nil, fmt.Errorf("failed to start pipeline workers: %w", err)
	}

	// 変更フィードを監視してパイプラインを起動するトリガー
	feed, err := jobs.NewFeed(ctx, redisClient, cfg.TriggerGroup, cfg.TriggerConsumer)
	if err != nil {
		orchestrator.Shutdown()
		return nil, err
	}
	triggerCtx, stopTrigger := context.WithCancel(ctx)
	go trigger.New(feed, orchestrator, records, logger).Run(triggerCtx)

	ingestService := ingest.NewService(records, blobs, logger, cfg.DescriptionFields, cfg.DefaultTargetTitle)

	return &pipelineDeps{
		Ingest:       ingestService,
		Records:      records,
		orchestrator: orchestrator,
		redisClient:  redisClient,
		stopTrigger:  stopTrigger,
		logger:       logger,
	}, nil
}

// Shutdown はトリガー・ワーカー・Redis接続を順に停止します。
func (d *pipelineDeps) Shutdown() {
	d.stopTrigger()
	d.orchestrator.Shutdown()
	if err := d.redisClient.Close(); err != nil {
		d.logger.Printf("redis client close failed: %v", err)
	}
}
