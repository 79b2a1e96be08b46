// Package pipeline は履歴書調整ジョブの段階実行を提供します。
// asynq のタスクとして実行をキューイングし、Score → Enhance → Combine →
// GenerateArtifacts の順にステージを進めます。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/resume-forge/internal/jobs"
)

const (
	taskTypeRun = "pipeline:run"
	queueName   = "pipeline"

	maxRetry  = 3
	retention = 24 * time.Hour
)

// ErrExecutionExists は同名の実行がすでに開始済みの場合に返されます。
// 変更フィードの at-least-once 配信を重複排除するための正常系エラーです。
var ErrExecutionExists = errors.New("execution already exists")

// Orchestrator はパイプライン実行のキューイングとワーカー処理を束ねます。
type Orchestrator struct {
	client  *asynq.Client
	server  *asynq.Server
	records RecordStore
	blobs   BlobStore
	logger  *log.Logger
}

// NewOrchestrator は Orchestrator を作成します。
// redisURL はタスクキュー用 Redis の接続URIです。
func NewOrchestrator(redisURL string, records RecordStore, blobs BlobStore, logger *log.Logger) (*Orchestrator, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue redis url: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			queueName: 1,
		},
	})

	return &Orchestrator{
		client:  asynq.NewClient(opt),
		server:  server,
		records: records,
		blobs:   blobs,
		logger:  logger,
	}, nil
}

// StartExecution は実行名 name でパイプライン実行をキューイングします。
// 同名の実行が保持期間内に存在する場合は ErrExecutionExists を返します。
func (o *Orchestrator) StartExecution(ctx context.Context, name string, in StageInput) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal stage input: %w", err)
	}

	task := asynq.NewTask(taskTypeRun, payload)
	_, err = o.client.EnqueueContext(ctx, task,
		asynq.TaskID(name),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ErrExecutionExists
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue execution %s: %w", name, err)
	}

	o.logger.Printf("[pipeline] execution started name=%s jobId=%s", name, in.JobID)
	return nil
}

// StartWorkers はワーカーを起動します。ブロックしません。
func (o *Orchestrator) StartWorkers() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeRun, o.handleRun)
	return o.server.Start(mux)
}

// Shutdown はワーカーとキュー接続を停止します。
func (o *Orchestrator) Shutdown() {
	o.server.Shutdown()
	if err := o.client.Close(); err != nil {
		o.logger.Printf("[pipeline] queue client close failed: %v", err)
	}
}

// handleRun は1回のパイプライン実行を処理します。
// 再配信に備えて終端状態のジョブは何もせず成功を返します。
// 最終試行での失敗はレコードを failed に落としてから返します。
func (o *Orchestrator) handleRun(ctx context.Context, task *asynq.Task) error {
	var in StageInput
	if err := json.Unmarshal(task.Payload(), &in); err != nil {
		return fmt.Errorf("failed to parse stage input: %v: %w", err, asynq.SkipRetry)
	}

	record, err := o.records.Get(ctx, in.JobID)
	if err != nil {
		o.logger.Printf("[pipeline] record lookup failed jobId=%s: %v", in.JobID, err)
	} else if record != nil && record.Status.Terminal() {
		o.logger.Printf("[pipeline] job already terminal jobId=%s status=%s", in.JobID, record.Status)
		return nil
	}

	if err := o.run(ctx, in); err != nil {
		o.logger.Printf("[pipeline] execution failed jobId=%s: %v", in.JobID, err)
		if finalAttempt(ctx) {
			if mfErr := o.records.MarkFailed(ctx, in.JobID, err.Error()); mfErr != nil {
				o.logger.Printf("[pipeline] mark failed error jobId=%s: %v", in.JobID, mfErr)
			}
		}
		return err
	}
	return nil
}

// run はステージを順に実行します。各ステージのレコード書き込みは
// フィールド単位のパッチなので、再実行しても結果は収束します。
func (o *Orchestrator) run(ctx context.Context, in StageInput) error {
	extractionRef, err := o.runExtract(ctx, in)
	if err != nil {
		return err
	}

	o.runScore(ctx, in)

	enhancements := make([]jobs.Enhancement, len(SectionKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range SectionKinds {
		i, kind := i, kind
		g.Go(func() error {
			result, err := enhanceSection(gctx, in, kind)
			if err != nil {
				return err
			}
			enhancements[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NewError(CodeStageExecutionError, "セクション強化に失敗しました。", err)
	}

	merged, err := o.runCombine(ctx, in, extractionRef, enhancements)
	if err != nil {
		return err
	}

	o.runGenerateArtifacts(ctx, in, merged)
	return nil
}

// finalAttempt はこの試行が asynq の最終試行かどうかを返します。
// ワーカー外（再試行情報なし）で呼ばれた場合は最終試行として扱います。
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}
