// Package trigger は変更フィードを監視し、アップロード済みジョブごとに
// パイプライン実行を開始します。
package trigger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/yourusername/resume-forge/internal/jobs"
	"github.com/yourusername/resume-forge/internal/pipeline"
)

const (
	defaultBlock = 5 * time.Second
	retryDelay   = time.Second
)

// Starter はパイプライン実行を開始できるオーケストレーターが実装します。
type Starter interface {
	StartExecution(ctx context.Context, name string, in pipeline.StageInput) error
}

// FeedSource は変更イベントを配信するフィードが実装します。
type FeedSource interface {
	Next(ctx context.Context, block time.Duration) ([]jobs.Delivery, error)
	Ack(ctx context.Context, deliveryID string) error
}

// FailureMarker はジョブを failed 状態にできるストアが実装します。
type FailureMarker interface {
	MarkFailed(ctx context.Context, jobID, message string) error
}

// Trigger は変更フィードとオーケストレーターをつなぎます。
type Trigger struct {
	feed    FeedSource
	starter Starter
	records FailureMarker
	logger  *log.Logger
	block   time.Duration
}

// New は Trigger を作成します。
func New(feed FeedSource, starter Starter, records FailureMarker, logger *log.Logger) *Trigger {
	return &Trigger{
		feed:    feed,
		starter: starter,
		records: records,
		logger:  logger,
		block:   defaultBlock,
	}
}

// Run は ctx がキャンセルされるまでフィードを読み続けます。
// イベントは1件ずつ隔離して処理し、失敗してもログに残して Ack します。
// 起動できなかったジョブは failed として記録します。
// 同じイベントが再配信されても実行名の重複排除で吸収されます。
func (t *Trigger) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		deliveries, err := t.feed.Next(ctx, t.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Printf("[trigger] feed read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, delivery := range deliveries {
			t.handle(ctx, delivery)
			if err := t.feed.Ack(ctx, delivery.ID); err != nil {
				t.logger.Printf("[trigger] ack failed id=%s: %v", delivery.ID, err)
			}
		}
	}
}

func (t *Trigger) handle(ctx context.Context, delivery jobs.Delivery) {
	if !shouldProcess(delivery.Event) {
		return
	}

	record := delivery.Event.NewImage
	input := normalizeInput(record)
	name := "job-" + input.JobID

	err := t.starter.StartExecution(ctx, name, input)
	switch {
	case errors.Is(err, pipeline.ErrExecutionExists):
		t.logger.Printf("[trigger] duplicate delivery ignored jobId=%s", input.JobID)
	case err != nil:
		dispatchErr := pipeline.NewError(pipeline.CodeTriggerDispatchError,
			"パイプライン実行を開始できませんでした。", err)
		t.logger.Printf("[trigger] %v jobId=%s", dispatchErr, input.JobID)
		// 起動できなかったジョブを uploaded のまま残さず、
		// ポーリングする側に failed とエラー内容を見せる
		if mfErr := t.records.MarkFailed(ctx, input.JobID, dispatchErr.Error()); mfErr != nil {
			t.logger.Printf("[trigger] mark failed error jobId=%s: %v", input.JobID, mfErr)
		}
	default:
		t.logger.Printf("[trigger] execution dispatched jobId=%s", input.JobID)
	}
}

// shouldProcess は配信がパイプライン起動の対象かどうかを返します。
// 対象は post-image が uploaded 状態の INSERT / MODIFY のみです。
func shouldProcess(event jobs.ChangeEvent) bool {
	if event.EventName != jobs.EventInsert && event.EventName != jobs.EventModify {
		return false
	}
	return event.NewImage != nil && event.NewImage.Status == jobs.StatusUploaded
}

// normalizeInput はレコードの post-image から実行入力を組み立てます。
// 欠けているフィールドは空値で埋め、RequestID は jobId を既定とします。
func normalizeInput(record *jobs.Record) pipeline.StageInput {
	skills := record.JobSkills
	if skills == nil {
		skills = []string{}
	}
	certificates := record.ManualCertificates
	if certificates == nil {
		certificates = []string{}
	}

	return pipeline.StageInput{
		JobID:          record.JobID,
		Bucket:         record.Bucket,
		ResumeKey:      record.S3Key,
		JobDescription: record.JobDescription,
		TargetTitle:    record.TargetTitle,
		Skills:         skills,
		Certificates:   certificates,
		RequestID:      record.JobID,
	}
}
