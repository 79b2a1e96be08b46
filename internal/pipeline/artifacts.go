package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/resume-forge/internal/blob"
	"github.com/yourusername/resume-forge/internal/jobs"
)

const artifactContentType = "text/plain; charset=utf-8"

// runGenerateArtifacts は調整済みCVとカバーレターを保存し、
// 成果物ロケーターと状態 completed をレコードへ記録します。
// 個々の保存・更新の失敗はログに残すのみで、ステージは成功扱いです。
// このため成果物は存在するのに状態が遅れる窓がありますが、
// 状態参照側は成果物の有無を完了の根拠として扱えます。
func (o *Orchestrator) runGenerateArtifacts(ctx context.Context, in StageInput, merged string) {
	now := time.Now().UTC()

	tailored := fmt.Sprintf("TAILORED CV\n\nJob ID: %s\n\n%s\n\nGenerated: %s",
		in.JobID, merged, now.Format(time.RFC3339))
	letter := fmt.Sprintf(
		"Dear Hiring Manager,\n\nPlease find attached my CV tailored for the %s position.\n\nBest regards",
		in.TargetTitle)

	cvKey := fmt.Sprintf("jobs/%s/tailored-cv.txt", in.JobID)
	letterKey := fmt.Sprintf("jobs/%s/cover-letter.txt", in.JobID)

	artifacts := map[string]string{}
	if err := o.blobs.Put(ctx, cvKey, []byte(tailored), artifactContentType); err != nil {
		o.logger.Printf("[pipeline] tailored cv write failed jobId=%s: %v", in.JobID, err)
	} else {
		artifacts["tailoredCV"] = blob.Locator(o.blobs.Bucket(), cvKey)
	}
	if err := o.blobs.Put(ctx, letterKey, []byte(letter), artifactContentType); err != nil {
		o.logger.Printf("[pipeline] cover letter write failed jobId=%s: %v", in.JobID, err)
	} else {
		artifacts["coverLetter"] = blob.Locator(o.blobs.Bucket(), letterKey)
	}

	status := jobs.StatusCompleted
	patch := jobs.Patch{
		Status:      &status,
		Artifacts:   artifacts,
		CompletedAt: &now,
	}
	if err := o.records.Patch(ctx, in.JobID, patch); err != nil {
		o.logger.Printf("[pipeline] completion patch failed jobId=%s: %v", in.JobID, err)
	}
}
