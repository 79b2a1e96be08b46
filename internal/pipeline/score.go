package pipeline

import (
	"context"

	"github.com/yourusername/resume-forge/internal/jobs"
)

// runScore は採点結果を生成してレコードへ記録し、状態を scoring に進めます。
// 採点ロジックは現状プレースホルダーの固定値です。
// レコード更新の失敗はログに残すだけで実行は継続します。
func (o *Orchestrator) runScore(ctx context.Context, in StageInput) *jobs.Scoring {
	scoring := &jobs.Scoring{
		OriginalScore: 75,
		MatchedSkills: in.Skills,
		MissingSkills: []string{"AWS", "Python"},
		Recommendations: []string{
			"Add cloud computing experience",
			"Highlight Python projects",
		},
	}

	status := jobs.StatusScoring
	if err := o.records.Patch(ctx, in.JobID, jobs.Patch{Status: &status, Scoring: scoring}); err != nil {
		o.logger.Printf("[pipeline] score patch failed jobId=%s: %v", in.JobID, err)
	}
	return scoring
}
