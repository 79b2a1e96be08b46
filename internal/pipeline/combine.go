package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yourusername/resume-forge/internal/jobs"
)

// runCombine は履歴書テキストと強化結果を1本のボディに統合し、
// enhancementsApplied と状態 enhancing をレコードへ記録します。
// 入力にインラインテキストがない場合は抽出結果のエンベロープから
// raw_text を取り出します。取得・解釈の失敗は UPSTREAM_FETCH_ERROR で
// 実行全体を失敗させます。レコード更新の失敗はログのみです。
func (o *Orchestrator) runCombine(ctx context.Context, in StageInput, extractionRef string, enhancements []jobs.Enhancement) (string, error) {
	text := in.ResumeText
	if text == "" {
		data, err := o.blobs.Get(ctx, extractionRef)
		if err != nil {
			return "", NewError(CodeUpstreamFetchError, "抽出結果を取得できませんでした。", err)
		}
		var envelope ExtractEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return "", NewError(CodeUpstreamFetchError, "抽出結果を解釈できませんでした。", err)
		}
		if envelope.RawText == "" {
			return "", NewError(CodeUpstreamFetchError, "抽出結果にテキストが含まれていません。", nil)
		}
		text = envelope.RawText
	}

	types := make([]string, len(enhancements))
	for i, e := range enhancements {
		types[i] = e.Type
	}
	merged := text + "\n\n[Enhanced Sections: " + strings.Join(types, ", ") + "]"

	status := jobs.StatusEnhancing
	if err := o.records.Patch(ctx, in.JobID, jobs.Patch{Status: &status, Enhancements: enhancements}); err != nil {
		o.logger.Printf("[pipeline] combine patch failed jobId=%s: %v", in.JobID, err)
	}
	return merged, nil
}
