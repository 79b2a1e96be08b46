package pipeline

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	extractionKeyPrefix = "cv_extractions/"
	extractionKeySuffix = ".json"

	summaryLimit    = 280
	experienceLimit = 800
)

// ExtractSections は抽出テキストから切り出したセクションです。
type ExtractSections struct {
	Summary        string   `json:"summary"`
	Skills         []string `json:"skills"`
	Experience     string   `json:"experience"`
	Projects       string   `json:"projects"`
	Education      string   `json:"education"`
	Certifications []string `json:"certifications"`
}

// ExtractEnvelope は抽出結果の保存形式です。
// 後続ステージは raw_text のみを参照します。
type ExtractEnvelope struct {
	RawText  string          `json:"raw_text"`
	Sections ExtractSections `json:"sections"`
	Success  bool            `json:"success"`
}

// extractionKey は履歴書キーに対応する抽出結果の保存先キーを返します。
func extractionKey(resumeKey string) string {
	return extractionKeyPrefix + resumeKey + extractionKeySuffix
}

// runExtract は履歴書ブロブからテキストを抽出し、抽出結果の
// エンベロープを保存してそのキーを返します。
// 原本の取得に失敗した場合は UPSTREAM_FETCH_ERROR を返します（再試行対象）。
func (o *Orchestrator) runExtract(ctx context.Context, in StageInput) (string, error) {
	data, err := o.blobs.Get(ctx, in.ResumeKey)
	if err != nil {
		return "", NewError(CodeUpstreamFetchError, "履歴書の原本を取得できませんでした。", err)
	}

	text := extractText(data)
	envelope := ExtractEnvelope{
		RawText: text,
		Sections: ExtractSections{
			Summary:        head(text, summaryLimit),
			Skills:         in.Skills,
			Experience:     head(text, experienceLimit),
			Certifications: in.Certificates,
		},
		Success: true,
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", NewError(CodeStageExecutionError, "抽出結果の整形に失敗しました。", err)
	}

	key := extractionKey(in.ResumeKey)
	if err := o.blobs.Put(ctx, key, encoded, "application/json"); err != nil {
		return "", NewError(CodePersistenceError, "抽出結果の保存に失敗しました。", err)
	}

	o.logger.Printf("[pipeline] extraction stored jobId=%s key=%s bytes=%d", in.JobID, key, len(text))
	return key, nil
}

// extractText はバイト列から表示可能なテキストを寛容に取り出します。
// PDF のバイナリ構造はそのまま読み飛ばし、可読バイトだけを残します。
func extractText(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}

func head(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
