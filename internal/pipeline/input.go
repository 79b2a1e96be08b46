package pipeline

import (
	"context"

	"github.com/yourusername/resume-forge/internal/jobs"
)

// StageInput は1回のパイプライン実行に渡される正規化済み入力です。
// トリガーがジョブレコードの post-image から組み立てます。
type StageInput struct {
	JobID          string   `json:"jobId"`
	Bucket         string   `json:"bucket"`
	ResumeKey      string   `json:"resumeKey"`
	ResumeText     string   `json:"resumeText,omitempty"`
	JobDescription string   `json:"jobDescription"`
	TargetTitle    string   `json:"targetTitle"`
	Skills         []string `json:"skills"`
	Certificates   []string `json:"certificates"`
	RequestID      string   `json:"requestId"`
}

// RecordStore はステージが必要とするジョブレコード操作です。
type RecordStore interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	Patch(ctx context.Context, jobID string, patch jobs.Patch) error
	MarkFailed(ctx context.Context, jobID, message string) error
}

// BlobStore はステージが必要とするブロブ操作です。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Bucket() string
}
