// Package jobs はジョブレコードの型と永続化、変更イベントの配信を提供します。
package jobs

import "time"

// Status はジョブの処理状態を表します。
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusScoring   Status = "scoring"
	StatusEnhancing Status = "enhancing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// statusRank は前進専用の状態遷移を判定するための順序です。
var statusRank = map[Status]int{
	StatusUploaded:  0,
	StatusScoring:   1,
	StatusEnhancing: 2,
	StatusCompleted: 3,
}

// Rank は状態の進行度を返します。failed は順序を持ちません。
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal は終端状態（completed / failed）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo は現在の状態から next への遷移が許されるかを返します。
// 状態は uploaded → scoring → enhancing → completed と前進するのみで、
// failed へは任意の非終端状態から遷移できます。後退は常に拒否されます。
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// Scoring は ScoreStage が一度だけ書き込む採点結果です。
type Scoring struct {
	OriginalScore   int      `json:"originalScore"`
	MatchedSkills   []string `json:"matchedSkills"`
	MissingSkills   []string `json:"missingSkills"`
	Recommendations []string `json:"recommendations"`
}

// Enhancement はセクション単位の強化結果です。
type Enhancement struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Applied bool   `json:"applied"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID               string            `json:"jobId"`
	Timestamp           time.Time         `json:"timestamp"`
	Status              Status            `json:"status"`
	S3Key               string            `json:"s3Key"`
	Bucket              string            `json:"bucket"`
	JobDescription      string            `json:"jobDescription"`
	TargetTitle         string            `json:"targetTitle"`
	JobSkills           []string          `json:"jobSkills"`
	ManualCertificates  []string          `json:"manualCertificates"`
	Scoring             *Scoring          `json:"scoring,omitempty"`
	EnhancementsApplied []Enhancement     `json:"enhancementsApplied,omitempty"`
	Artifacts           map[string]string `json:"artifacts,omitempty"`
	Error               string            `json:"error,omitempty"`
	CompletedAt         *time.Time        `json:"completedAt,omitempty"`
}

// Patch はジョブレコードへのフィールド単位の部分更新です。
// nil のフィールドは更新対象になりません。
type Patch struct {
	Status       *Status
	Scoring      *Scoring
	Enhancements []Enhancement
	Artifacts    map[string]string
	Error        *string
	CompletedAt  *time.Time
}

// EventName は変更イベントの種別を表します。
type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// ChangeEvent はジョブレコード1件の変更を表します。
type ChangeEvent struct {
	EventName EventName `json:"eventName"`
	NewImage  *Record   `json:"newImage,omitempty"`
}
