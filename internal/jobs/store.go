package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"

	// ChangeStream はジョブレコードの変更イベントを流すストリーム名です。
	ChangeStream = "jobs:changes"

	streamFieldEvent = "event"
	streamFieldImage = "image"
)

// レコードハッシュのフィールド名。外部公開されるJSONキーと揃えています。
const (
	fieldJobID              = "jobId"
	fieldTimestamp          = "timestamp"
	fieldStatus             = "status"
	fieldS3Key              = "s3Key"
	fieldBucket             = "bucket"
	fieldJobDescription     = "jobDescription"
	fieldTargetTitle        = "targetTitle"
	fieldJobSkills          = "jobSkills"
	fieldManualCertificates = "manualCertificates"
	fieldScoring            = "scoring"
	fieldEnhancements       = "enhancementsApplied"
	fieldArtifacts          = "artifacts"
	fieldError              = "error"
	fieldCompletedAt        = "completedAt"
)

// Store はジョブレコードを Redis ハッシュとして保存し、
// すべての作成・更新を変更ストリームへ発行します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。ttl が 0 の場合レコードは失効しません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は新規ジョブレコードを保存し、INSERT イベントを発行します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = StatusUploaded
	}

	fields := encodeRecord(record)
	image, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record image: %w", err)
	}

	key := jobKey(record.JobID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: ChangeStream,
		Values: map[string]any{
			streamFieldEvent: string(EventInsert),
			streamFieldImage: string(image),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job record: %w", err)
	}
	return nil
}

// Get はジョブレコードを取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	values, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return decodeRecord(values)
}

// Patch はフィールド単位の部分更新を適用し、MODIFY イベントを発行します。
// レコード全体の上書きは行わないため、他ステージが並行して書いた
// フィールドを消すことはありません。
func (s *Store) Patch(ctx context.Context, jobID string, patch Patch) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	key := jobKey(jobID)

	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			values, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return fmt.Errorf("job not found: %s", jobID)
			}
			record, err := decodeRecord(values)
			if err != nil {
				return err
			}

			changed := ApplyPatch(record, patch)
			if len(changed) == 0 {
				// 後退遷移のみのパッチなど、書くものがなければイベントも出さない
				return nil
			}

			image, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to marshal record image: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, changed)
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
				pipe.XAdd(ctx, &redis.XAddArgs{
					Stream: ChangeStream,
					Values: map[string]any{
						streamFieldEvent: string(EventModify),
						streamFieldImage: string(image),
					},
				})
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

// MarkFailed はジョブを failed 状態に遷移させ、エラー内容を記録します。
func (s *Store) MarkFailed(ctx context.Context, jobID, message string) error {
	status := StatusFailed
	return s.Patch(ctx, jobID, Patch{
		Status: &status,
		Error:  &message,
	})
}

// ApplyPatch は record にパッチを適用し、変更されたフィールドの
// ハッシュ表現（フィールド名 → 保存値）を返します。
// 終端状態（completed / failed）のレコードは一切変更されません。
// 後退する状態遷移も黙って無視されます。
// 同じパッチを再適用しても結果が収束するよう、各フィールドは上書き更新です。
func ApplyPatch(record *Record, patch Patch) map[string]any {
	changed := map[string]any{}

	// 終端ジョブの再処理は no-op
	if record.Status.Terminal() {
		return changed
	}

	if patch.Status != nil && *patch.Status != record.Status {
		if record.Status.CanTransitionTo(*patch.Status) {
			record.Status = *patch.Status
			changed[fieldStatus] = string(record.Status)
		}
	}
	if patch.Scoring != nil {
		record.Scoring = patch.Scoring
		changed[fieldScoring] = jsonField(patch.Scoring)
	}
	if patch.Enhancements != nil {
		record.EnhancementsApplied = patch.Enhancements
		changed[fieldEnhancements] = jsonField(patch.Enhancements)
	}
	if patch.Artifacts != nil {
		record.Artifacts = patch.Artifacts
		changed[fieldArtifacts] = jsonField(patch.Artifacts)
	}
	if patch.Error != nil {
		record.Error = *patch.Error
		changed[fieldError] = *patch.Error
	}
	if patch.CompletedAt != nil {
		completed := patch.CompletedAt.UTC()
		record.CompletedAt = &completed
		changed[fieldCompletedAt] = completed.Format(time.RFC3339Nano)
	}

	return changed
}

func encodeRecord(r *Record) map[string]any {
	fields := map[string]any{
		fieldJobID:              r.JobID,
		fieldTimestamp:          r.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldStatus:             string(r.Status),
		fieldS3Key:              r.S3Key,
		fieldBucket:             r.Bucket,
		fieldJobDescription:     r.JobDescription,
		fieldTargetTitle:        r.TargetTitle,
		fieldJobSkills:          jsonField(emptyIfNil(r.JobSkills)),
		fieldManualCertificates: jsonField(emptyIfNil(r.ManualCertificates)),
	}
	if r.Scoring != nil {
		fields[fieldScoring] = jsonField(r.Scoring)
	}
	if r.EnhancementsApplied != nil {
		fields[fieldEnhancements] = jsonField(r.EnhancementsApplied)
	}
	if r.Artifacts != nil {
		fields[fieldArtifacts] = jsonField(r.Artifacts)
	}
	if r.Error != "" {
		fields[fieldError] = r.Error
	}
	if r.CompletedAt != nil {
		fields[fieldCompletedAt] = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeRecord(values map[string]string) (*Record, error) {
	record := &Record{
		JobID:          values[fieldJobID],
		Status:         Status(values[fieldStatus]),
		S3Key:          values[fieldS3Key],
		Bucket:         values[fieldBucket],
		JobDescription: values[fieldJobDescription],
		TargetTitle:    values[fieldTargetTitle],
		Error:          values[fieldError],
	}

	if raw := values[fieldTimestamp]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		record.Timestamp = ts
	}
	if raw := values[fieldCompletedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completedAt: %w", err)
		}
		record.CompletedAt = &ts
	}
	if raw := values[fieldJobSkills]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.JobSkills); err != nil {
			return nil, fmt.Errorf("failed to parse jobSkills: %w", err)
		}
	}
	if raw := values[fieldManualCertificates]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.ManualCertificates); err != nil {
			return nil, fmt.Errorf("failed to parse manualCertificates: %w", err)
		}
	}
	if raw := values[fieldScoring]; raw != "" {
		record.Scoring = &Scoring{}
		if err := json.Unmarshal([]byte(raw), record.Scoring); err != nil {
			return nil, fmt.Errorf("failed to parse scoring: %w", err)
		}
	}
	if raw := values[fieldEnhancements]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.EnhancementsApplied); err != nil {
			return nil, fmt.Errorf("failed to parse enhancementsApplied: %w", err)
		}
	}
	if raw := values[fieldArtifacts]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &record.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to parse artifacts: %w", err)
		}
	}

	return record, nil
}

// jsonField は複合フィールドのハッシュ保存用JSON表現を返します。
// 対象はスライス・マップ・単純構造体のみで、マーシャリングは失敗しません。
func jsonField(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
