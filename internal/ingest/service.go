// Package ingest は履歴書アップロードの受付を提供します。
// 生のマルチパートボディをデコードし、原本をブロブストアへ、
// ジョブレコードをレコードストアへ書き込みます。
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/resume-forge/internal/formdata"
	"github.com/yourusername/resume-forge/internal/jobs"
	"github.com/yourusername/resume-forge/internal/pipeline"
)

const (
	resumePartName     = "resume"
	defaultContentType = "application/pdf"
)

// RecordStore は受付が必要とするジョブレコード操作です。
type RecordStore interface {
	Create(ctx context.Context, record *jobs.Record) error
}

// BlobStore は受付が必要とするブロブ操作です。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Bucket() string
}

// JobHandle は受け付けたジョブの識別情報です。
type JobHandle struct {
	JobID  string
	Bucket string
	Key    string
}

// Service は履歴書アップロードの受付処理を提供します。
type Service struct {
	records            RecordStore
	blobs              BlobStore
	logger             *log.Logger
	descriptionFields  []string
	defaultTargetTitle string
}

// NewService は Service を作成します。
// descriptionFields は職務記述を探すフィールド名の優先順です。
func NewService(records RecordStore, blobs BlobStore, logger *log.Logger, descriptionFields []string, defaultTargetTitle string) *Service {
	return &Service{
		records:            records,
		blobs:              blobs,
		logger:             logger,
		descriptionFields:  descriptionFields,
		defaultTargetTitle: defaultTargetTitle,
	}
}

// Ingest は生のマルチパートボディを受け付け、原本の保存とジョブレコードの
// 作成まで行います。resume パートは必須で、欠けている場合は副作用なしで
// MISSING_REQUIRED_FIELD を返します。テキストフィールドはフォームパートが
// 優先され、クエリパラメータがフォールバックになります。
func (s *Service) Ingest(ctx context.Context, raw []byte, contentType string, query url.Values) (*JobHandle, error) {
	parts, err := formdata.Decode(raw, contentType)
	if err != nil {
		return nil, pipeline.NewError(pipeline.CodeMalformedInput,
			"multipart/form-data ボディを解釈できませんでした。", err)
	}

	var resume *formdata.Part
	fields := map[string]string{}
	for i := range parts {
		part := &parts[i]
		if part.Name == resumePartName {
			if resume == nil {
				resume = part
			}
			continue
		}
		if part.Filename != "" {
			continue
		}
		if _, seen := fields[part.Name]; !seen {
			fields[part.Name] = string(part.Data)
		}
	}

	if resume == nil {
		return nil, pipeline.NewError(pipeline.CodeMissingRequiredField,
			"resume ファイルパートが必要です。", nil)
	}

	description := s.lookupDescription(fields, query)
	targetTitle := lookupField(fields, query, "targetTitle")
	if targetTitle == "" {
		targetTitle = s.defaultTargetTitle
	}
	skills := splitList(lookupField(fields, query, "jobSkills"))
	certificates := splitList(lookupField(fields, query, "manualCertificates"))

	jobID := uuid.NewString()
	key := fmt.Sprintf("cv/%s/original.pdf", jobID)

	resumeType := resume.ContentType
	if resumeType == "" {
		resumeType = mimetype.Detect(resume.Data).String()
	}
	if resumeType == "" {
		resumeType = defaultContentType
	}

	// ページ数の確認は診断目的のみ。失敗してもアップロードは受け付ける
	if pages, err := api.PageCount(bytes.NewReader(resume.Data), nil); err != nil {
		s.logger.Printf("[ingest] page count probe failed jobId=%s: %v", jobID, err)
	} else {
		s.logger.Printf("[ingest] resume received jobId=%s pages=%d bytes=%d", jobID, pages, len(resume.Data))
	}

	if err := s.blobs.Put(ctx, key, resume.Data, resumeType); err != nil {
		return nil, pipeline.NewError(pipeline.CodePersistenceError,
			"履歴書の保存に失敗しました。", err)
	}

	record := &jobs.Record{
		JobID:              jobID,
		Status:             jobs.StatusUploaded,
		S3Key:              key,
		Bucket:             s.blobs.Bucket(),
		JobDescription:     description,
		TargetTitle:        targetTitle,
		JobSkills:          skills,
		ManualCertificates: certificates,
	}
	if err := s.records.Create(ctx, record); err != nil {
		// 原本ブロブは残るが、参照するレコードがないため無害
		return nil, pipeline.NewError(pipeline.CodePersistenceError,
			"ジョブレコードの作成に失敗しました。", err)
	}

	return &JobHandle{
		JobID:  jobID,
		Bucket: s.blobs.Bucket(),
		Key:    key,
	}, nil
}

func (s *Service) lookupDescription(fields map[string]string, query url.Values) string {
	for _, name := range s.descriptionFields {
		if value := lookupField(fields, query, name); value != "" {
			return value
		}
	}
	return ""
}

func lookupField(fields map[string]string, query url.Values, name string) string {
	if value := strings.TrimSpace(fields[name]); value != "" {
		return value
	}
	if query == nil {
		return ""
	}
	return strings.TrimSpace(query.Get(name))
}

func splitList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	pieces := strings.Split(raw, ",")
	values := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
