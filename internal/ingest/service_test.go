package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"testing"

	"github.com/yourusername/resume-forge/internal/jobs"
	"github.com/yourusername/resume-forge/internal/pipeline"
)

const testBoundary = "----WebKitFormBoundary7MA4YWxkTrZu0gW"

type stubRecords struct {
	created []*jobs.Record
	err     error
}

func (s *stubRecords) Create(_ context.Context, record *jobs.Record) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, record)
	return nil
}

type stubBlobs struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newStubBlobs() *stubBlobs {
	return &stubBlobs{
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
}

func (s *stubBlobs) Put(_ context.Context, key string, data []byte, contentType string) error {
	if s.err != nil {
		return s.err
	}
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *stubBlobs) Bucket() string {
	return "test-bucket"
}

func newTestService(records RecordStore, blobs BlobStore) *Service {
	return NewService(records, blobs, log.New(io.Discard, "", 0),
		[]string{"manualJobDescription", "jobDescription"}, "General Application")
}

func multipartBody(segments ...string) ([]byte, string) {
	var buf bytes.Buffer
	for _, seg := range segments {
		buf.WriteString("--" + testBoundary + "\r\n")
		buf.WriteString(seg)
		buf.WriteString("\r\n")
	}
	buf.WriteString("--" + testBoundary + "--\r\n")
	return buf.Bytes(), "multipart/form-data; boundary=" + testBoundary
}

func fieldSegment(name, value string) string {
	return "Content-Disposition: form-data; name=\"" + name + "\"\r\n\r\n" + value
}

func resumeSegment(data []byte) string {
	return "Content-Disposition: form-data; name=\"resume\"; filename=\"cv.pdf\"\r\n" +
		"Content-Type: application/pdf\r\n\r\n" + string(data)
}

func TestIngestMissingResumeHasNoSideEffects(t *testing.T) {
	records := &stubRecords{}
	blobs := newStubBlobs()
	svc := newTestService(records, blobs)

	body, contentType := multipartBody(fieldSegment("manualJobDescription", "Software Engineer"))
	_, err := svc.Ingest(context.Background(), body, contentType, nil)

	var apiErr *pipeline.Error
	if !errors.As(err, &apiErr) || apiErr.Code != pipeline.CodeMissingRequiredField {
		t.Fatalf("expected MISSING_REQUIRED_FIELD, got %v", err)
	}
	if len(records.created) != 0 || len(blobs.objects) != 0 {
		t.Fatalf("rejected upload still wrote: records=%d blobs=%d", len(records.created), len(blobs.objects))
	}
}

func TestIngestMalformedBody(t *testing.T) {
	svc := newTestService(&stubRecords{}, newStubBlobs())

	_, err := svc.Ingest(context.Background(), []byte("x"), "multipart/form-data", nil)

	var apiErr *pipeline.Error
	if !errors.As(err, &apiErr) || apiErr.Code != pipeline.CodeMalformedInput {
		t.Fatalf("expected MALFORMED_INPUT, got %v", err)
	}
}

func TestIngestSuccessWithDefaults(t *testing.T) {
	records := &stubRecords{}
	blobs := newStubBlobs()
	svc := newTestService(records, blobs)

	pdf := []byte("%PDF-1.4 dummy resume body")
	body, contentType := multipartBody(resumeSegment(pdf))

	handle, err := svc.Ingest(context.Background(), body, contentType, nil)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if handle.JobID == "" {
		t.Fatal("empty jobId")
	}
	wantKey := fmt.Sprintf("cv/%s/original.pdf", handle.JobID)
	if handle.Key != wantKey || handle.Bucket != "test-bucket" {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	if !bytes.Equal(blobs.objects[wantKey], pdf) {
		t.Fatalf("stored blob does not match upload")
	}
	if blobs.types[wantKey] != "application/pdf" {
		t.Fatalf("content type = %q", blobs.types[wantKey])
	}

	if len(records.created) != 1 {
		t.Fatalf("record count = %d", len(records.created))
	}
	record := records.created[0]
	if record.Status != jobs.StatusUploaded {
		t.Fatalf("status = %s", record.Status)
	}
	if record.TargetTitle != "General Application" {
		t.Fatalf("targetTitle = %q", record.TargetTitle)
	}
	if record.JobDescription != "" {
		t.Fatalf("jobDescription = %q", record.JobDescription)
	}
	if record.S3Key != wantKey || record.Bucket != "test-bucket" {
		t.Fatalf("record location mismatch: %+v", record)
	}
}

func TestIngestDescriptionFieldPrecedence(t *testing.T) {
	records := &stubRecords{}
	svc := newTestService(records, newStubBlobs())

	body, contentType := multipartBody(
		fieldSegment("jobDescription", "secondary"),
		fieldSegment("manualJobDescription", "primary"),
		resumeSegment([]byte("%PDF-1.4")),
	)
	if _, err := svc.Ingest(context.Background(), body, contentType, nil); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if records.created[0].JobDescription != "primary" {
		t.Fatalf("jobDescription = %q, want manualJobDescription to win", records.created[0].JobDescription)
	}
}

func TestIngestQueryFallback(t *testing.T) {
	records := &stubRecords{}
	svc := newTestService(records, newStubBlobs())

	body, contentType := multipartBody(resumeSegment([]byte("%PDF-1.4")))
	query := url.Values{
		"targetTitle":          {"Platform Engineer"},
		"manualJobDescription": {"From query"},
		"jobSkills":            {"Go, Redis , "},
	}
	if _, err := svc.Ingest(context.Background(), body, contentType, query); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	record := records.created[0]
	if record.TargetTitle != "Platform Engineer" {
		t.Fatalf("targetTitle = %q", record.TargetTitle)
	}
	if record.JobDescription != "From query" {
		t.Fatalf("jobDescription = %q", record.JobDescription)
	}
	if len(record.JobSkills) != 2 || record.JobSkills[0] != "Go" || record.JobSkills[1] != "Redis" {
		t.Fatalf("jobSkills = %v", record.JobSkills)
	}
}

func TestIngestFormFieldBeatsQuery(t *testing.T) {
	records := &stubRecords{}
	svc := newTestService(records, newStubBlobs())

	body, contentType := multipartBody(
		fieldSegment("targetTitle", "From form"),
		resumeSegment([]byte("%PDF-1.4")),
	)
	query := url.Values{"targetTitle": {"From query"}}
	if _, err := svc.Ingest(context.Background(), body, contentType, query); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if records.created[0].TargetTitle != "From form" {
		t.Fatalf("targetTitle = %q", records.created[0].TargetTitle)
	}
}

func TestIngestBlobFailureIsPersistenceError(t *testing.T) {
	records := &stubRecords{}
	blobs := newStubBlobs()
	blobs.err = errors.New("connection refused")
	svc := newTestService(records, blobs)

	body, contentType := multipartBody(resumeSegment([]byte("%PDF-1.4")))
	_, err := svc.Ingest(context.Background(), body, contentType, nil)

	var apiErr *pipeline.Error
	if !errors.As(err, &apiErr) || apiErr.Code != pipeline.CodePersistenceError {
		t.Fatalf("expected PERSISTENCE_ERROR, got %v", err)
	}
	if len(records.created) != 0 {
		t.Fatal("record created despite blob failure")
	}
}

func TestIngestRecordFailureIsPersistenceError(t *testing.T) {
	records := &stubRecords{err: errors.New("wrongtype")}
	blobs := newStubBlobs()
	svc := newTestService(records, blobs)

	body, contentType := multipartBody(resumeSegment([]byte("%PDF-1.4")))
	_, err := svc.Ingest(context.Background(), body, contentType, nil)

	var apiErr *pipeline.Error
	if !errors.As(err, &apiErr) || apiErr.Code != pipeline.CodePersistenceError {
		t.Fatalf("expected PERSISTENCE_ERROR, got %v", err)
	}
	// 原本ブロブは残ってよい（参照するレコードがない）
	if len(blobs.objects) != 1 {
		t.Fatalf("blob count = %d", len(blobs.objects))
	}
}

func TestIngestDetectsContentTypeWhenMissing(t *testing.T) {
	records := &stubRecords{}
	blobs := newStubBlobs()
	svc := newTestService(records, blobs)

	// Content-Type ヘッダーのない resume パート
	segment := "Content-Disposition: form-data; name=\"resume\"; filename=\"cv.pdf\"\r\n\r\n%PDF-1.4 body"
	body, contentType := multipartBody(segment)

	handle, err := svc.Ingest(context.Background(), body, contentType, nil)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	detected := blobs.types[handle.Key]
	if !strings.HasPrefix(detected, "application/pdf") {
		t.Fatalf("detected content type = %q", detected)
	}
}
