package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/yourusername/resume-forge/internal/jobs"
)

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]*jobs.Record
	history map[string][]jobs.Status
}

func newFakeRecords(seed ...*jobs.Record) *fakeRecords {
	f := &fakeRecords{
		records: map[string]*jobs.Record{},
		history: map[string][]jobs.Status{},
	}
	for _, r := range seed {
		f.records[r.JobID] = r
		f.history[r.JobID] = []jobs.Status{r.Status}
	}
	return f
}

func (f *fakeRecords) Get(_ context.Context, jobID string) (*jobs.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[jobID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (f *fakeRecords) Patch(_ context.Context, jobID string, patch jobs.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	before := record.Status
	jobs.ApplyPatch(record, patch)
	if record.Status != before {
		f.history[jobID] = append(f.history[jobID], record.Status)
	}
	return nil
}

func (f *fakeRecords) MarkFailed(ctx context.Context, jobID, message string) error {
	status := jobs.StatusFailed
	return f.Patch(ctx, jobID, jobs.Patch{Status: &status, Error: &message})
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  map[string]error
	puts    int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		objects: map[string][]byte{},
		getErr:  map[string]error{},
	}
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), data...)
	f.puts++
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.getErr[key]; ok {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, nil
}

func (f *fakeBlobs) Bucket() string {
	return "test-bucket"
}

func newTestOrchestrator(t *testing.T, records RecordStore, blobs BlobStore) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator("redis://127.0.0.1:6379", records, blobs, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}
	return o
}

func runTask(t *testing.T, o *Orchestrator, in StageInput) error {
	t.Helper()
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("failed to marshal input: %v", err)
	}
	return o.handleRun(context.Background(), asynq.NewTask(taskTypeRun, payload))
}

func seedJob(blobs *fakeBlobs) (*jobs.Record, StageInput) {
	resumeKey := "cv/job-1/original.pdf"
	blobs.objects[resumeKey] = []byte("%PDF-1.4\nSenior Go engineer with Redis and queueing experience")

	record := &jobs.Record{
		JobID:          "job-1",
		Status:         jobs.StatusUploaded,
		S3Key:          resumeKey,
		Bucket:         "test-bucket",
		JobDescription: "Software Engineer",
		TargetTitle:    "Platform Engineer",
		JobSkills:      []string{"Go"},
	}
	input := StageInput{
		JobID:          record.JobID,
		Bucket:         record.Bucket,
		ResumeKey:      resumeKey,
		JobDescription: record.JobDescription,
		TargetTitle:    record.TargetTitle,
		Skills:         record.JobSkills,
		Certificates:   []string{},
		RequestID:      record.JobID,
	}
	return record, input
}

func TestHandleRunCompletesJob(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	if err := runTask(t, o, input); err != nil {
		t.Fatalf("handleRun returned error: %v", err)
	}

	final := records.records[input.JobID]
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}

	if final.Scoring == nil {
		t.Fatal("scoring not recorded")
	}
	if len(final.Scoring.MissingSkills) != 2 ||
		final.Scoring.MissingSkills[0] != "AWS" || final.Scoring.MissingSkills[1] != "Python" {
		t.Fatalf("missingSkills = %v", final.Scoring.MissingSkills)
	}

	if len(final.EnhancementsApplied) != len(SectionKinds) {
		t.Fatalf("enhancement count = %d", len(final.EnhancementsApplied))
	}
	for i, kind := range SectionKinds {
		if final.EnhancementsApplied[i].Type != kind {
			t.Fatalf("enhancement %d type = %q, want %q", i, final.EnhancementsApplied[i].Type, kind)
		}
		if !final.EnhancementsApplied[i].Applied {
			t.Fatalf("enhancement %q not applied", kind)
		}
	}

	if len(final.Artifacts) != 2 {
		t.Fatalf("artifact count = %d: %v", len(final.Artifacts), final.Artifacts)
	}
	for _, name := range []string{"tailoredCV", "coverLetter"} {
		locator := final.Artifacts[name]
		if !strings.HasPrefix(locator, "s3://test-bucket/jobs/job-1/") {
			t.Fatalf("artifact %s locator = %q", name, locator)
		}
	}

	// 状態は前進のみ
	history := records.history[input.JobID]
	for i := 1; i < len(history); i++ {
		if history[i].Rank() <= history[i-1].Rank() {
			t.Fatalf("status went backwards: %v", history)
		}
	}

	// 抽出エンベロープが保存され、raw_text を持つ
	extraction, ok := blobs.objects[extractionKey(input.ResumeKey)]
	if !ok {
		t.Fatal("extraction envelope not stored")
	}
	var envelope ExtractEnvelope
	if err := json.Unmarshal(extraction, &envelope); err != nil {
		t.Fatalf("envelope not valid JSON: %v", err)
	}
	if envelope.RawText == "" || !envelope.Success {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestHandleRunTerminalJobIsNoOp(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	record.Status = jobs.StatusCompleted
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	if err := runTask(t, o, input); err != nil {
		t.Fatalf("handleRun returned error: %v", err)
	}
	if blobs.puts != 0 {
		t.Fatalf("terminal job still produced %d blob writes", blobs.puts)
	}
	if records.records[input.JobID].Status != jobs.StatusCompleted {
		t.Fatalf("terminal status changed: %s", records.records[input.JobID].Status)
	}
}

func TestHandleRunResumeFetchFailureMarksFailed(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	delete(blobs.objects, input.ResumeKey)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	err := runTask(t, o, input)
	if err == nil {
		t.Fatal("expected error when resume blob is missing")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUpstreamFetchError {
		t.Fatalf("expected UPSTREAM_FETCH_ERROR, got %v", err)
	}

	// ワーカー外の呼び出しは最終試行として扱われ、レコードが failed になる
	final := records.records[input.JobID]
	if final.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error == "" {
		t.Fatal("error message not recorded")
	}
}

func TestCombineFetchFailureIsFatal(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	ref := extractionKey(input.ResumeKey)
	blobs.getErr[ref] = fmt.Errorf("connection reset")

	_, err := o.runCombine(context.Background(), input, ref, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUpstreamFetchError {
		t.Fatalf("expected UPSTREAM_FETCH_ERROR, got %v", err)
	}
}

func TestCombineEmptyRawTextIsFatal(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	ref := extractionKey(input.ResumeKey)
	blobs.objects[ref] = []byte(`{"raw_text":"","sections":{},"success":true}`)

	_, err := o.runCombine(context.Background(), input, ref, nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeUpstreamFetchError {
		t.Fatalf("expected UPSTREAM_FETCH_ERROR for empty raw_text, got %v", err)
	}
}

func TestCombinePrefersInlineResumeText(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	input.ResumeText = "inline resume body"
	merged, err := o.runCombine(context.Background(), input, "missing-ref", []jobs.Enhancement{
		{Type: "summary", Content: "x", Applied: true},
	})
	if err != nil {
		t.Fatalf("runCombine returned error: %v", err)
	}
	if !strings.HasPrefix(merged, "inline resume body") {
		t.Fatalf("merged body does not start with inline text: %q", merged)
	}
	if !strings.Contains(merged, "[Enhanced Sections: summary]") {
		t.Fatalf("merged body missing section marker: %q", merged)
	}
}

func TestHandleRunIsIdempotentUnderRedelivery(t *testing.T) {
	blobs := newFakeBlobs()
	record, input := seedJob(blobs)
	records := newFakeRecords(record)
	o := newTestOrchestrator(t, records, blobs)

	if err := runTask(t, o, input); err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	first := *records.records[input.JobID]

	// 再配信。終端ガードにより何も変化しない
	if err := runTask(t, o, input); err != nil {
		t.Fatalf("redelivered run returned error: %v", err)
	}
	second := *records.records[input.JobID]

	if first.Status != second.Status || len(first.Artifacts) != len(second.Artifacts) {
		t.Fatalf("redelivery changed the record: %+v vs %+v", first, second)
	}
	if !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Fatalf("redelivery changed completedAt: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
}
