package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/resume-forge/internal/jobs"
	"github.com/yourusername/resume-forge/internal/pipeline"
)

// Ingestor はアップロードを受け付けられるサービスが実装します。
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, contentType string, query url.Values) (*JobHandle, error)
}

// RecordReader はジョブレコードを参照できるストアが実装します。
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
}

// UploadHandler は POST /api/resume/upload のハンドラーを返します。
// ボディは multipart/form-data の生バイト列として読み取り、
// デコードはサービス側に委ねます。
func UploadHandler(svc Ingestor, maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		reader := io.Reader(c.Request.Body)
		if maxBodyBytes > 0 {
			reader = io.LimitReader(c.Request.Body, maxBodyBytes+1)
		}
		raw, err := io.ReadAll(reader)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "リクエストボディを読み取れませんでした。",
			})
			return
		}
		if maxBodyBytes > 0 && int64(len(raw)) > maxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   "アップロードサイズが上限を超えています。",
			})
			return
		}

		handle, err := svc.Ingest(c.Request.Context(),
			raw, c.GetHeader("Content-Type"), c.Request.URL.Query())
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"jobId":   handle.JobID,
			"message": "Resume uploaded. Tailoring started.",
			"upload": gin.H{
				"bucket": handle.Bucket,
				"key":    handle.Key,
			},
		})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
// ジョブレコード全体をそのまま返します。
func StatusHandler(records RecordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if jobID == "" {
			jobID = c.Query("jobId")
		}
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "jobId を指定してください。",
			})
			return
		}

		record, err := records.Get(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "ジョブの参照に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "ジョブが見つかりません。",
			})
			return
		}

		c.JSON(http.StatusOK, record)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *pipeline.Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case pipeline.CodeMalformedInput, pipeline.CodeMissingRequiredField:
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   apiErr.Message,
			"code":    apiErr.Code,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"success": false,
			"error":   "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "サーバー内部でエラーが発生しました。",
		})
	}
}
