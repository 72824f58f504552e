package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/pkg/response"
	"github.com/qs3c/karaoke_go_server/internal/repository"
	"github.com/qs3c/karaoke_go_server/internal/service"
)

type JobHandler struct {
	jobService *service.JobService
}

func NewJobHandler(jobService *service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// statusView 轮询接口的任务视图，附带派生的耗时字段
type statusView struct {
	*model.JobRecord
	ElapsedSeconds int `json:"elapsed_seconds"`
}

func newStatusView(rec *model.JobRecord) statusView {
	return statusView{JobRecord: rec, ElapsedSeconds: rec.ElapsedSeconds()}
}

// Create 上传音频并开始处理
// POST /api/v1/process
func (h *JobHandler) Create(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.ParamError(c, "缺少上传文件")
		return
	}

	jobCfg := parseJobConfig(c)

	src, err := fileHeader.Open()
	if err != nil {
		response.ServerError(c, "读取上传文件失败")
		return
	}
	defer src.Close()

	rec, err := h.jobService.CreateJob(c.Request.Context(), fileHeader.Filename, fileHeader.Size, src, jobCfg)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidFormat),
			errors.Is(err, service.ErrFileTooLarge),
			errors.Is(err, service.ErrEmptyFile):
			response.ParamError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.Accepted(c, gin.H{
		"job_id": rec.JobID,
		"status": rec.Status,
	})
}

// GetStatus 查询任务状态
// GET /api/v1/status/:id
func (h *JobHandler) GetStatus(c *gin.Context) {
	rec, err := h.jobService.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			response.NotFoundError(c, "任务不存在")
			return
		}
		response.ServerError(c, "")
		return
	}

	response.Success(c, newStatusView(rec))
}

// GetResults 查询处理结果，未完成返回 202
// GET /api/v1/results/:id
func (h *JobHandler) GetResults(c *gin.Context) {
	rec, err := h.jobService.GetResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
			response.NotFoundError(c, "任务不存在")
		case errors.Is(err, service.ErrJobNotFinished):
			response.Accepted(c, newStatusView(rec))
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, newStatusView(rec))
}

// List 按状态过滤列出任务
// GET /api/v1/jobs?status=COMPLETED&limit=20
func (h *JobHandler) List(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.ParamError(c, "limit 必须是正整数")
			return
		}
		limit = n
	}

	jobs, err := h.jobService.ListJobs(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidStatus) {
			response.ParamError(c, err.Error())
			return
		}
		response.ServerError(c, "")
		return
	}

	views := make([]statusView, 0, len(jobs))
	for _, rec := range jobs {
		views = append(views, newStatusView(rec))
	}
	response.Success(c, gin.H{
		"jobs":  views,
		"count": len(views),
	})
}

// Delete 删除任务记录和产物
// DELETE /api/v1/jobs/:id
func (h *JobHandler) Delete(c *gin.Context) {
	err := h.jobService.DeleteJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrJobNotFound):
			response.NotFoundError(c, "任务不存在")
		case errors.Is(err, service.ErrJobActive):
			response.ConflictError(c, err.Error())
		default:
			response.ServerError(c, "")
		}
		return
	}

	response.Success(c, gin.H{"deleted": true})
}

// Stats 任务统计和队列深度
// GET /api/v1/stats
func (h *JobHandler) Stats(c *gin.Context) {
	stats, depths, err := h.jobService.Stats(c.Request.Context())
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, gin.H{
		"jobs":   stats,
		"queues": depths,
	})
}

// parseJobConfig 从表单字段解析处理配置，未给出的开关默认开启
func parseJobConfig(c *gin.Context) model.JobConfig {
	cfg := model.DefaultJobConfig()

	cfg.EnableVocalsExtraction = formBool(c, "enable_vocals_extraction", cfg.EnableVocalsExtraction)
	cfg.EnableTranscription = formBool(c, "enable_transcription", cfg.EnableTranscription)
	cfg.EnableBeatTracking = formBool(c, "enable_beat_tracking", cfg.EnableBeatTracking)
	cfg.DemucsModel = c.PostForm("demucs_model")
	cfg.WhisperModel = c.PostForm("whisper_model")
	cfg.Language = c.PostForm("language")

	return cfg
}

func formBool(c *gin.Context, key string, fallback bool) bool {
	v := c.PostForm(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
