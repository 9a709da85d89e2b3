// Package fakebackend is an in-memory stand-in for the image generation API.
// Every submitted job walks a scripted status sequence, one step per poll.
package fakebackend

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gelotto/imagegen-client/internal/models"
)

// ImagePathPrefix is where completed jobs publish their images
const ImagePathPrefix = "/api/generate/image/"

// Step is one answer a job gives to a status poll
type Step struct {
	Status   string
	Progress *float64
	Error    string
	// NoImage makes a completed step omit image_url
	NoImage  bool
}

// Queued reports the job as waiting
func Queued() Step { return Step{Status: models.StatusQueued} }

// Processing reports the job as running with the given progress
func Processing(progress float64) Step {
	return Step{Status: models.StatusProcessing, Progress: &progress}
}

// Completed finishes the job with an image
func Completed() Step { return Step{Status: models.StatusCompleted} }

// Failed finishes the job with an error. An empty reason omits the error field.
func Failed(reason string) Step { return Step{Status: models.StatusError, Error: reason} }

// DefaultScript is followed by jobs without an explicit script
func DefaultScript() []Step {
	return []Step{Queued(), Processing(50), Completed()}
}

// HTTPError is an injected error response
type HTTPError struct {
	StatusCode int
	Detail     any
}

type job struct {
	id      string
	request models.GenerateRequest
	steps   []Step
	polls   int
}

func (j *job) current() Step {
	i := j.polls
	if i >= len(j.steps) {
		i = len(j.steps) - 1
	}
	return j.steps[i]
}

// Server serves the generation API from memory
type Server struct {
	engine *gin.Engine
	logger *zap.Logger

	mu            sync.Mutex
	jobs          map[string]*job
	defaultScript []Step
	queued        [][]Step
	modelList     models.ModelList

	// Failure injection
	submitError *HTTPError
	statusError *HTTPError

	// Request tracking
	submitCalls int32
	statusCalls int32
	imageCalls  int32
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithModels replaces the advertised model directory
func WithModels(list models.ModelList) Option {
	return func(s *Server) {
		s.modelList = list
	}
}

// WithDefaultScript replaces the script used by unscripted jobs
func WithDefaultScript(steps ...Step) Option {
	return func(s *Server) {
		if len(steps) > 0 {
			s.defaultScript = steps
		}
	}
}

// DefaultModels is the directory served unless WithModels is given
func DefaultModels() models.ModelList {
	return models.ModelList{
		Base: []models.ModelInfo{
			{Filename: "sdxl-base.safetensors", DisplayName: "SDXL Base", Category: models.CategoryBase},
			{Filename: "sd15-base.safetensors", DisplayName: "SD 1.5 Base", Category: models.CategoryBase},
		},
		Merged: []models.ModelInfo{
			{Filename: "dreamshaper-merge.safetensors", DisplayName: "DreamShaper Merge", Category: models.CategoryMerged},
		},
		Lora: []models.ModelInfo{
			{Filename: "detail-tweaker.safetensors", DisplayName: "Detail Tweaker", Category: models.CategoryLora},
		},
	}
}

// New creates a fake backend
func New(opts ...Option) *Server {
	s := &Server{
		logger:        zap.NewNop(),
		jobs:          make(map[string]*job),
		defaultScript: DefaultScript(),
		modelList:     DefaultModels(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))

	api := engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/models", s.handleModels)
	api.POST("/generate", s.handleSubmit)
	api.GET("/generate/status/:id", s.handleStatus)
	api.GET("/generate/image/:filename", s.handleImage)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.engine
}

// QueueScript sets the script of the next submitted job. Scripts queue up in
// submission order.
func (s *Server) QueueScript(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, steps)
}

// SetSubmitError makes submissions fail with the given status and detail
func (s *Server) SetSubmitError(statusCode int, detail any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitError = &HTTPError{StatusCode: statusCode, Detail: detail}
}

// SetStatusError makes status polls fail with the given status and detail
func (s *Server) SetStatusError(statusCode int, detail any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusError = &HTTPError{StatusCode: statusCode, Detail: detail}
}

// ClearErrors removes injected failures
func (s *Server) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitError = nil
	s.statusError = nil
}

// Job returns the payload submitted for id
func (s *Server) Job(id string) (models.GenerateRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.GenerateRequest{}, false
	}
	return j.request, true
}

// Polls returns how many status polls a job has answered
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.polls
	}
	return 0
}

// Reset forgets all jobs, scripts, injected failures and counters
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*job)
	s.queued = nil
	s.submitError = nil
	s.statusError = nil
	atomic.StoreInt32(&s.submitCalls, 0)
	atomic.StoreInt32(&s.statusCalls, 0)
	atomic.StoreInt32(&s.imageCalls, 0)
}

// GetSubmitCalls returns the number of submissions (thread-safe)
func (s *Server) GetSubmitCalls() int {
	return int(atomic.LoadInt32(&s.submitCalls))
}

// GetStatusCalls returns the number of status polls (thread-safe)
func (s *Server) GetStatusCalls() int {
	return int(atomic.LoadInt32(&s.statusCalls))
}

// GetImageCalls returns the number of image downloads (thread-safe)
func (s *Server) GetImageCalls() int {
	return int(atomic.LoadInt32(&s.imageCalls))
}

type submitBody struct {
	Prompt     string  `json:"prompt" binding:"required"`
	Model      string  `json:"model" binding:"required"`
	Steps      int     `json:"steps" binding:"required,min=1,max=150"`
	CFG        float64 `json:"cfg" binding:"required,gt=0"`
	Seed       int64   `json:"seed"`
	Resolution struct {
		Width  int `json:"width" binding:"required,min=64,max=2048"`
		Height int `json:"height" binding:"required,min=64,max=2048"`
	} `json:"resolution" binding:"required"`
	NegativePrompt *string `json:"negative_prompt"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{Status: "healthy", Service: "image-generation"})
}

func (s *Server) handleModels(c *gin.Context) {
	s.mu.Lock()
	list := s.modelList
	s.mu.Unlock()
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleSubmit(c *gin.Context) {
	atomic.AddInt32(&s.submitCalls, 1)

	s.mu.Lock()
	injected := s.submitError
	s.mu.Unlock()
	if injected != nil {
		c.JSON(injected.StatusCode, gin.H{"detail": injected.Detail})
		return
	}

	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"detail": []gin.H{{"loc": []string{"body"}, "msg": err.Error(), "type": "value_error"}},
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modelList.Find(body.Model); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Model not found: %s", body.Model)})
		return
	}

	steps := s.defaultScript
	if len(s.queued) > 0 {
		steps = s.queued[0]
		s.queued = s.queued[1:]
	}
	if len(steps) == 0 {
		steps = DefaultScript()
	}

	id := uuid.NewString()
	s.jobs[id] = &job{
		id: id,
		request: models.GenerateRequest{
			Prompt:         body.Prompt,
			Model:          body.Model,
			Steps:          body.Steps,
			CFG:            body.CFG,
			Seed:           body.Seed,
			Resolution:     models.Resolution{Width: body.Resolution.Width, Height: body.Resolution.Height},
			NegativePrompt: body.NegativePrompt,
		},
		steps: steps,
	}

	s.logger.Info("generation job accepted",
		zap.String("request_id", id),
		zap.String("model", body.Model),
		zap.Int("script_steps", len(steps)))

	c.JSON(http.StatusOK, models.GenerateResponse{
		RequestID: id,
		Status:    models.StatusQueued,
		Message:   "Generation request queued",
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	atomic.AddInt32(&s.statusCalls, 1)
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statusError != nil {
		c.JSON(s.statusError.StatusCode, gin.H{"detail": s.statusError.Detail})
		return
	}

	j, ok := s.jobs[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Request not found"})
		return
	}

	step := j.current()
	j.polls++

	resp := models.StatusResponse{
		RequestID: id,
		Status:    step.Status,
		Progress:  step.Progress,
		Error:     step.Error,
	}
	if isCompleted(step.Status) && !step.NoImage {
		resp.ImageURL = ImagePathPrefix + id + ".png"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleImage(c *gin.Context) {
	atomic.AddInt32(&s.imageCalls, 1)
	id := strings.TrimSuffix(c.Param("filename"), ".png")

	s.mu.Lock()
	j, ok := s.jobs[id]
	ready := ok && j.polls > 0 && isCompleted(j.steps[min(j.polls, len(j.steps))-1].Status)
	s.mu.Unlock()

	if !ready {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Image not found"})
		return
	}

	data, err := placeholderPNG(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to encode image"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func isCompleted(status string) bool {
	return status == models.StatusCompleted || status == models.StatusComplete
}

// placeholderPNG renders a small solid tile whose colour depends on id
func placeholderPNG(id string) ([]byte, error) {
	var seed byte
	for i := 0; i < len(id); i++ {
		seed += id[i]
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	fill := color.RGBA{R: seed, G: seed / 2, B: 255 - seed, A: 255}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
