package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fetchlab/tickmirror/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingCache = errors.New("cache store dependency required")

// CacheReader is the read-only slice of the cache store the query surface
// consumes. Nothing here refreshes or writes.
type CacheReader interface {
	GetProject(ctx context.Context, id string) (store.Project, bool, error)
	GetTask(ctx context.Context, id string) (store.Task, bool, error)
	GetNote(ctx context.Context, id string) (store.Note, bool, error)
	ListProjects(ctx context.Context) ([]store.Project, error)
	ListTasks(ctx context.Context) ([]store.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]store.Task, error)
	ListNotes(ctx context.Context) ([]store.Note, error)
}

// Dependencies bundles what the HTTP handler needs.
type Dependencies struct {
	Cache  CacheReader
	Logger *zap.Logger
}

// NewHTTPHandler builds the read-only query surface over the cache store.
// Responses carry cache metadata and a computed freshness flag; staleness
// decisions belong to the consumer.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Cache == nil {
		return nil, errMissingCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{cache: deps.Cache, logger: logger}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/projects", handler.handleListProjects)
	router.GET("/projects/:id", handler.handleGetProject)
	router.GET("/projects/:id/tasks", handler.handleListProjectTasks)
	router.GET("/tasks", handler.handleListTasks)
	router.GET("/tasks/:id", handler.handleGetTask)
	router.GET("/notes", handler.handleListNotes)
	router.GET("/notes/:id", handler.handleGetNote)

	return router, nil
}

type httpHandler struct {
	cache  CacheReader
	logger *zap.Logger
}

type projectResponse struct {
	store.Project
	Fresh bool `json:"fresh"`
}

type taskResponse struct {
	store.Task
	Fresh bool `json:"fresh"`
}

type noteResponse struct {
	store.Note
	Fresh bool `json:"fresh"`
}

func (h *httpHandler) handleHealth(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListProjects(ginContext *gin.Context) {
	projects, err := h.cache.ListProjects(ginContext.Request.Context())
	if err != nil {
		h.renderQueryError(ginContext, "list projects", err)
		return
	}
	responses := make([]projectResponse, 0, len(projects))
	now := time.Now().UTC().Unix()
	for _, project := range projects {
		responses = append(responses, projectResponse{Project: project, Fresh: now < project.CacheExpiry})
	}
	ginContext.JSON(http.StatusOK, responses)
}

func (h *httpHandler) handleGetProject(ginContext *gin.Context) {
	project, fresh, err := h.cache.GetProject(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		h.renderLookupError(ginContext, "get project", err)
		return
	}
	ginContext.JSON(http.StatusOK, projectResponse{Project: project, Fresh: fresh})
}

func (h *httpHandler) handleListProjectTasks(ginContext *gin.Context) {
	tasks, err := h.cache.ListTasksByProject(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		h.renderQueryError(ginContext, "list project tasks", err)
		return
	}
	ginContext.JSON(http.StatusOK, h.taskResponses(tasks))
}

func (h *httpHandler) handleListTasks(ginContext *gin.Context) {
	tasks, err := h.cache.ListTasks(ginContext.Request.Context())
	if err != nil {
		h.renderQueryError(ginContext, "list tasks", err)
		return
	}
	ginContext.JSON(http.StatusOK, h.taskResponses(tasks))
}

func (h *httpHandler) handleGetTask(ginContext *gin.Context) {
	task, fresh, err := h.cache.GetTask(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		h.renderLookupError(ginContext, "get task", err)
		return
	}
	ginContext.JSON(http.StatusOK, taskResponse{Task: task, Fresh: fresh})
}

func (h *httpHandler) handleListNotes(ginContext *gin.Context) {
	notes, err := h.cache.ListNotes(ginContext.Request.Context())
	if err != nil {
		h.renderQueryError(ginContext, "list notes", err)
		return
	}
	responses := make([]noteResponse, 0, len(notes))
	now := time.Now().UTC().Unix()
	for _, note := range notes {
		responses = append(responses, noteResponse{Note: note, Fresh: now < note.CacheExpiry})
	}
	ginContext.JSON(http.StatusOK, responses)
}

func (h *httpHandler) handleGetNote(ginContext *gin.Context) {
	note, fresh, err := h.cache.GetNote(ginContext.Request.Context(), ginContext.Param("id"))
	if err != nil {
		h.renderLookupError(ginContext, "get note", err)
		return
	}
	ginContext.JSON(http.StatusOK, noteResponse{Note: note, Fresh: fresh})
}

func (h *httpHandler) taskResponses(tasks []store.Task) []taskResponse {
	responses := make([]taskResponse, 0, len(tasks))
	now := time.Now().UTC().Unix()
	for _, task := range tasks {
		responses = append(responses, taskResponse{Task: task, Fresh: now < task.CacheExpiry})
	}
	return responses
}

func (h *httpHandler) renderLookupError(ginContext *gin.Context, operation string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.renderQueryError(ginContext, operation, err)
}

func (h *httpHandler) renderQueryError(ginContext *gin.Context, operation string, err error) {
	h.logger.Error("query failed", zap.String("operation", operation), zap.Error(err))
	ginContext.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
}
