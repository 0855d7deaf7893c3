package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"regulatory-rag/internal/config"
	"regulatory-rag/internal/helper"
	"regulatory-rag/internal/models"
	"regulatory-rag/internal/parser"
	"regulatory-rag/internal/rag"
)

// Handler serves the question answering API.
type Handler struct {
	rag          *rag.RAG
	rawDir       string
	processedDir string
	topK         int
	embedModel   string
	timeout      time.Duration
}

// NewHandler serves answers from r. Uploads land in rawDir; /documents lists processedDir.
func NewHandler(r *rag.RAG, rawDir, processedDir string, topK int, embedModel string, timeout time.Duration) *Handler {
	return &Handler{rag: r, rawDir: rawDir, processedDir: processedDir, topK: topK, embedModel: embedModel, timeout: timeout}
}

// NewRouter wires middleware and routes.
func NewRouter(h *Handler, cfg *config.ServerConfig, serviceName string) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.health)
	router.GET("/documents", h.documents)
	router.POST("/ask", h.ask)
	router.POST("/retrieve", h.retrieve)
	router.POST("/upload", h.upload)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"embedding_model": h.embedModel,
		"timestamp":       time.Now(),
	})
}

func (h *Handler) documents(c *gin.Context) {
	names, err := parser.DocumentNames(h.processedDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": names})
}

// upload stores a raw document for the next -extract run. Only the base name
// of the client's file name is used.
func (h *Handler) upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			ErrorCode: "invalid_request",
			Message:   "Request must be multipart with a file field",
			Details:   err.Error(),
		})
		return
	}

	name := filepath.Base(file.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) || !parser.SupportedFile(name) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			ErrorCode: "invalid_request",
			Message:   "Unsupported file type",
			Details:   name,
		})
		return
	}

	if err := helper.CreateFolder(h.rawDir); err != nil {
		writeError(c, err)
		return
	}
	if err := c.SaveUploadedFile(file, filepath.Join(h.rawDir, name)); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("file", name).Int64("size", file.Size).Msg("Document uploaded")
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("%s uploaded successfully.", name)})
}

func (h *Handler) ask(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			ErrorCode: "invalid_request",
			Message:   "Request body must contain a non-empty question",
			Details:   err.Error(),
		})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	resp, err := h.rag.Ask(ctx, req.Question, rag.Filter{RegulationType: models.RegulationType(req.RegulationType)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) retrieve(c *gin.Context) {
	var req models.RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			ErrorCode: "invalid_request",
			Message:   "Request body must contain a non-empty query",
			Details:   err.Error(),
		})
		return
	}
	topK := h.topK
	if req.TopK != nil {
		topK = *req.TopK
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	results, err := h.rag.Retriever().Retrieve(ctx, req.Query, topK, rag.Filter{RegulationType: models.RegulationType(req.RegulationType)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RetrieveResponse{Query: req.Query, Results: results})
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// writeError maps the error taxonomy to status codes. Retrieval and
// generation failures stay distinguishable from a successful answer.
func writeError(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, "internal_error", "Internal server error"
	switch {
	case errors.Is(err, models.ErrEmptyQuestion),
		errors.Is(err, models.ErrInvalidTopK),
		errors.Is(err, models.ErrInvalidFilter):
		status, code, msg = http.StatusBadRequest, "invalid_request", "Invalid request"
	case errors.Is(err, models.ErrRetrieval):
		status, code, msg = http.StatusBadGateway, "retrieval_failed", "Failed to retrieve context"
	case errors.Is(err, models.ErrGeneration):
		status, code, msg = http.StatusBadGateway, "generation_failed", "Failed to generate answer"
	}
	c.JSON(status, models.ErrorResponse{ErrorCode: code, Message: msg, Details: err.Error()})
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, handler http.Handler, port string) error {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}
