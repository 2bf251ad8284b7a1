package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/auth"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/broadcast"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/sources"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const operatorContextKey = "tidewatch_operator"

var (
	errMissingTrackingService = errors.New("tracking service dependency required")
	errMissingSourceRegistry  = errors.New("source registry dependency required")
	errMissingDispatcher      = errors.New("broadcast dispatcher dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves an operator bearer token to the operator name.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// HistoryLookup fetches historical fixes from the profile service.
type HistoryLookup interface {
	History(ctx context.Context, stationID string, limit int) ([]enrichment.Location, error)
}

// PendingCounter reports the enrichment backlog.
type PendingCounter interface {
	Pending() int
}

type Dependencies struct {
	Tracking   *tracking.Service
	Sources    *sources.Registry
	Dispatcher *broadcast.Dispatcher
	// Tokens guards the mutating routes; nil leaves them open.
	Tokens     TokenValidator
	History    HistoryLookup
	Enrichment PendingCounter
	Metrics    *metrics.Metrics
	UploadDir  string
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tracking == nil {
		return nil, errMissingTrackingService
	}
	if deps.Sources == nil {
		return nil, errMissingSourceRegistry
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tracking:   deps.Tracking,
		sources:    deps.Sources,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		history:    deps.History,
		enrichment: deps.Enrichment,
		uploadDir:  deps.UploadDir,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	router.GET("/ws", handler.handleStream)

	api := router.Group("/api")
	api.GET("/status", handler.handleStatus)
	api.GET("/sources", handler.handleListSources)
	api.GET("/serial/ports", handler.handleSerialPorts)
	api.GET("/vessels", handler.handleSearchVessels)
	api.GET("/vessels/active", handler.handleActiveVessels)
	api.GET("/vessels/:station", handler.handleVessel)
	api.GET("/vessels/:station/track", handler.handleTrack)
	api.GET("/vessels/:station/history", handler.handleHistory)
	api.GET("/positions/recent", handler.handleRecentPositions)
	api.GET("/messages/text", handler.handleTextMessages)

	protected := api.Group("/")
	if deps.Tokens != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.POST("/sources", handler.handleRegisterSource)
	protected.POST("/sources/upload", handler.handleUploadSource)
	protected.POST("/sources/disable-all", handler.handleDisableAll)
	protected.PATCH("/sources/:id/toggle", handler.handleToggleSource)
	protected.PATCH("/sources/:id/message-limit", handler.handleMessageLimit)
	protected.PATCH("/sources/:id/target-limit", handler.handleTargetLimit)
	protected.PATCH("/sources/:id/keep-non-vessel", handler.handleKeepNonVessel)
	protected.PATCH("/sources/:id/spoof-limit", handler.handleSpoofLimit)
	protected.POST("/sources/:id/pause", handler.handlePauseSource)
	protected.POST("/sources/:id/resume", handler.handleResumeSource)
	protected.DELETE("/sources/:id", handler.handleDeleteSource)
	protected.POST("/database/clear", handler.handleClearDatabase)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tracking   *tracking.Service
	sources    *sources.Registry
	dispatcher *broadcast.Dispatcher
	tokens     TokenValidator
	history    HistoryLookup
	enrichment PendingCounter
	uploadDir  string
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	Database          tracking.Status  `json:"database"`
	Sources           []sources.Source `json:"sources"`
	ActiveSources     int              `json:"active_sources"`
	Subscribers       int              `json:"subscribers"`
	EnrichmentPending int              `json:"enrichment_pending"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.tracking.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	registered, err := h.sources.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := statusResponse{
		Database:    status,
		Sources:     registered,
		Subscribers: h.dispatcher.SubscriberCount(),
	}
	for _, source := range registered {
		if source.IsActive() {
			response.ActiveSources++
		}
	}
	if h.enrichment != nil {
		response.EnrichmentPending = h.enrichment.Pending()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleClearDatabase(c *gin.Context) {
	if err := h.tracking.ClearAll(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.sources.ResetCounters(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("datastore cleared", zap.String("operator", c.GetString(operatorContextKey)))
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	operator, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, operator)
	c.Next()
}

type codedError interface {
	Code() string
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sources.ErrDuplicateSource):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_source", "detail": err.Error()})
	case errors.Is(err, sources.ErrSourceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "source_not_found"})
	case errors.Is(err, tracking.ErrNotFound), errors.Is(err, enrichment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, transport.ErrInvalidTransport), errors.Is(err, sources.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled"})
	default:
		var coded codedError
		if errors.As(err, &coded) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": coded.Code()})
			return
		}
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
