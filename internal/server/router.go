package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/auth"
	"github.com/MarcoPoloResearchLab/mediavault/internal/content"
	"github.com/MarcoPoloResearchLab/mediavault/internal/license"
	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/metadiff"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providerconfig"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"github.com/MarcoPoloResearchLab/mediavault/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	adminSubjectContextKey = "mediavault_admin_subject"

	defaultMaxBodyBytes      = 1 << 20
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingReconciler = errors.New("reconciler dependency required")
	errMissingProviders  = errors.New("provider settings dependency required")
	errMissingLicense    = errors.New("license gate dependency required")
	errMissingEntities   = errors.New("entity service dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingRealtime   = errors.New("realtime dispatcher dependency required")
	errLicenseInactive   = errors.New("license is not active")
	errInvalidRequest    = errors.New("invalid request payload")
)

// WebhookReconciler applies provider deliveries and answers status polls.
// Stored answers from recorded status alone.
type WebhookReconciler interface {
	HandleWebhook(ctx context.Context, provider media.Provider, header http.Header, body []byte) (reconcile.WebhookResult, error)
	Poll(ctx context.Context, videoID string) (reconcile.PollResult, error)
	Stored(ctx context.Context, videoID string) (reconcile.PollResult, error)
}

// ProviderSettings manages stored provider credentials.
type ProviderSettings interface {
	View(ctx context.Context, provider media.Provider) (providerconfig.View, error)
	Save(ctx context.Context, provider media.Provider, input map[string]string, enabled bool) (providerconfig.View, error)
	Test(ctx context.Context, provider media.Provider, override map[string]string) (providerconfig.TestResult, error)
}

// LicenseGate is the license surface exposed over HTTP.
type LicenseGate interface {
	Status() license.Status
	IsActive() bool
	RecordUsage(ctx context.Context) error
	Activate(ctx context.Context, rawKey string) (license.Status, error)
	Validate(ctx context.Context) (license.Status, error)
	Deactivate(ctx context.Context) (license.Status, error)
}

// EntityService writes host entities and triggers remote asset cleanup.
type EntityService interface {
	Get(ctx context.Context, ref media.EntityRef) (content.Entity, error)
	UpdateMetadata(ctx context.Context, ref media.EntityRef, parentID string, meta media.Metadata) (content.UpdateResult, error)
	Delete(ctx context.Context, ref media.EntityRef) (metadiff.DeleteResult, error)
}

// SessionValidator authenticates admin requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Reconciler        WebhookReconciler
	Providers         ProviderSettings
	License           LicenseGate
	Entities          EntityService
	Sessions          SessionValidator
	Realtime          *RealtimeDispatcher
	Metrics           *Metrics
	AllowedOrigins    []string
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Providers == nil {
		return nil, errMissingProviders
	}
	if deps.License == nil {
		return nil, errMissingLicense
	}
	if deps.Entities == nil {
		return nil, errMissingEntities
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBodyBytes := deps.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.middleware())
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		reconciler:   deps.Reconciler,
		providers:    deps.Providers,
		license:      deps.License,
		entities:     deps.Entities,
		sessions:     deps.Sessions,
		realtime:     deps.Realtime,
		maxBodyBytes: maxBodyBytes,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.POST("/webhook/:provider", handler.handleWebhook)
	router.GET("/video-status/:video_id", handler.handleVideoStatus)
	router.GET("/video-status/:video_id/events", handler.handleStatusStream)

	admin := router.Group("/")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/config/:provider", handler.handleGetProviderConfig)
	admin.PUT("/config/:provider", handler.handleSaveProviderConfig)
	admin.POST("/config/test", handler.handleTestProviderConfig)
	admin.GET("/license", handler.handleLicenseStatus)
	admin.POST("/license/activate", handler.handleLicenseActivate)
	admin.POST("/license/validate", handler.handleLicenseValidate)
	admin.POST("/license/deactivate", handler.handleLicenseDeactivate)
	admin.GET("/entities/:type/:id", handler.handleGetEntity)
	admin.PUT("/entities/:type/:id", handler.handleUpdateEntity)
	admin.DELETE("/entities/:type/:id", handler.handleDeleteEntity)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(started)),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("http request failed", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

type httpHandler struct {
	reconciler   WebhookReconciler
	providers    ProviderSettings
	license      LicenseGate
	entities     EntityService
	sessions     SessionValidator
	realtime     *RealtimeDispatcher
	maxBodyBytes int64
	heartbeat    time.Duration
	logger       *zap.Logger
}

type codedError interface {
	Code() string
}

// respondError writes {"error","code"}. The code comes from a wrapped
// ServiceError when present, otherwise fallbackCode.
func respondError(c *gin.Context, status int, fallbackCode string, err error) {
	code := fallbackCode
	var coded codedError
	if errors.As(err, &coded) && coded.Code() != "" {
		code = coded.Code()
	}
	message := fallbackCode
	if err != nil {
		message = err.Error()
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"license": h.license.Status().State,
	})
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	provider, err := media.ParseProvider(c.Param("provider"))
	if err != nil {
		respondError(c, http.StatusNotFound, "webhook.unknown_provider", err)
		return
	}
	if !h.license.IsActive() {
		respondError(c, http.StatusForbidden, "webhook.license_inactive", errLicenseInactive)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "webhook.body_too_large", err)
			return
		}
		respondError(c, http.StatusBadRequest, "webhook.read_failed", err)
		return
	}

	ctx := c.Request.Context()
	result, err := h.reconciler.HandleWebhook(ctx, provider, c.Request.Header, body)
	if err != nil {
		var securityErr *reconcile.SecurityError
		switch {
		case errors.As(err, &securityErr):
			respondError(c, http.StatusUnauthorized, "webhook.signature."+securityErr.Reason, err)
		case errors.Is(err, media.ErrUnknownProvider):
			respondError(c, http.StatusNotFound, "webhook.unknown_provider", err)
		default:
			h.logger.Error("webhook processing failed",
				zap.String("provider", provider.String()),
				zap.Error(err))
			respondError(c, http.StatusInternalServerError, "webhook.processing_failed", err)
		}
		return
	}

	h.recordUsage(ctx)
	if result.Outcome == reconcile.OutcomeDeferred {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) recordUsage(ctx context.Context) {
	err := h.license.RecordUsage(ctx)
	if err == nil {
		return
	}
	var graceErr *license.GraceError
	if errors.As(err, &graceErr) {
		h.logger.Warn("license revalidation deferred", zap.Time("grace_until", graceErr.Until), zap.Error(err))
		return
	}
	h.logger.Error("license revalidation failed", zap.Error(err))
}

func (h *httpHandler) handleVideoStatus(c *gin.Context) {
	videoID := strings.TrimSpace(c.Param("video_id"))
	if videoID == "" {
		respondError(c, http.StatusBadRequest, "video_status.missing_video_id", errInvalidRequest)
		return
	}
	ctx := c.Request.Context()
	poll := h.reconciler.Poll
	if !h.license.IsActive() {
		poll = h.reconciler.Stored
	}
	result, err := poll(ctx, videoID)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnknownVideo) {
			respondError(c, http.StatusNotFound, "video_status.unknown_video", err)
			return
		}
		h.logger.Error("video status poll failed", zap.String("video_id", videoID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "video_status.poll_failed", err)
		return
	}
	if result.Checked {
		h.recordUsage(ctx)
	}
	c.JSON(http.StatusOK, videoStatusPayload(result))
}

func videoStatusPayload(result reconcile.PollResult) gin.H {
	payload := gin.H{
		"status":    result.Status,
		"video_id":  result.VideoID,
		"provider":  result.Provider,
		"progress":  result.Progress,
		"thumbnail": result.Render.Thumbnail,
		"render":    result.Render,
	}
	if result.Gone {
		payload["gone"] = true
	}
	if result.Status == media.StatusReady {
		payload["routing"] = result.Preview.Routing
		payload["embed_url"] = result.Render.EmbedURL
	}
	return payload
}

func (h *httpHandler) handleStatusStream(c *gin.Context) {
	videoID := strings.TrimSpace(c.Param("video_id"))
	if videoID == "" {
		respondError(c, http.StatusBadRequest, "video_status.missing_video_id", errInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, videoID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "video_id": videoID})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(RealtimeEventStatusChanged, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "video_id": videoID})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrForbiddenSession) {
			h.logger.Warn("admin role missing", zap.Error(err))
			respondError(c, http.StatusForbidden, "auth.forbidden", err)
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		respondError(c, http.StatusUnauthorized, "auth.unauthorized", err)
		return
	}
	c.Set(adminSubjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) providerParam(c *gin.Context) (media.Provider, bool) {
	provider, err := media.ParseProvider(c.Param("provider"))
	if err != nil {
		respondError(c, http.StatusNotFound, "config.unknown_provider", err)
		return "", false
	}
	return provider, true
}

func (h *httpHandler) handleGetProviderConfig(c *gin.Context) {
	provider, ok := h.providerParam(c)
	if !ok {
		return
	}
	view, err := h.providers.View(c.Request.Context(), provider)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "config.view_failed", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type saveProviderConfigPayload struct {
	Fields  map[string]string `json:"fields"`
	Enabled *bool             `json:"enabled"`
}

func (h *httpHandler) handleSaveProviderConfig(c *gin.Context) {
	provider, ok := h.providerParam(c)
	if !ok {
		return
	}
	var request saveProviderConfigPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "config.invalid_request", err)
		return
	}
	enabled := true
	if request.Enabled != nil {
		enabled = *request.Enabled
	}
	view, err := h.providers.Save(c.Request.Context(), provider, request.Fields, enabled)
	if err != nil {
		var configErr *providers.ConfigError
		if errors.As(err, &configErr) {
			respondError(c, http.StatusBadRequest, "config.invalid_fields", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "config.save_failed", err)
		return
	}
	h.logger.Info("provider configuration saved",
		zap.String("provider", provider.String()),
		zap.String("subject", c.GetString(adminSubjectContextKey)))
	c.JSON(http.StatusOK, view)
}

type testProviderConfigPayload struct {
	Provider string            `json:"provider"`
	Fields   map[string]string `json:"fields"`
}

func (h *httpHandler) handleTestProviderConfig(c *gin.Context) {
	var request testProviderConfigPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "config.invalid_request", err)
		return
	}
	provider, err := media.ParseProvider(request.Provider)
	if err != nil {
		respondError(c, http.StatusNotFound, "config.unknown_provider", err)
		return
	}
	if !h.license.IsActive() {
		respondError(c, http.StatusForbidden, "config.license_inactive", errLicenseInactive)
		return
	}
	ctx := c.Request.Context()
	result, err := h.providers.Test(ctx, provider, request.Fields)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "config.test_failed", err)
		return
	}
	h.recordUsage(ctx)
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLicenseStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.license.Status())
}

type activateLicensePayload struct {
	LicenseKey string `json:"license_key"`
}

func (h *httpHandler) handleLicenseActivate(c *gin.Context) {
	var request activateLicensePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "license.invalid_request", err)
		return
	}
	status, err := h.license.Activate(c.Request.Context(), request.LicenseKey)
	if err != nil {
		h.respondLicenseError(c, "license.activate", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleLicenseValidate(c *gin.Context) {
	status, err := h.license.Validate(c.Request.Context())
	if err != nil {
		var graceErr *license.GraceError
		if errors.As(err, &graceErr) {
			c.JSON(http.StatusOK, gin.H{
				"license":     status,
				"warning":     err.Error(),
				"grace_until": graceErr.Until,
			})
			return
		}
		h.respondLicenseError(c, "license.validate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"license": status})
}

func (h *httpHandler) handleLicenseDeactivate(c *gin.Context) {
	status, err := h.license.Deactivate(c.Request.Context())
	if err != nil {
		h.respondLicenseError(c, "license.deactivate", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) respondLicenseError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, license.ErrInvalidKeyFormat):
		respondError(c, http.StatusBadRequest, operation+".invalid_format", err)
	case errors.Is(err, license.ErrNotActivated):
		respondError(c, http.StatusConflict, operation+".not_activated", err)
	case errors.Is(err, license.ErrExpired):
		respondError(c, http.StatusForbidden, operation+".expired", err)
	case errors.Is(err, license.ErrRejected):
		respondError(c, http.StatusForbidden, operation+".rejected", err)
	case errors.Is(err, license.ErrUnavailable):
		respondError(c, http.StatusBadGateway, operation+".unavailable", err)
	default:
		respondError(c, http.StatusInternalServerError, operation+".failed", err)
	}
}

type updateEntityPayload struct {
	ParentID string         `json:"parent_id"`
	Meta     media.Metadata `json:"meta"`
}

func (h *httpHandler) entityParam(c *gin.Context) (media.EntityRef, bool) {
	ref, err := content.NewEntityRef(c.Param("type"), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "entities.invalid_ref", err)
		return media.EntityRef{}, false
	}
	return ref, true
}

func (h *httpHandler) handleUpdateEntity(c *gin.Context) {
	ref, ok := h.entityParam(c)
	if !ok {
		return
	}
	var request updateEntityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "entities.invalid_request", err)
		return
	}
	result, err := h.entities.UpdateMetadata(c.Request.Context(), ref, strings.TrimSpace(request.ParentID), request.Meta)
	if err != nil {
		switch {
		case errors.Is(err, content.ErrInvalidParent), errors.Is(err, media.ErrInvalidPreview):
			respondError(c, http.StatusBadRequest, "entities.invalid_request", err)
		case errors.Is(err, content.ErrRevisionConflict):
			respondError(c, http.StatusConflict, "entities.conflict", err)
		default:
			respondError(c, http.StatusInternalServerError, "entities.update_failed", err)
		}
		return
	}
	entity, err := entityPayload(ref, result.Entity)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "entities.update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity":       entity,
		"video_change": result.Decision.Change,
		"preserved":    result.Decision.Preserved,
	})
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	ref, ok := h.entityParam(c)
	if !ok {
		return
	}
	stored, err := h.entities.Get(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			respondError(c, http.StatusNotFound, "entities.not_found", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "entities.get_failed", err)
		return
	}
	entity, err := entityPayload(ref, stored)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "entities.get_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": entity})
}

func entityPayload(ref media.EntityRef, entity content.Entity) (gin.H, error) {
	meta, err := entity.Metadata()
	if err != nil {
		return nil, err
	}
	return gin.H{
		"type":      ref.Type,
		"id":        ref.ID,
		"parent_id": entity.ParentID,
		"revision":  entity.Revision,
		"meta":      meta,
	}, nil
}

func (h *httpHandler) handleDeleteEntity(c *gin.Context) {
	ref, ok := h.entityParam(c)
	if !ok {
		return
	}
	result, err := h.entities.Delete(c.Request.Context(), ref)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "entities.delete_failed", err)
		return
	}
	attempted := make([]gin.H, 0, len(result.Attempted))
	for _, asset := range result.Attempted {
		attempted = append(attempted, gin.H{"provider": asset.Provider, "video_id": asset.VideoID})
	}
	c.JSON(http.StatusOK, gin.H{
		"operation_id": result.OperationID,
		"attempted":    attempted,
		"deleted":      result.Deleted,
	})
}
