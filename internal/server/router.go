package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/aggregate"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/ingest"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/users"
)

const ownerContextKey = "tokenfarm_owner"

var (
	errMissingIngestService    = errors.New("ingest service dependency required")
	errMissingAggregateService = errors.New("aggregate service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingOwnerResolver    = errors.New("owner resolver dependency required")
)

type IngestService interface {
	Submit(ctx context.Context, submission ingest.Submission) (ingest.Result, error)
	ListRecords(ctx context.Context, owner records.OwnerKey, variant records.Variant) ([]records.Record, error)
}

type AggregateService interface {
	Feed(ctx context.Context) aggregate.FeedResult
	CommunityStats(ctx context.Context, force bool) aggregate.StatsResult
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type OwnerResolver interface {
	ResolveOwner(ctx context.Context, claims auth.SessionClaims) (users.Owner, error)
}

type Dependencies struct {
	IngestService    IngestService
	AggregateService AggregateService
	SessionValidator SessionValidator
	OwnerResolver    OwnerResolver
	AllowedOrigins   []string
	MetricsGatherer  prometheus.Gatherer
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IngestService == nil {
		return nil, errMissingIngestService
	}
	if deps.AggregateService == nil {
		return nil, errMissingAggregateService
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.OwnerResolver == nil {
		return nil, errMissingOwnerResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		ingest:    deps.IngestService,
		aggregate: deps.AggregateService,
		sessions:  deps.SessionValidator,
		owners:    deps.OwnerResolver,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/feed", handler.handleFeed)
	router.GET("/community-stats", handler.handleCommunityStats)
	if deps.MetricsGatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/calculations", handler.handleSubmitCalculation)
	protected.GET("/calculations", handler.handleListCalculations)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	// Session cookies are only shared with origins that were explicitly allowed.
	if len(origins) > 0 {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	} else {
		config.AllowAllOrigins = true
	}
	return cors.New(config)
}

type httpHandler struct {
	ingest    IngestService
	aggregate AggregateService
	sessions  SessionValidator
	owners    OwnerResolver
	logger    *zap.Logger
}

type retryEnvelope struct {
	RetryAttempt float64 `json:"retryAttempt"`
}

type submitRequestPayload struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Results map[string]any `json:"results"`
}

func (h *httpHandler) handleSubmitCalculation(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
		return
	}

	// Retries are decided before the rest of the body is looked at.
	var envelope retryEnvelope
	if err := c.ShouldBindBodyWith(&envelope, binding.JSON); err == nil && envelope.RetryAttempt > 0 {
		result, err := h.ingest.Submit(c.Request.Context(), ingest.Submission{
			Owner:        owner.Key,
			DisplayName:  owner.DisplayName,
			RetryAttempt: int(math.Ceil(envelope.RetryAttempt)),
		})
		h.writeSubmitResult(c, result, err)
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindBodyWith(&request, binding.JSON); err != nil || strings.TrimSpace(request.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request"})
		return
	}

	result, err := h.ingest.Submit(c.Request.Context(), ingest.Submission{
		Owner:       owner.Key,
		DisplayName: owner.DisplayName,
		WireType:    request.Type,
		Payload:     request.Data,
		Results:     request.Results,
	})
	h.writeSubmitResult(c, result, err)
}

func (h *httpHandler) writeSubmitResult(c *gin.Context, result ingest.Result, err error) {
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	switch result.Outcome {
	case ingest.OutcomeDuplicateIgnored:
		c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
	case ingest.OutcomeRetryIgnored:
		c.JSON(http.StatusOK, gin.H{"success": true, "retryIgnored": true})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "calculationId": result.RecordID})
	}
}

func (h *httpHandler) writeSubmitError(c *gin.Context, err error) {
	code := ""
	var serviceErr *ingest.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, ingest.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
	case errors.Is(err, ingest.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error(), "code": code})
	default:
		h.logger.Error("failed to store calculation", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":   false,
			"error":     "store_unavailable",
			"code":      code,
			"retryable": true,
		})
	}
}

func (h *httpHandler) handleListCalculations(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
		return
	}
	variant, err := records.ParseWireType(c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_type"})
		return
	}

	listed, err := h.ingest.ListRecords(c.Request.Context(), owner.Key, variant)
	if err != nil {
		h.logger.Error("failed to list calculations", zap.String("variant", string(variant)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "store_unavailable", "retryable": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "calculations": listed})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	result := h.aggregate.Feed(c.Request.Context())
	response := gin.H{
		"success": true,
		"runs":    result.Runs,
		"total":   result.Total,
		"cached":  result.Cached,
	}
	if result.Fallback {
		response["fallback"] = true
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCommunityStats(c *gin.Context) {
	force := strings.EqualFold(strings.TrimSpace(c.Query("force")), "true")
	result := h.aggregate.CommunityStats(c.Request.Context(), force)
	response := gin.H{
		"success": true,
		"stats":   result.Stats,
		"cached":  result.Cached,
	}
	if result.Fallback {
		response["fallback"] = true
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
		return
	}

	owner, err := h.owners.ResolveOwner(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("owner resolution rejected claims", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
			return
		}
		h.logger.Error("owner resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "store_unavailable", "retryable": true})
		return
	}
	c.Set(ownerContextKey, owner)
	c.Next()
}

func ownerFromContext(c *gin.Context) (users.Owner, bool) {
	value, exists := c.Get(ownerContextKey)
	if !exists {
		return users.Owner{}, false
	}
	owner, ok := value.(users.Owner)
	return owner, ok && owner.Key != ""
}
