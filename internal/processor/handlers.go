package processor

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seanankenbruck/semantic-bi/internal/auth"
	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Authenticator guards the API routes
type Authenticator interface {
	Middleware() gin.HandlerFunc
	RequireRole(roles ...string) gin.HandlerFunc
}

// RouterConfig holds everything SetupRoutes wires around the processor
type RouterConfig struct {
	Logger        *observability.Logger
	Health        *observability.HealthChecker
	Registry      *prometheus.Registry
	AllowedOrigin string
	// Auth is optional; without it every API route is open
	Auth Authenticator
	// AuthRoutes registers login and key management on the authenticated API group
	AuthRoutes func(api *gin.RouterGroup)
}

// SetupRoutes configures HTTP routes
func (p *Processor) SetupRoutes(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = p.logger
	}

	r := gin.New()
	r.Use(observability.RecoveryMiddleware(logger))
	r.Use(observability.RequestLoggingMiddleware(logger))
	r.Use(observability.CORSWithLogging(logger, cfg.AllowedOrigin))

	health := p.healthHandler(cfg.Health)
	r.GET("/health", health)
	if cfg.Registry != nil {
		r.GET("/metrics", gin.WrapH(observability.MetricsHandler(cfg.Registry)))
	}

	publicAPI := r.Group("/api/v1")
	{
		publicAPI.GET("/health", health)
	}

	api := r.Group("/api/v1")
	if cfg.Auth != nil {
		api.Use(cfg.Auth.Middleware())
	}
	if cfg.AuthRoutes != nil {
		cfg.AuthRoutes(api)
	}
	{
		api.POST("/resolve", p.handleResolve)
		api.POST("/query", p.handleQuery)
		api.POST("/confirm/:id", p.handleConfirm)
		api.GET("/history", p.handleHistory)

		api.GET("/semantic/documents", p.handleDocuments)
		reload := []gin.HandlerFunc{p.handleReload}
		if cfg.Auth != nil {
			reload = append([]gin.HandlerFunc{cfg.Auth.RequireRole(auth.RoleAdmin)}, reload...)
		}
		api.POST("/semantic/reload", reload...)
	}

	return r
}

func (p *Processor) healthHandler(checker *observability.HealthChecker) gin.HandlerFunc {
	if checker != nil {
		return observability.HealthHandler(checker)
	}
	return func(c *gin.Context) {
		version, documents, _ := p.DescribeIndex()
		c.JSON(http.StatusOK, gin.H{
			"status":        observability.HealthStatusHealthy,
			"service":       "semantic-bi",
			"index_version": version,
			"documents":     documents,
		})
	}
}

func (p *Processor) handleResolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewInvalidInputError("request body", err.Error()), nil)
		return
	}
	req.UserID, _ = auth.GetCurrentUserID(c)

	res, err := p.Resolve(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err, withResolution(res))
		return
	}

	status := http.StatusOK
	if res.ConfirmationID != "" {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (p *Processor) handleQuery(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewInvalidInputError("request body", err.Error()), nil)
		return
	}
	req.UserID, _ = auth.GetCurrentUserID(c)

	resp, err := p.Query(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err, withResolution(resp.Resolution))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (p *Processor) handleConfirm(c *gin.Context) {
	userID, _ := auth.GetCurrentUserID(c)

	resp, err := p.Confirm(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		var res *Resolution
		if resp != nil {
			res = resp.Resolution
		}
		respondError(c, err, withResolution(res))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (p *Processor) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(c, errors.NewInvalidInputError("limit", "must be a positive integer"), nil)
			return
		}
		limit = n
	}

	records, err := p.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resolutions": records,
		"count":       len(records),
	})
}

func (p *Processor) handleDocuments(c *gin.Context) {
	objectType := semantic.ObjectType(c.Query("type"))
	if objectType != "" && !objectType.Valid() {
		respondError(c, errors.NewInvalidInputError("type", "must be one of metric, dimension, field, dataset, entity"), nil)
		return
	}

	docs := p.Documents(objectType)
	c.JSON(http.StatusOK, gin.H{
		"index_version": p.store.Current().Version(),
		"documents":     docs,
		"count":         len(docs),
	})
}

func (p *Processor) handleReload(c *gin.Context) {
	idx, err := p.Reload(c.Request.Context())
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"index_version": idx.Version(),
		"documents":     idx.Len(),
		"reloads":       p.store.Reloads(),
	})
}

func withResolution(res *Resolution) gin.H {
	if res == nil {
		return nil
	}
	return gin.H{"resolution": res}
}

// respondError writes err with the status of its code and any extra fields next to it
func respondError(c *gin.Context, err error, extra gin.H) {
	var enhanced *errors.EnhancedError
	if !stderrors.As(err, &enhanced) {
		enhanced = errors.Wrap(err, errors.ErrCodeInternal, "An unexpected error occurred")
	}

	c.Set(observability.ErrorCodeKey, string(enhanced.Code))
	body := gin.H{"error": enhanced}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(errors.HTTPStatus(enhanced.Code), body)
}
