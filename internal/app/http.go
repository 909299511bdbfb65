package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/dflow/internal/engine/dispatcher"
	"github.com/yungbote/dflow/internal/engine/model"
	"github.com/yungbote/dflow/internal/platform/apierr"
	"github.com/yungbote/dflow/internal/platform/logger"
)

// requestIDHeader is echoed on every admin response so an operator can
// quote the id back when reporting a failed call.
const requestIDHeader = "X-Request-ID"

// adminClaims is the bearer token shape the admin HTTP surface accepts
// when Config.JWTSecretKey is set, grounded in the teacher's own
// JWTClaims (internal/services/auth.go): a bare jwt.RegisteredClaims,
// since the admin surface authorizes "is an operator", not a specific
// user identity.
type adminClaims struct {
	jwt.RegisteredClaims
}

// requireAdminAuth guards mutating endpoints (dispatch) with a bearer
// token signed with secret. Read-only endpoints (health, list/show) stay
// open, matching SPEC_FULL.md §2's "mutating endpoints only" note.
func requireAdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			tokenString = authHeader[7:]
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing bearer token", "code": "unauthorized"},
			})
			return
		}
		token, err := jwt.ParseWithClaims(tokenString, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid or expired token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

// dispatchRequest is the REST facade's request body for the dispatch
// endpoint: procedure_name plus opaque args, round-tripped the same way
// dispatcher.Dispatch round-trips them (spec §6's "opaque encoding").
type dispatchRequest struct {
	ProcedureName string `json:"procedure_name" binding:"required"`
	Args          any    `json:"args"`
}

// newRouter builds the admin HTTP surface named in SPEC_FULL.md §2: health,
// an OTel-instrumented request span per the teacher's otelgin middleware
// convention, CORS the way internal/http/middleware/cors.go configures it,
// and a thin REST facade over dispatch/state_of/list_executions for
// operators who don't want cmd/dflowctl.
func newRouter(log *logger.Logger, cfg Config, d *dispatcher.Dispatcher) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("dflow"))
	r.Use(requestIDMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api/executions")
	{
		api.GET("", func(c *gin.Context) { listExecutions(c, log, d) })
		api.GET("/:id", func(c *gin.Context) { stateOf(c, log, d) })
	}

	mutating := r.Group("/api/executions")
	if cfg.JWTSecretKey != "" {
		mutating.Use(requireAdminAuth(cfg.JWTSecretKey))
	} else {
		log.Warn("DFLOW_ADMIN_JWT_SECRET unset: dispatch endpoint is unauthenticated")
	}
	mutating.POST("", func(c *gin.Context) { dispatchHandler(c, log, d) })

	return r
}

// requestIDMiddleware stamps each request with an id echoed in the
// X-Request-ID response header; writeAPIErr reads it back off the
// response writer for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set(requestIDHeader, uuid.NewString())
		c.Next()
	}
}

func listExecutions(c *gin.Context, log *logger.Logger, d *dispatcher.Dispatcher) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	state := model.ExecutionState(c.Query("state"))
	execs, err := d.ListExecutions(c.Request.Context(), limit, state)
	if err != nil {
		writeAPIErr(c, log, apierr.FromEngine(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func stateOf(c *gin.Context, log *logger.Logger, d *dispatcher.Dispatcher) {
	view, err := d.StateOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAPIErr(c, log, apierr.NotFound(err))
		return
	}
	c.JSON(http.StatusOK, view)
}

func dispatchHandler(c *gin.Context, log *logger.Logger, d *dispatcher.Dispatcher) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIErr(c, log, apierr.BadRequest(err))
		return
	}
	id, err := d.Dispatch(c.Request.Context(), req.ProcedureName, req.Args)
	if err != nil {
		writeAPIErr(c, log, apierr.FromEngine(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": id})
}

func writeAPIErr(c *gin.Context, log *logger.Logger, e apierr.Error) {
	if log != nil {
		kvs := []any{"code", e.Code, "status", e.Status, "error", e.Err,
			"request_id", c.Writer.Header().Get(requestIDHeader)}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			kvs = append(kvs, "trace_id", sc.TraceID().String())
		}
		log.Warn("admin api error", kvs...)
	}
	c.AbortWithStatusJSON(e.Status, gin.H{
		"error": gin.H{"message": e.Error(), "code": e.Code},
	})
}
