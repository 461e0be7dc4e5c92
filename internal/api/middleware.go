package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const partnerContextKey = "partner"

const requestIDHeader = "X-Request-ID"

// RequestLogger tags every request with an id, echoed in the response, and
// logs one line per request once the handler chain returns.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"route":      c.FullPath(),
			"path":       c.Request.URL.Path,
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Warn("request failed")
		case c.Request.URL.Path == "/health":
			entry.Debug("request served")
		default:
			entry.Info("request served")
		}
	}
}

// AdminAuthentication requires the configured bearer token. An empty token
// leaves the admin routes open.
func AdminAuthentication(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		if !utils.SecureCompare(parts[1], token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}

// PartnerAuthentication resolves the x-api-key header to a partner.
func PartnerAuthentication(partners *core.PartnerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("x-api-key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing x-api-key"})
			return
		}

		partner, err := partners.Authenticate(c.Request.Context(), apiKey)
		if err != nil {
			if errors.Is(err, core.ErrPartnerNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(partnerContextKey, partner)
		c.Next()
	}
}

// ErrorHandler turns errors attached by handlers into JSON responses.
func ErrorHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var validationErr *core.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":    "validation failed",
				"problems": validationErr.Problems,
			})
			return
		}

		var businessErr core.BusinessError
		if errors.As(err, &businessErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": businessErr.Message,
				"code":  businessErr.Code,
			})
			return
		}

		switch {
		case errors.Is(err, core.ErrUnknownDevice),
			errors.Is(err, core.ErrDeviceNotFound),
			errors.Is(err, core.ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			logger.WithError(err).WithFields(logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			}).Error("Request failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
	}
}

// CORS allows the configured origins only.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if _, ok := allowed[origin]; ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

const rateLimitClients = 10000

// RateLimiter allows requestsPerMinute per client IP in fixed one-minute
// windows. Windows are kept in a bounded LRU so a scan from many addresses
// cannot grow memory without limit. Zero disables it.
func RateLimiter(requestsPerMinute int) gin.HandlerFunc {
	if requestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var mu sync.Mutex
	windows := expirable.NewLRU[string, *rateWindow](rateLimitClients, nil, time.Minute)

	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		w, ok := windows.Get(ip)
		if !ok || now.Sub(w.start) >= time.Minute {
			w = &rateWindow{start: now}
			windows.Add(ip, w)
		}
		w.count++
		over := w.count > requestsPerMinute
		resetIn := time.Minute - now.Sub(w.start)
		mu.Unlock()

		if over {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(resetIn.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type rateWindow struct {
	start time.Time
	count int
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.WithFields(logrus.Fields{
				"panic":      fmt.Sprint(recovered),
				"route":      c.FullPath(),
				"method":     c.Request.Method,
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"stack":      string(debug.Stack()),
			}).Error("handler panicked")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}
