package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/usecase"
)

// MaxRequestBodySize leaves room for a base64 encoded image of
// imagepayload.MaxImageBytes plus the JSON envelope.
const MaxRequestBodySize = 8 << 20

// RequestIDHeader carries the id assigned to each prediction request.
const RequestIDHeader = "X-Request-ID"

const genericFailure = "Failed to process prediction"

// Options carries the optional pieces of the HTTP surface.
type Options struct {
	Logger      *zap.Logger
	RateLimiter *usecase.RateLimiter
	AdminAuth   gin.HandlerFunc
}

type predictRequest struct {
	Image string `json:"image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	chain := []gin.HandlerFunc{}
	if opts.RateLimiter != nil {
		chain = append(chain, RateLimit(opts.RateLimiter, logger))
	}
	chain = append(chain, predictHandler(uc, logger))
	router.POST("/api/predict", chain...)

	if opts.AdminAuth != nil {
		router.GET("/metrics", opts.AdminAuth, metricsHandler(uc, logger))
	}
}

func predictHandler(uc *usecase.PredictionUseCase, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)

		var req predictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			logger.Warn("unreadable prediction request body", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": genericFailure})
			return
		}

		requestID, result, err := uc.Predict(c.Request.Context(), req.Image)
		c.Header(RequestIDHeader, requestID)
		if err != nil {
			status, message := errorResponse(err)
			if status >= http.StatusInternalServerError {
				fields := append([]zap.Field{zap.String("request_id", requestID), zap.Int("status", status)}, logging.ErrorFields(err)...)
				logger.Error("prediction request failed", fields...)
			}
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.Data(http.StatusOK, "application/json; charset=utf-8", result.Raw)
	}
}

func errorResponse(err error) (int, string) {
	var execErr *inference.ExecError
	switch {
	case errors.Is(err, usecase.ErrImageRequired):
		return http.StatusBadRequest, "Image data is required"
	case errors.Is(err, usecase.ErrInvalidImage):
		return http.StatusBadRequest, invalidImageMessage(err)
	case errors.As(err, &execErr):
		return http.StatusInternalServerError, "Inference adapter failed: " + execErr.Stderr
	case errors.Is(err, inference.ErrInvalidOutput):
		return http.StatusInternalServerError, "Failed to parse prediction result"
	case errors.Is(err, inference.ErrTimeout):
		return http.StatusGatewayTimeout, "Inference adapter timed out"
	case errors.Is(err, inference.ErrBusy):
		return http.StatusServiceUnavailable, "Inference capacity exhausted, retry later"
	default:
		return http.StatusInternalServerError, genericFailure
	}
}

func invalidImageMessage(err error) string {
	switch {
	case errors.Is(err, imagepayload.ErrTooLarge):
		return "Image must be 5 MB or smaller"
	case errors.Is(err, imagepayload.ErrNotImage):
		return "Only image files are accepted"
	case errors.Is(err, imagepayload.ErrEmpty):
		return "Image data is empty"
	default:
		return "Image data is not a valid base64 data URL"
	}
}

func metricsHandler(uc *usecase.PredictionUseCase, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrMetricsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Metrics are not enabled"})
			return
		}
		if err != nil {
			logger.Error("failed to load metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
