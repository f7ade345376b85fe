package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/version"
)

// AppOptions 控制 Fiber 应用在指定端口上的行为。
type AppOptions struct {
	Logger     *logrus.Logger
	ListenPort int
}

const (
	contextKeyRequestID = "_geocache_request_id"
	headerRequestID     = "X-Request-ID"
)

// NewApp 构建带请求 ID 中间件与结构化错误处理的 Fiber 应用，路由由调用方注册。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler: func(c fiber.Ctx, err error) error {
			return RenderError(c, opts.Logger, err)
		},
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": version.Full()})
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID（沿用合法的上游 X-Request-ID），
// 渲染处理器返回的错误并输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := c.Get(headerRequestID)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)

		if err := c.Next(); err != nil {
			if renderErr := RenderError(c, logger, err); renderErr != nil {
				return renderErr
			}
		}

		fields := logging.RequestFields(c.Method(), c.Path(), reqID, c.Response().StatusCode())
		fields["action"] = "http_request"
		logger.WithFields(fields).Debug("request served")
		return nil
	}
}

// StatusFromError 将 errdefs 错误分类映射为 HTTP 状态码与错误代码。
func StatusFromError(err error) (int, string) {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, "http_error"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable, "cancelled"
	case errdefs.IsNotFound(err):
		return fiber.StatusNotFound, "not_found"
	case errdefs.IsAlreadyExists(err):
		return fiber.StatusConflict, "already_exists"
	case errdefs.IsConflict(err):
		return fiber.StatusConflict, "contention"
	case errdefs.IsInvalidArgument(err):
		return fiber.StatusBadRequest, "invalid_argument"
	case errdefs.IsNotImplemented(err):
		return fiber.StatusUnprocessableEntity, "not_supported"
	case errdefs.IsUnavailable(err):
		return fiber.StatusServiceUnavailable, "unavailable"
	case errdefs.IsDataLoss(err):
		return fiber.StatusInternalServerError, "corrupt"
	default:
		return fiber.StatusInternalServerError, "internal"
	}
}

// RenderError 输出 {"error", "message", "request_id"}，服务端错误记录为 error 级别日志。
func RenderError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	status, code := StatusFromError(err)
	reqID := RequestID(c)
	entry := logger.WithFields(logging.RequestFields(c.Method(), c.Path(), reqID, status)).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.WithField("action", "http_error").Error("request failed")
	} else {
		entry.WithField("action", "http_rejected").Info("request rejected")
	}
	return c.Status(status).JSON(fiber.Map{
		"error":      code,
		"message":    err.Error(),
		"request_id": reqID,
	})
}

// RequestID 返回路由中间件保存的请求 ID。
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
