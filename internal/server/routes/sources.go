package routes

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/cache"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/monitor"
	"github.com/geocache/geocache/internal/server"
	"github.com/geocache/geocache/internal/spatial"
)

// materializeRequest 是 POST /sources/:id/materialize 的请求体。
// time_range 与 region 使用与条目记录相同的文本格式。
type materializeRequest struct {
	Name      string   `json:"name" validate:"omitempty,max=200,excludesall=/\\"`
	TimeRange string   `json:"time_range"`
	Region    string   `json:"region"`
	Variables []string `json:"variables" validate:"dive,required"`
}

type sourcePayload struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	UUID    string `json:"uuid,omitempty"`
	Driver  string `json:"driver"`
	Pattern string `json:"pattern"`
	Subset  bool   `json:"supports_subset"`
}

// RegisterSourceRoutes 暴露数据源列表与物化接口。物化成功返回 201 与条目，
// 没有匹配文件时返回 204。
func RegisterSourceRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Sources == nil || deps.Materializer == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())

	app.Get("/sources", func(c fiber.Ctx) error {
		sources := deps.Sources.Sources()
		result := make([]sourcePayload, 0, len(sources))
		for _, src := range sources {
			result = append(result, encodeSource(src))
		}
		return c.JSON(fiber.Map{"sources": result})
	})

	app.Post("/sources/:id/materialize", func(c fiber.Ctx) error {
		src, err := deps.Sources.Source(c.Params("id"))
		if err != nil {
			return err
		}

		var body materializeRequest
		if len(c.Body()) > 0 {
			if err := c.Bind().JSON(&body); err != nil {
				return fmt.Errorf("decode body: %v: %w", err, errdefs.ErrInvalidArgument)
			}
		}
		if err := validate.Struct(body); err != nil {
			return fmt.Errorf("validate body: %v: %w", err, errdefs.ErrInvalidArgument)
		}
		req, err := body.toRequest(src.ID)
		if err != nil {
			return err
		}

		ctx := c.Context()
		if deps.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.Timeout)
			defer cancel()
		}
		mon := monitor.New(ctx, progressLogger(logger, src.ID, server.RequestID(c)))

		entry, err := deps.Materializer.MakeLocal(ctx, req, mon)
		if err != nil {
			return err
		}
		if entry == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Status(fiber.StatusCreated).JSON(EncodeEntry(entry))
	})
}

func (r materializeRequest) toRequest(sourceID string) (cache.Request, error) {
	req := cache.Request{SourceID: sourceID, LocalName: strings.TrimSpace(r.Name)}
	if raw := strings.TrimSpace(r.TimeRange); raw != "" {
		tr, err := coverage.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("time_range: %v: %w", err, errdefs.ErrInvalidArgument)
		}
		req.TimeRange = &tr
	}
	if raw := strings.TrimSpace(r.Region); raw != "" {
		bbox, err := spatial.ParseBBox(raw)
		if err != nil {
			return req, fmt.Errorf("region: %v: %w", err, errdefs.ErrInvalidArgument)
		}
		req.Region = &bbox
	}
	req.Variables = r.Variables
	return req, nil
}

// progressLogger 只记录顶层进度，子任务的细粒度事件不输出。
func progressLogger(logger *logrus.Logger, sourceID, requestID string) monitor.Func {
	entry := logging.WithComponent(logger, "materializer")
	return func(ev monitor.Event) {
		if ev.Depth != 0 {
			return
		}
		entry.WithFields(logrus.Fields{
			"action":     "materialize_progress",
			"source":     sourceID,
			"request_id": requestID,
			"worked":     ev.Worked,
			"total":      ev.Total,
			"done":       ev.Done,
		}).Debug(ev.Label)
	}
}

func encodeSource(src backend.SourceSpec) sourcePayload {
	driver, _ := backend.ResolveDriver(src.Driver)
	return sourcePayload{
		ID:      src.ID,
		Title:   src.Title,
		UUID:    src.UUID,
		Driver:  driver.Key,
		Pattern: src.Pattern,
		Subset:  driver.SupportsSubset,
	}
}
