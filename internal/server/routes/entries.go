package routes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/gofiber/fiber/v3"

	"github.com/geocache/geocache/internal/cache"
	"github.com/geocache/geocache/internal/coverage"
)

// RegisterEntryRoutes 暴露缓存条目的查询与删除接口。
func RegisterEntryRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Store == nil {
		return
	}

	app.Get("/entries", func(c fiber.Ctx) error {
		entries, err := deps.Store.Query(c.Context(), strings.TrimSpace(c.Query("id")), strings.TrimSpace(c.Query("q")))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"entries": EncodeEntries(entries)})
	})

	app.Get("/entries/:id", func(c fiber.Ctx) error {
		entry, err := deps.Store.Get(c.Context(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(EncodeEntry(entry))
	})

	app.Delete("/entries/:id", func(c fiber.Ctx) error {
		keepFiles := false
		if raw := strings.TrimSpace(c.Query("keep_files")); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("keep_files %q: %w", raw, errdefs.ErrInvalidArgument)
			}
			keepFiles = parsed
		}
		entry, err := deps.Store.Get(c.Context(), c.Params("id"))
		if err != nil {
			return err
		}
		if err := deps.Store.Remove(c.Context(), entry.ID(), !keepFiles); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// EntryPayload 是条目的 JSON 表示，HTTP 接口与 CLI --list 共用。
type EntryPayload struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Complete         bool            `json:"complete"`
	TemporalCoverage string          `json:"temporal_coverage,omitempty"`
	SpatialCoverage  string          `json:"spatial_coverage,omitempty"`
	Variables        []string        `json:"variables"`
	Files            []FilePayload   `json:"files"`
	MetaInfo         *cache.MetaInfo `json:"meta_info"`
}

// FilePayload 描述清单中的一个文件。
type FilePayload struct {
	Path      string `json:"path"`
	TimeRange string `json:"time_range,omitempty"`
}

// EncodeEntries 保持输入顺序；空输入返回空数组而不是 null。
func EncodeEntries(entries []*cache.Entry) []EntryPayload {
	result := make([]EntryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, EncodeEntry(entry))
	}
	return result
}

// EncodeEntry 转换单个条目。
func EncodeEntry(entry *cache.Entry) EntryPayload {
	payload := EntryPayload{
		ID:        entry.ID(),
		Title:     entry.Title(),
		Complete:  entry.IsComplete(),
		Variables: entry.Variables(),
		MetaInfo:  entry.MetaInfo(),
	}
	if payload.Variables == nil {
		payload.Variables = []string{}
	}
	if tr := entry.TemporalCoverage(); tr != nil {
		payload.TemporalCoverage = coverage.Format(*tr)
	}
	if bbox := entry.SpatialCoverage(); bbox != nil {
		payload.SpatialCoverage = bbox.String()
	}
	files := entry.Files()
	payload.Files = make([]FilePayload, 0, len(files))
	for _, f := range files {
		item := FilePayload{Path: f.Path}
		if f.Coverage != nil {
			item.TimeRange = coverage.Format(*f.Coverage)
		}
		payload.Files = append(payload.Files, item)
	}
	return payload
}
