package routes

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/backend"
	"github.com/geocache/geocache/internal/cache"
	"github.com/geocache/geocache/internal/monitor"
)

// EntryStore 是条目路由所需的 cache.Store 子集。
type EntryStore interface {
	Query(ctx context.Context, id, expr string) ([]*cache.Entry, error)
	Get(ctx context.Context, id string) (*cache.Entry, error)
	Remove(ctx context.Context, id string, removeFiles bool) error
}

// Materializer 从数据源生成本地条目。
type Materializer interface {
	MakeLocal(ctx context.Context, req cache.Request, mon monitor.Monitor) (*cache.Entry, error)
}

// SourceCatalog 列出已配置的数据源。
type SourceCatalog interface {
	Sources() []backend.SourceSpec
	Source(id string) (backend.SourceSpec, error)
}

// Deps 汇集路由依赖，由 main 组装后注入。
type Deps struct {
	Store        EntryStore
	Materializer Materializer
	Sources      SourceCatalog
	Logger       *logrus.Logger
	// Timeout 限制单次物化请求的耗时，<= 0 表示不限制。
	Timeout time.Duration
}
