package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/geocache/geocache/internal/cachekey"
	"github.com/geocache/geocache/internal/coverage"
	"github.com/geocache/geocache/internal/logging"
	"github.com/geocache/geocache/internal/spatial"
)

// DefaultStoreID 是未配置时的条目命名空间。
const DefaultStoreID = "local"

// Store 是目录形式的缓存条目注册表。磁盘布局遵循：
//
//	<dir>/<id>.json    # 条目记录
//	<dir>/<id>.lock    # 物化进行中的锁记录 "{pid}:{start_time_micros}"
//	<dir>/<id>/        # 条目的本地文件
//
// 条目索引在首次访问时惰性加载，之后只在 Invalidate 后重新加载。
type Store struct {
	dir      string
	id       string
	logger   *logrus.Logger
	strict   bool
	procs    ProcessTable
	validate *validator.Validate

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option 配置 Store。
type Option func(*Store)

// WithLogger 设置 logger；nil 保留丢弃输出的 logger。
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStrictLoad 使损坏的记录导致整体加载失败，而不是被跳过。
func WithStrictLoad(strict bool) Option {
	return func(s *Store) {
		s.strict = strict
	}
}

// WithProcessTable 替换锁校验使用的进程表。
func WithProcessTable(procs ProcessTable) Option {
	return func(s *Store) {
		if procs != nil {
			s.procs = procs
		}
	}
}

// NewStore 以 dir 为根目录构建条目注册表，storeID 为条目 id 的命名空间前缀。
func NewStore(dir, storeID string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	if storeID == "" {
		storeID = DefaultStoreID
	}

	s := &Store{
		dir:      abs,
		id:       storeID,
		logger:   logging.Discard(),
		procs:    SystemProcesses{},
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID 返回缓存库命名空间。
func (s *Store) ID() string { return s.id }

// Dir 返回缓存库根目录的绝对路径。
func (s *Store) Dir() string { return s.dir }

// EntryID 返回 "<store_id>.<name>"，已带前缀时保持不变。
func (s *Store) EntryID(name string) string {
	prefix := s.id + "."
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

func (s *Store) recordBase(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) recordPath(id string) string {
	return s.recordBase(id) + recordExt
}

// Outcome 是 Create 的结果类型。
type Outcome int

const (
	Rejected Outcome = iota
	Created
	Resumed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Resumed:
		return "resumed"
	default:
		return "rejected"
	}
}

// CreateRequest 描述待创建的条目。
type CreateRequest struct {
	Name      string
	Title     string
	TimeRange *coverage.TimeRange
	Region    *spatial.BBox
	Variables []string
	MetaInfo  *MetaInfo
	// Lock 要求写入锁记录，并允许续建锁已失效的同名条目。
	Lock bool
}

// CreateResult 携带新建或续建的条目；被拒绝时设置 Reason。
type CreateResult struct {
	Entry   *Entry
	Outcome Outcome
	Reason  error
}

// Create 创建一个未完成的新条目并立即持久化。同名条目已存在时：
// 请求加锁且锁由另一个存活进程持有则返回 ErrContention；锁已失效且空间覆盖与
// 变量集合匹配则续建该条目；其余情况返回 ErrAlreadyExists。
func (s *Store) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	id := s.EntryID(req.Name)
	variables := cachekey.NormalizeVariables(req.Variables)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return CreateResult{}, err
	}
	existing, exists, err := s.existingLocked(id)
	if err != nil {
		return CreateResult{}, err
	}

	if exists {
		reason := ErrAlreadyExists
		if req.Lock {
			fence, locked, err := s.readLock(id)
			if err != nil {
				return CreateResult{}, ioErr("create", id, err)
			}
			if locked {
				held, err := s.lockHeld(fence)
				if err != nil {
					return CreateResult{}, ioErr("create", id, err)
				}
				switch {
				case held:
					reason = ErrContention
				case existing != nil && resumable(existing, req.Region, variables):
					if err := s.writeLock(id); err != nil {
						return CreateResult{}, ioErr("create", id, err)
					}
					existing.mu.Lock()
					existing.complete = false
					existing.mu.Unlock()
					delete(s.entries, id)
					s.logger.WithFields(logging.EntryFields("entry_resumed", s.id, id, "")).
						WithField("stale_pid", fence.PID).Info("resuming unfinished cache entry")
					return CreateResult{Entry: existing, Outcome: Resumed}, nil
				}
			}
		}
		rejectErr := entryErr("create", id, reason, nil)
		return CreateResult{Outcome: Rejected, Reason: rejectErr}, rejectErr
	}

	entry := newEntry(s, id)
	if req.MetaInfo != nil {
		entry.meta = req.MetaInfo.Clone()
	}
	if req.Title != "" {
		entry.meta.Set(MetaTitle, req.Title)
	}
	if req.TimeRange != nil {
		entry.setTemporal(req.TimeRange.Ptr())
	}
	if req.Region != nil {
		entry.setSpatial(req.Region.Ptr())
	}
	entry.setVariables(variables)

	if req.Lock {
		if err := s.claimLock(id); err != nil {
			if errors.Is(err, ErrContention) {
				return CreateResult{Outcome: Rejected, Reason: err}, err
			}
			return CreateResult{}, err
		}
	}
	if err := s.save(entry); err != nil {
		if req.Lock {
			_ = removeIfExists(s.lockPath(id))
		}
		return CreateResult{}, err
	}
	s.logger.WithFields(logging.EntryFields("entry_created", s.id, id, "")).
		WithField("locked", req.Lock).Info("cache entry created")
	return CreateResult{Entry: entry, Outcome: Created}, nil
}

// resumable 要求变量集合相同，且已有空间覆盖（实际物化范围）包含请求区域。
func resumable(e *Entry, region *spatial.BBox, variables []string) bool {
	if !slices.Equal(cachekey.NormalizeVariables(e.Variables()), variables) {
		return false
	}
	have := e.SpatialCoverage()
	switch {
	case region == nil:
		return have == nil
	case have == nil:
		return false
	default:
		return have.Contains(*region)
	}
}

// existingLocked 先查内存索引，再查磁盘记录（包括加锁未完成的记录）。
// 记录存在但无法解析时 exists 为 true 而 entry 为 nil。
func (s *Store) existingLocked(id string) (*Entry, bool, error) {
	if e, ok := s.entries[id]; ok {
		return e, true, nil
	}
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, ioErr("create", id, err)
	}
	e, err := decodeRecord(s.validate, s, data)
	if err != nil {
		return nil, true, nil
	}
	e.id = id
	return e, true, nil
}

// Register 将条目标记为完成，保存记录、删除锁记录并加入内存索引。
// 只应在物化完全成功后调用。
func (s *Store) Register(entry *Entry) error {
	entry.mu.Lock()
	entry.complete = true
	entry.mu.Unlock()

	if err := s.save(entry); err != nil {
		return err
	}
	if err := removeIfExists(s.lockPath(entry.id)); err != nil {
		return ioErr("register", entry.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil {
		s.entries[entry.id] = entry
	}
	return nil
}

// Remove 删除条目的记录与锁记录，可选地递归删除本地文件目录，并从索引中移除。
// 重复调用是安全的；记录与锁的清理失败只记录警告。
func (s *Store) Remove(ctx context.Context, id string, removeFiles bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = s.EntryID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.recordPath(id), s.lockPath(id)} {
		if err := removeIfExists(path); err != nil {
			s.logger.WithFields(logging.EntryFields("entry_cleanup_failed", s.id, id, "")).
				WithField("path", path).WithError(err).Warn("cannot remove entry metadata")
		}
	}
	if removeFiles {
		if err := os.RemoveAll(s.recordBase(id)); err != nil {
			return ioErr("remove", id, err)
		}
	}
	if s.entries != nil {
		delete(s.entries, id)
	}
	s.logger.WithFields(logging.EntryFields("entry_removed", s.id, id, "")).
		WithField("remove_files", removeFiles).Info("cache entry removed")
	return nil
}

// Get 返回单个已完成条目，不存在时返回 ErrNotFound。
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	entries, err := s.Query(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, entryErr("get", s.EntryID(id), ErrNotFound, nil)
	}
	return entries[0], nil
}

// Query 返回按 id 排序的条目，可按精确 id 或匹配表达式过滤。首次调用时加载目录。
func (s *Store) Query(ctx context.Context, id, expr string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var candidates []*Entry
	if id != "" {
		if e, ok := s.entries[s.EntryID(id)]; ok {
			candidates = append(candidates, e)
		}
	} else {
		candidates = make([]*Entry, 0, len(s.entries))
		for _, e := range s.entries {
			candidates = append(candidates, e)
		}
	}
	s.mu.Unlock()

	result := candidates[:0]
	for _, e := range candidates {
		if e.Matches(expr) {
			result = append(result, e)
		}
	}
	slices.SortFunc(result, func(a, b *Entry) int { return strings.Compare(a.id, b.id) })
	return result, nil
}

// Invalidate 丢弃内存索引，下次访问时重新加载目录。
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// loadLocked 扫描目录：带锁记录的条目视为未完成而跳过；无法解析的记录默认
// 跳过并告警，严格模式下直接失败。
func (s *Store) loadLocked() error {
	if s.entries != nil {
		return nil
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return ioErr("load", s.id, err)
	}

	entries := make(map[string]*Entry)
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if fileExists(s.lockPath(id)) {
			s.logger.WithFields(logging.EntryFields("record_locked", s.id, id, "")).
				Debug("skipping unfinished cache entry")
			continue
		}

		data, err := os.ReadFile(s.recordPath(id))
		if err == nil {
			var e *Entry
			if e, err = decodeRecord(s.validate, s, data); err == nil {
				if e.id != id {
					s.logger.WithFields(logging.EntryFields("record_renamed", s.id, id, "")).
						WithField("record_name", e.id).Warn("record name differs from file name")
					e.id = id
				}
				e.complete = true
				entries[id] = e
				continue
			}
		}
		if s.strict {
			return &EntryError{Op: "load", EntryID: id, Err: err}
		}
		s.logger.WithFields(logging.EntryFields("record_skipped", s.id, id, "")).
			WithError(err).Warn("skipping unreadable cache record")
	}

	s.entries = entries
	s.logger.WithFields(logrus.Fields{"action": "store_loaded", "store": s.id, "count": len(entries)}).
		Debug("cache store loaded")
	return nil
}

func (s *Store) save(e *Entry) error {
	data, err := encodeRecord(s.validate, e)
	if err != nil {
		return ioErr("save", e.id, err)
	}
	if err := writeFileAtomic(s.recordPath(e.id), data); err != nil {
		return ioErr("save", e.id, err)
	}
	return nil
}
