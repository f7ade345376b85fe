package cache

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// 错误种类均包装 errdefs 分类，外层可用 errdefs.IsNotFound 等判断。
var (
	// ErrNotFound 表示条目或条目文件不存在。
	ErrNotFound = fmt.Errorf("cache entry %w", errdefs.ErrNotFound)
	// ErrAlreadyExists 表示创建时发生冲突且无法续建。
	ErrAlreadyExists = fmt.Errorf("cache entry %w", errdefs.ErrAlreadyExists)
	// ErrContention 表示另一个存活进程持有有效锁。
	ErrContention = fmt.Errorf("cache entry locked by another process: %w", errdefs.ErrConflict)
	// ErrCorrupt 表示记录文件无法解析或校验失败。
	ErrCorrupt = fmt.Errorf("cache record corrupt: %w", errdefs.ErrDataLoss)
	// ErrIO 表示复制、写入或删除失败。
	ErrIO = fmt.Errorf("cache io failure: %w", errdefs.ErrUnavailable)
)

// EntryError 为失败附加条目 id 与操作名。
// errors.Is 同时匹配错误类别与底层原因。
type EntryError struct {
	Op      string
	EntryID string
	Kind    error
	Err     error
}

func (e *EntryError) Error() string {
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.EntryID, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.EntryID, e.Kind)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.EntryID, e.Err)
	}
}

func (e *EntryError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func entryErr(op, id string, kind, err error) error {
	return &EntryError{Op: op, EntryID: id, Kind: kind, Err: err}
}

func ioErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &EntryError{Op: op, EntryID: id, Kind: ErrIO, Err: err}
}
