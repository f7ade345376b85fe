package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Fence 是锁记录中的进程身份：pid + 进程启动时间（微秒）。
// 只有当 pid 仍存活且启动时间与记录一致时，锁才被视为有效，以此规避 pid 复用。
// SystemProcesses 的启动时间来自 gopsutil 的毫秒级 CreateTime，乘以 1000 换算为微秒，
// 因此实际精度为毫秒；同一来源的比较结果一致。
type Fence struct {
	PID         int32
	StartMicros int64
}

// String 输出锁记录行 "{pid}:{start_time_micros}"。
func (f Fence) String() string {
	return strconv.FormatInt(int64(f.PID), 10) + ":" + strconv.FormatInt(f.StartMicros, 10)
}

// ParseFence 解析锁记录行。
func ParseFence(raw string) (Fence, error) {
	pidText, startText, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Fence{}, fmt.Errorf("malformed lock record %q", raw)
	}
	pid, err := strconv.ParseInt(pidText, 10, 32)
	if err != nil {
		return Fence{}, fmt.Errorf("malformed lock pid %q: %w", pidText, err)
	}
	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil {
		return Fence{}, fmt.Errorf("malformed lock start time %q: %w", startText, err)
	}
	return Fence{PID: int32(pid), StartMicros: start}, nil
}

// ProcessTable 为锁校验提供进程身份。
type ProcessTable interface {
	// Self 返回当前进程的 Fence。
	Self() (Fence, error)
	// StartMicros 返回存活进程的启动时间；pid 不存在时 alive 为 false。
	StartMicros(pid int32) (start int64, alive bool, err error)
}

// SystemProcesses 通过 gopsutil 读取本机进程表。
type SystemProcesses struct{}

func (SystemProcesses) Self() (Fence, error) {
	pid := int32(os.Getpid())
	start, _, err := SystemProcesses{}.StartMicros(pid)
	if err != nil {
		return Fence{}, err
	}
	return Fence{PID: pid, StartMicros: start}, nil
}

func (SystemProcesses) StartMicros(pid int32) (int64, bool, error) {
	exists, err := process.PidExists(pid)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return 0, false, nil
		}
		return 0, false, err
	}
	createdMillis, err := p.CreateTime()
	if err != nil {
		return 0, false, err
	}
	return createdMillis * 1000, true, nil
}

func (s *Store) lockPath(id string) string {
	return s.recordBase(id) + lockExt
}

// writeLock 把当前进程记录为 id 的持有者，覆盖已有锁（用于接管失效锁）。
func (s *Store) writeLock(id string) error {
	self, err := s.procs.Self()
	if err != nil {
		return fmt.Errorf("resolve process identity: %w", err)
	}
	return writeFileAtomic(s.lockPath(id), []byte(self.String()+"\n"))
}

// claimLock 以 O_EXCL 创建新条目的锁记录，避免两个进程同时通过存在性检查后互相覆盖。
// 锁已存在时：由另一个存活进程持有返回 ErrContention；失效的孤立锁被接管。
func (s *Store) claimLock(id string) error {
	self, err := s.procs.Self()
	if err != nil {
		return ioErr("create", id, fmt.Errorf("resolve process identity: %w", err))
	}
	path := s.lockPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, err = f.WriteString(self.String() + "\n")
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
			return ioErr("create", id, err)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return ioErr("create", id, err)
	}

	fence, _, err := s.readLock(id)
	if err != nil {
		return ioErr("create", id, err)
	}
	held, err := s.lockHeld(fence)
	if err != nil {
		return ioErr("create", id, err)
	}
	if held {
		return entryErr("create", id, ErrContention, fs.ErrExist)
	}
	if err := s.writeLock(id); err != nil {
		return ioErr("create", id, err)
	}
	return nil
}

// readLock 返回记录的 Fence；锁不存在时 ok 为 false。
func (s *Store) readLock(id string) (Fence, bool, error) {
	data, err := os.ReadFile(s.lockPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fence{}, false, nil
		}
		return Fence{}, false, err
	}
	fence, err := ParseFence(string(data))
	if err != nil {
		// 无法解析的锁按失效处理。
		return Fence{}, true, nil
	}
	return fence, true, nil
}

// lockHeld 判断锁是否由另一个存活进程持有。当前进程自己的锁从不视为冲突。
func (s *Store) lockHeld(f Fence) (bool, error) {
	if f.PID <= 0 {
		return false, nil
	}
	self, err := s.procs.Self()
	if err != nil {
		return false, err
	}
	if f.PID == self.PID {
		return false, nil
	}
	start, alive, err := s.procs.StartMicros(f.PID)
	if err != nil {
		return false, err
	}
	return alive && start == f.StartMicros, nil
}
