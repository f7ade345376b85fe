// Package monitor 为耗时的缓存操作报告可嵌套、可取消的进度。父级把一部分工作量
// 交给子 monitor，子级进度按比例折算进这部分；子级 Done 时总会补足整份工作量，
// 即使它没有任何事可做。
package monitor

import "context"

// Event 是一次进度更新。
type Event struct {
	Label   string
	Depth   int
	Worked  float64
	Total   float64
	Message string
	Done    bool
}

// Func 同步接收进度更新。
type Func func(Event)

// Monitor 不是并发安全的，每一层由单个调用方驱动。
type Monitor interface {
	// Start 命名当前层级并声明总工作量。
	Start(label string, total float64)
	// Progress 增加工作量，可附带消息。
	Progress(work float64, msg string)
	// Child 把当前层级的部分工作量交给子 monitor。
	Child(work float64) Monitor
	// Done 标记当前层级完成，重复调用被忽略。
	Done()
	// Cancelled 表示调用方是否要求停止。
	Cancelled() bool
}

// None 丢弃进度且永不取消。
var None Monitor = none{}

type none struct{}

func (none) Start(string, float64) {}
func (none) Progress(float64, string) {}
func (none) Child(float64) Monitor { return None }
func (none) Done() {}
func (none) Cancelled() bool { return false }

type monitor struct {
	ctx    context.Context
	fn     Func
	parent *monitor
	share  float64
	depth  int

	label    string
	total    float64
	worked   float64
	reported float64
	done     bool
}

// New 返回与 ctx 一同取消的根 monitor，fn 可为 nil。
func New(ctx context.Context, fn Func) Monitor {
	if ctx == nil {
		ctx = context.Background()
	}
	return &monitor{ctx: ctx, fn: fn}
}

func (m *monitor) Start(label string, total float64) {
	m.label = label
	if total < 0 {
		total = 0
	}
	m.total = total
	m.emit("", false)
}

func (m *monitor) Progress(work float64, msg string) {
	if m.done {
		return
	}
	m.advance(work, msg)
}

func (m *monitor) Child(work float64) Monitor {
	if work < 0 {
		work = 0
	}
	return &monitor{ctx: m.ctx, fn: m.fn, parent: m, share: work, depth: m.depth + 1}
}

func (m *monitor) Done() {
	if m.done {
		return
	}
	m.done = true
	if m.total > 0 {
		m.worked = m.total
	}
	m.emit("", true)
	if m.parent != nil {
		delta := m.share - m.reported
		m.reported = m.share
		m.parent.advance(delta, "")
	}
}

func (m *monitor) Cancelled() bool {
	return m.ctx.Err() != nil
}

func (m *monitor) advance(work float64, msg string) {
	m.worked += work
	if m.total > 0 && m.worked > m.total {
		m.worked = m.total
	}
	m.emit(msg, false)

	if m.parent == nil || m.total <= 0 {
		return
	}
	scaled := m.worked / m.total * m.share
	delta := scaled - m.reported
	m.reported = scaled
	if delta > 0 {
		m.parent.advance(delta, "")
	}
}

func (m *monitor) emit(msg string, done bool) {
	if m.fn == nil {
		return
	}
	m.fn(Event{
		Label:   m.label,
		Depth:   m.depth,
		Worked:  m.worked,
		Total:   m.total,
		Message: msg,
		Done:    done,
	})
}
