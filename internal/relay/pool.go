package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

// Handler processes one unit of work.
type Handler interface {
	Handle(ctx context.Context, taskID string, ev domain.InboundEvent) []domain.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, taskID string, ev domain.InboundEvent) []domain.Outcome

func (f HandlerFunc) Handle(ctx context.Context, taskID string, ev domain.InboundEvent) []domain.Outcome {
	return f(ctx, taskID, ev)
}

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("pool closed")

// Task is the supervised record of one unit of work.
type Task struct {
	ID        string           `json:"id"`
	UpdateID  int              `json:"update_id"`
	SenderID  int64            `json:"sender_id"`
	Shard     int              `json:"shard"`
	Status    domain.TaskState `json:"status"`
	Decisions []string         `json:"decisions,omitempty"`
	Error     string           `json:"error,omitempty"`
	QueuedAt  time.Time        `json:"queued_at"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	DoneAt    time.Time        `json:"done_at,omitempty"`
}

func (t *Task) finished() bool {
	return t.Status != domain.StateQueued && t.Status != domain.StateRunning
}

type job struct {
	id string
	ev domain.InboundEvent
}

type PoolConfig struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
	TaskTimeout    time.Duration
	// MaxTasks bounds the number of task records kept; the oldest finished
	// records are dropped first.
	MaxTasks int
	Events   *bus.EventBus // optional
	Logger   *slog.Logger
}

// Pool is a sharded worker pool. Events are routed to a shard by sender, so
// one sender's events are processed one at a time in arrival order.
type Pool struct {
	cfg     PoolConfig
	handler Handler
	shards  []chan job
	logger  *slog.Logger

	intake sync.RWMutex
	closed bool

	mu    sync.RWMutex
	tasks map[string]*Task
	order []string

	inFlight atomic.Int64
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewPool(cfg PoolConfig, h Handler) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 3 * time.Minute
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 500
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	shards := make([]chan job, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan job, cfg.QueueSize)
	}
	return &Pool{
		cfg:     cfg,
		handler: h,
		shards:  shards,
		logger:  cfg.Logger,
		tasks:   make(map[string]*Task),
	}
}

// Start launches one worker per shard. Work runs under contexts derived
// from ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, q := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	p.logger.Info("relay pool started",
		"workers", len(p.shards),
		"queue_size", p.cfg.QueueSize,
		"task_timeout", p.cfg.TaskTimeout,
	)
}

// Submit enqueues ev on its sender's shard. When the shard stays full for the
// enqueue timeout the event is shed and ErrQueueFull returned.
func (p *Pool) Submit(ev domain.InboundEvent) (string, error) {
	p.intake.RLock()
	defer p.intake.RUnlock()
	if p.closed {
		return "", ErrPoolClosed
	}

	shard := p.shardFor(ev.SenderID())
	j := job{id: uuid.NewString(), ev: ev}
	p.track(j, shard)

	select {
	case p.shards[shard] <- j:
		return j.id, nil
	default:
	}

	p.logger.Warn("relay shard full, waiting", "shard", shard, "sender_id", ev.SenderID())
	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case p.shards[shard] <- j:
		return j.id, nil
	case <-timer.C:
	}

	err := fmt.Errorf("%w: shard %d full for %s", domain.ErrQueueFull, shard, p.cfg.EnqueueTimeout)
	p.finish(j.id, domain.StateFailed, nil, err)
	p.logger.Error("relay event shed", "task", j.id, "update_id", ev.UpdateID, "sender_id", ev.SenderID(), "shard", shard)
	if p.cfg.Events != nil {
		out := domain.Outcome{
			TaskID:    j.id,
			UpdateID:  ev.UpdateID,
			SenderID:  ev.SenderID(),
			Decision:  domain.Ignore.String(),
			State:     domain.StateFailed,
			ErrorKind: domain.ErrorKind(err),
			Error:     err.Error(),
			CreatedAt: time.Now(),
		}
		if ev.Message != nil {
			out.ChatID = ev.Message.ChatID
		}
		p.cfg.Events.Emit(bus.Event{
			Type:    bus.EventRelayShed,
			Source:  "pool",
			Outcome: &out,
			Payload: map[string]any{"shard": shard},
		})
	}
	return j.id, err
}

func (p *Pool) shardFor(senderID int64) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(senderID, 10)))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Pool) worker(ctx context.Context, shard int, q <-chan job) {
	defer p.wg.Done()
	for j := range q {
		p.run(ctx, j)
	}
	p.logger.Debug("relay worker stopped", "shard", shard)
}

func (p *Pool) run(ctx context.Context, j job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	p.mu.Lock()
	if t, ok := p.tasks[j.id]; ok {
		t.Status = domain.StateRunning
		t.StartedAt = time.Now()
	}
	p.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	var outcomes []domain.Outcome
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("relay task panic", "task", j.id, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		outcomes = p.handler.Handle(taskCtx, j.id, j.ev)
		return nil
	}()

	p.finish(j.id, taskState(outcomes, err), outcomes, err)
}

// taskState folds per-trigger outcomes into the task's status: any failure
// fails the task, then delivered, suppressed, ignored in that order.
func taskState(outcomes []domain.Outcome, err error) domain.TaskState {
	if err != nil {
		return domain.StateFailed
	}
	rank := map[domain.TaskState]int{
		domain.StateIgnored:    0,
		domain.StateSuppressed: 1,
		domain.StateDelivered:  2,
		domain.StateFailed:     3,
	}
	state := domain.StateIgnored
	for _, o := range outcomes {
		if rank[o.State] > rank[state] {
			state = o.State
		}
	}
	return state
}

func (p *Pool) track(j job, shard int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[j.id] = &Task{
		ID:       j.id,
		UpdateID: j.ev.UpdateID,
		SenderID: j.ev.SenderID(),
		Shard:    shard,
		Status:   domain.StateQueued,
		QueuedAt: time.Now(),
	}
	p.order = append(p.order, j.id)
	p.trimLocked()
}

func (p *Pool) finish(id string, state domain.TaskState, outcomes []domain.Outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return
	}
	t.Status = state
	t.DoneAt = time.Now()
	for _, o := range outcomes {
		t.Decisions = append(t.Decisions, o.Decision)
		if o.Error != "" && t.Error == "" {
			t.Error = o.Error
		}
	}
	if err != nil {
		t.Error = err.Error()
	}
}

// trimLocked drops the oldest finished records above MaxTasks.
func (p *Pool) trimLocked() {
	excess := len(p.tasks) - p.cfg.MaxTasks
	if excess <= 0 {
		return
	}
	kept := p.order[:0]
	for _, id := range p.order {
		t := p.tasks[id]
		if excess > 0 && t != nil && t.finished() {
			delete(p.tasks, id)
			excess--
			continue
		}
		if t != nil {
			kept = append(kept, id)
		}
	}
	p.order = kept
}

// Get returns a copy of a task record.
func (p *Pool) Get(id string) (Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return Task{}, false
	}
	return copyTask(t), true
}

// List returns up to limit task records, newest first (all when limit <= 0).
func (p *Pool) List(limit int) []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Task, 0, len(p.order))
	for i := len(p.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if t, ok := p.tasks[p.order[i]]; ok {
			out = append(out, copyTask(t))
		}
	}
	return out
}

// ListActive returns queued and running tasks, oldest first.
func (p *Pool) ListActive() []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Task
	for _, t := range p.tasks {
		if !t.finished() {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Clean removes finished task records older than maxAge.
func (p *Pool) Clean(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	kept := p.order[:0]
	for _, id := range p.order {
		t, ok := p.tasks[id]
		if !ok {
			continue
		}
		if t.finished() && t.DoneAt.Before(cutoff) {
			delete(p.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	p.order = kept
	return removed
}

// QueueDepth is the number of events waiting across all shards.
func (p *Pool) QueueDepth() int {
	n := 0
	for _, q := range p.shards {
		n += len(q)
	}
	return n
}

// InFlight is the number of events currently being handled.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) Workers() int { return len(p.shards) }

// Shutdown stops intake, lets the workers drain their queues and waits for
// them. If ctx ends first, running work is cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.intake.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.shards {
			close(q)
		}
	}
	p.intake.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info("relay pool drained")
		return nil
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		return ctx.Err()
	}
}

func copyTask(t *Task) Task {
	c := *t
	c.Decisions = append([]string(nil), t.Decisions...)
	return c
}
