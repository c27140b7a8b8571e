package changes

import "sync"

// WorkerController coalesces drain requests: at most one drain runs, and a
// request that arrives while one is running (or while disabled) is remembered
// as pending work instead of being dropped.
type WorkerController struct {
	mu      sync.Mutex
	busy    bool
	pending bool
	enabled bool
}

// NewWorkerController returns an enabled, idle controller.
func NewWorkerController() *WorkerController {
	return &WorkerController{enabled: true}
}

func (w *WorkerController) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

func (w *WorkerController) SetEnabled(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = enabled
}

func (w *WorkerController) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func (w *WorkerController) HasPendingWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// BeginWork claims the worker. It returns false, recording pending work,
// when a drain is already running or the worker is disabled.
func (w *WorkerController) BeginWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy || !w.enabled {
		w.pending = true
		return false
	}
	w.busy = true
	return true
}

// CompleteWork releases the worker and reports (and clears) pending work.
func (w *WorkerController) CompleteWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	pending := w.pending
	w.pending = false
	return pending
}

// ShouldScheduleWork reports whether a new background drain should start.
// When it should not, the request is recorded as pending work.
func (w *WorkerController) ShouldScheduleWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy || !w.enabled {
		w.pending = true
		return false
	}
	return true
}

// MarkPending records pending work without claiming the worker.
func (w *WorkerController) MarkPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
}
