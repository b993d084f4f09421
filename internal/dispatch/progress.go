package dispatch

import "sync"

// Progress is a snapshot of the running (or last) batch.
type Progress struct {
	BatchID      string `json:"batchId,omitempty"`
	Total        int    `json:"total"`
	Current      int    `json:"current"`
	SuccessCount int    `json:"successCount"`
	ErrorCount   int    `json:"errorCount"`
	SkippedCount int    `json:"skippedCount"`
	IsActive     bool   `json:"isActive"`
	IsPaused     bool   `json:"isPaused"`
	IsStopped    bool   `json:"isStopped"`
}

// progressTracker has a single writer (the dispatch loop) and many readers.
type progressTracker struct {
	mu sync.RWMutex
	p  Progress
}

func (t *progressTracker) snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.p
}

func (t *progressTracker) update(fn func(p *Progress)) {
	t.mu.Lock()
	fn(&t.p)
	if t.p.Current > t.p.Total {
		t.p.Current = t.p.Total
	}
	t.mu.Unlock()
}

// advance moves current forward to pos; it never moves backwards.
func (t *progressTracker) advance(pos int) {
	t.update(func(p *Progress) {
		if pos > p.Current {
			p.Current = pos
		}
	})
}
