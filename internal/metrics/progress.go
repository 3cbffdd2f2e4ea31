package metrics

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Progress is a concurrency-safe completion counter for one batch. It only
// observes; it never influences scheduling.
type Progress struct {
	label     string
	total     int64
	completed atomic.Int64
	logger    *zap.Logger
	every     int64
}

// NewProgress reports every `every` completions (and the last one).
func NewProgress(label string, total int, every int, logger *zap.Logger) *Progress {
	if logger == nil {
		logger = zap.NewNop()
	}
	if every < 1 {
		every = 1
	}
	return &Progress{
		label:  label,
		total:  int64(total),
		logger: logger,
		every:  int64(every),
	}
}

// Done records one completion and returns the new count.
func (p *Progress) Done() int64 {
	n := p.completed.Add(1)
	if n%p.every == 0 || n == p.total {
		p.logger.Info("Progress",
			zap.String("batch", p.label),
			zap.Int64("completed", n),
			zap.Int64("total", p.total))
	}
	return n
}

func (p *Progress) Completed() int64 {
	return p.completed.Load()
}

func (p *Progress) Total() int64 {
	return p.total
}
