package dispatch

import "log/slog"

// progress reports batch progress through slog. Rendering a terminal bar
// is left to callers that subscribe to the logs.
type progress struct {
	mode    ProgressMode
	backend string
	total   int
	last    int
}

func newProgress(mode ProgressMode, backend string, total int) *progress {
	return &progress{mode: mode, backend: backend, total: total, last: -1}
}

// update logs when the number of finished items changed. remaining is only
// called in ProgressRemaining mode.
func (p *progress) update(done int, remaining func() []Item) {
	if p.mode == "" || p.mode == ProgressNone || done == p.last {
		return
	}
	p.last = done

	switch p.mode {
	case ProgressBar:
		slog.Info("Batch progress", "backend", p.backend, "done", done, "total", p.total)
	case ProgressRemaining:
		slog.Info("Batch remaining", "backend", p.backend, "done", done, "total", p.total, "remaining", remaining())
	}
}
