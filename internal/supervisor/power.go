package supervisor

import "sync"

// powerManager refcounts running jobs and holds the platform
// keep-awake state while the count is non-zero, releasing it when the
// last job terminates.
type powerManager struct {
	mu    sync.Mutex
	count int
}

func (p *powerManager) jobStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	if p.count == 1 {
		preventSleep()
	}
}

func (p *powerManager) jobFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return
	}
	p.count--
	if p.count == 0 {
		allowSleep()
	}
}
