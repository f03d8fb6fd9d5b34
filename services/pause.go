package services

import (
	"context"
	"sync"
)

// PauseToken lets an operator hold workers between items.
type PauseToken struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewPauseToken returns a token in the running state.
func NewPauseToken() *PauseToken {
	return &PauseToken{}
}

// Pause holds workers at their next Wait. Pausing twice is a no-op.
func (p *PauseToken) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.resume = make(chan struct{})
	}
}

// Resume releases every waiting worker.
func (p *PauseToken) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.resume)
	}
}

// Paused reports whether the token is currently paused.
func (p *PauseToken) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Wait blocks while the token is paused. It returns ctx.Err() if ctx ends
// first. A nil token never blocks.
func (p *PauseToken) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	p.mu.Lock()
	paused, resume := p.paused, p.resume
	p.mu.Unlock()

	if !paused {
		return ctx.Err()
	}
	select {
	case <-resume:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
