package upstream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pollers owns the background cost and status loops
type Pollers struct {
	logger *zap.Logger
	cost   *CostPoller
	status *StatusPoller

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollers creates the pollers for c. The cost poller exists only when a
// cost tracking URL is configured.
func NewPollers(c *Client) *Pollers {
	p := &Pollers{
		logger: c.logger,
		status: NewStatusPoller(c),
	}
	if c.cfg.CostTrackingURL != "" {
		p.cost = NewCostPoller(c)
	}
	return p
}

// Start launches the loops; calling it twice is a no-op
func (p *Pollers) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	if p.cost != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.cost.Run(ctx)
		}()
		p.logger.Info("started cost tracking integration")
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.status.Run(ctx)
	}()
	p.logger.Info("started system status monitoring")
}

// Stop cancels the loops and waits for them to return
func (p *Pollers) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("upstream integrations stopped")
}

// runEvery calls fn on every tick; the first call happens one interval after start
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
