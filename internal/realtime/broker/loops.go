package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"go.uber.org/zap"
)

// Start launches the heartbeat and reclamation loops. They stop when ctx is
// cancelled or Shutdown is called.
func (b *Broker) Start(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.runEvery(ctx, b.cfg.PingInterval, b.heartbeat)
	go b.runEvery(ctx, b.cfg.MaintenanceInterval, b.reclaim)

	b.logger.Info("broker background tasks started",
		zap.Duration("ping_interval", b.cfg.PingInterval),
		zap.Duration("maintenance_interval", b.cfg.MaintenanceInterval))
}

// Shutdown stops the background loops and closes every connection
func (b *Broker) Shutdown(ctx context.Context) error {
	b.lifecycleMu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	conns := b.registry.All()
	for _, c := range conns {
		b.Close(c, cnst.CloseGoingAway, cnst.ReasonServerShuttingDown)
	}
	b.logger.Info("broker stopped", zap.Int("closed_connections", len(conns)))
	return nil
}

func (b *Broker) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer b.wg.Done()

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

// heartbeat pings every authenticated connection concurrently; a failed ping
// drops the connection
func (b *Broker) heartbeat(ctx context.Context) {
	conns := b.registry.Authenticated()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := b.ping(ctx, c); err != nil {
				b.logger.Warn("heartbeat failed, dropping connection",
					zap.String("session_id", c.SessionID),
					zap.String("connection_id", c.ID),
					zap.Error(err))
				b.Close(c, cnst.CloseGoingAway, "")
			}
		}(c)
	}
	wg.Wait()

	b.logger.Debug("heartbeat sent", zap.Int("connections", len(conns)))
}

func (b *Broker) ping(ctx context.Context, c *Connection) error {
	data, err := json.Marshal(event.New(c.SessionID, event.Ping{}))
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return b.write(ctx, c, data)
}

// reclaim closes idle connections and purges expired queue entries
func (b *Broker) reclaim(ctx context.Context) {
	for _, c := range b.registry.IdleLongerThan(b.cfg.ConnectionTimeout) {
		b.logger.Info("closing idle connection",
			zap.String("session_id", c.SessionID),
			zap.String("connection_id", c.ID))
		b.Close(c, cnst.CloseNormal, cnst.ReasonConnectionTimeout)
	}

	purged, err := b.queue.PurgeExpired(ctx)
	if err != nil {
		b.logger.Error("failed to purge expired queue entries", zap.Error(err))
		return
	}
	if purged > 0 {
		b.logger.Debug("purged expired queue entries", zap.Int("count", purged))
	}
}
