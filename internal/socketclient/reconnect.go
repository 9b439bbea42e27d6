package socketclient

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
)

// startReconnect launches the reconnect agent unless one is running.
func (c *Client) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.reconnect()
}

// reconnect restores both channels under the current identity. It retries
// at a fixed interval without limit; only Close or an unknown identity stops
// it.
func (c *Client) reconnect() {
	defer c.wg.Done()
	defer func() {
		c.reconnecting.Store(false)
		// the restored link may already have failed while this agent was
		// still marked as running
		if c.State() == StateReconnecting && c.ctx.Err() == nil {
			c.startReconnect()
		}
	}()

	// give the server a chance to see the old channels go away, so the new
	// request channel is not mistaken for a push channel
	select {
	case <-time.After(c.cfg.ReconnectInterval):
	case <-c.ctx.Done():
		return
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := c.establish(c.ctx)
		var serverErr *ServerError
		if errors.As(err, &serverErr) && serverErr.Kind == protocol.ErrorNotFound {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotConnected) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("Reconnect attempt %d failed: %v (next in %s)", attempt, err, next)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectInterval), c.ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		logger.Error("Giving up reconnecting after %d attempts: %v", attempt, err)
		c.setState(StateDisconnected, err)
		return
	}
	logger.Info("Reconnected after %d attempts", attempt)
}
