package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/logging"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Notifier listens for postgres notifications raised by Service.Enqueue and
// turns them into publisher wake-ups.
type Notifier struct {
	listener *pq.Listener
	channel  string
	logger   *zap.Logger
}

func NewNotifier(dsn, channel string, logger *zap.Logger) (*Notifier, error) {
	logger = logging.OrNop(logger)
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("outbox listener connection problem", zap.String("channel", channel), zap.Error(err))
		}
	})
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}
	return &Notifier{listener: listener, channel: channel, logger: logger}, nil
}

// Run calls wake for every notification until ctx is done. A nil
// notification follows a reconnect, after which events may have been missed,
// so it wakes the publisher too.
func (n *Notifier) Run(ctx context.Context, wake func()) error {
	n.logger.Info("outbox notifier listening", zap.String("channel", n.channel))

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.listener.Notify:
			wake()
		case <-ticker.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn("outbox listener ping failed", zap.Error(err))
			}
		}
	}
}

func (n *Notifier) Close() error {
	return n.listener.Close()
}
