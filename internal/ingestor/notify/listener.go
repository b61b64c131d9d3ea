// Package notify turns postgres notifications into dispatcher wake-ups.
package notify

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const pingInterval = 90 * time.Second

// Listener listens on a postgres notification channel and calls wake for every notification.
// Notifications sent while the connection was down are lost, so wake is also called after every reconnect.
type Listener struct {
	dsn               string
	channel           string
	reconnectInterval time.Duration
	wake              func()
}

func NewListener(dsn string, channel string, reconnectInterval time.Duration, wake func()) *Listener {
	return &Listener{
		dsn:               dsn,
		channel:           channel,
		reconnectInterval: reconnectInterval,
		wake:              wake,
	}
}

// Run listens until ctx is cancelled. It only returns an error if the channel can't be listened on at all.
func (l *Listener) Run(ctx context.Context) error {
	logger := log.WithField("channel", l.channel)
	listener := pq.NewListener(l.dsn, l.reconnectInterval, l.reconnectInterval, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected:
			logger.Info("notification listener connected")
		case pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("notification listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info("notification listener reconnected")
			l.wake()
		case pq.ListenerEventConnectionAttemptFailed:
			logger.WithError(err).Warnf("notification listener failed to connect, retrying in %s", l.reconnectInterval)
		}
	})
	defer func() {
		if err := listener.Close(); err != nil {
			logger.WithError(err).Warn("error closing notification listener")
		}
	}()

	if err := listener.Listen(l.channel); err != nil {
		return errors.Wrapf(err, "listening on channel %s", l.channel)
	}
	logger.Info("listening for work item notifications")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// A nil notification follows a reconnect; the callback has already woken the dispatcher.
			if n == nil {
				continue
			}
			logger.WithField("payload", n.Extra).Debug("work item notification received")
			l.wake()
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					logger.WithError(err).Debug("notification listener ping failed")
				}
			}()
		}
	}
}
