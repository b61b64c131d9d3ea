package progress

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
)

// WebsocketObserver writes events to a websocket connection as JSON text messages.
type WebsocketObserver struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWebsocketObserver(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketObserver {
	return &WebsocketObserver{conn: conn, writeTimeout: writeTimeout}
}

func (o *WebsocketObserver) Send(event Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("observer closed")
	}
	if err := o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(o.conn.WriteJSON(event))
}

func (o *WebsocketObserver) Ping() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("observer closed")
	}
	return errors.WithStack(o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(o.writeTimeout)))
}

func (o *WebsocketObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(o.writeTimeout))
	return o.conn.Close()
}

type StreamConfig struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
}

var DefaultStreamConfig = StreamConfig{
	WriteTimeout:      10 * time.Second,
	HeartbeatInterval: 30 * time.Second,
}

// StreamHandler upgrades requests to websockets and streams the broadcaster's events until the client
// disconnects, the heartbeat fails or ctx is done.
type StreamHandler struct {
	ctx         context.Context
	broadcaster *Broadcaster
	config      StreamConfig
	upgrader    websocket.Upgrader
}

func NewStreamHandler(ctx context.Context, broadcaster *Broadcaster, config StreamConfig) *StreamHandler {
	return &StreamHandler{
		ctx:         ctx,
		broadcaster: broadcaster,
		config:      config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(h.ctx).WithField("remote", r.RemoteAddr)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error status.
		logger.WithError(err).Info("progress stream upgrade failed")
		return
	}
	observer := NewWebsocketObserver(conn, h.config.WriteTimeout)
	id, err := h.broadcaster.Subscribe(r.Context(), observer)
	if err != nil {
		logger.WithError(err).Warn("progress stream subscription failed")
		return
	}
	defer h.broadcaster.Unsubscribe(id)

	// Reading is required for control frames to be processed; anything the client sends is discarded.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-disconnected:
			logger.Debug("progress stream client disconnected")
			return
		case <-heartbeat.C:
			if err := observer.Ping(); err != nil {
				logger.WithError(err).Info("progress stream heartbeat failed")
				return
			}
		}
	}
}
