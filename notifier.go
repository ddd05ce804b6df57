package tillsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeEvent announces that catalog data changed on the remote
// authority. Events carry no payload; consumers pull the actual
// changes through the normal delta path.
type ChangeEvent struct {
	Model string    `json:"model"`
	At    time.Time `json:"-"`
}

// ChangeNotifier listens on a websocket for catalog change
// announcements so deltas can be pulled promptly instead of waiting for
// the polling interval. The connection is best effort: the engine works
// identically without it, just with higher change latency.
type ChangeNotifier struct {
	config NotifierConfig
	logger *slog.Logger
	events chan ChangeEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewChangeNotifier creates a notifier for the configured endpoint.
func NewChangeNotifier(config NotifierConfig, logger *slog.Logger) *ChangeNotifier {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeNotifier{
		config: config,
		logger: logger,
		events: make(chan ChangeEvent, 16),
	}
}

// Events returns the notification channel. It is closed when the
// notifier stops.
func (n *ChangeNotifier) Events() <-chan ChangeEvent {
	return n.events
}

// Start begins the connect-and-listen loop.
func (n *ChangeNotifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("change notifier already started")
	}
	if n.config.URL == "" {
		return fmt.Errorf("change notifier has no url configured")
	}
	n.running = true

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go n.connectLoop(runCtx)
	return nil
}

// Stop terminates the listener and closes the event channel.
func (n *ChangeNotifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	n.wg.Wait()
	close(n.events)
}

// connectLoop redials after every drop until stopped.
func (n *ChangeNotifier) connectLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		if err := n.listen(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("change notifier connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.config.ReconnectDelay):
		}
	}
}

// listen holds one websocket connection, forwarding change messages
// until the connection drops.
func (n *ChangeNotifier) listen(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, n.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	n.logger.Info("change notifier connected", "url", n.config.URL)

	// Close the connection when the context ends so ReadMessage
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pinger := time.NewTicker(n.config.PingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pinger.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var event ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			n.logger.Warn("discarding malformed change notification", "error", err)
			continue
		}
		event.At = time.Now()
		select {
		case n.events <- event:
		default:
			// A full channel means a delta is already pending; dropping
			// the event loses nothing.
		}
	}
}
