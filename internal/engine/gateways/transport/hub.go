package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haukened/rr-blacklist/internal/engine/common/executor"
	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
	"github.com/haukened/rr-blacklist/internal/engine/repos/blacklist"
)

// SubscribePath is where the hub is mounted.
const SubscribePath = "/subscribe"

const (
	subscriberBuffer = 64
	pingPeriod       = 30 * time.Second
	pongWait         = 2 * pingPeriod
	frameWriteWait   = 10 * time.Second
)

// ErrHubClosed is returned by Attach after Close.
var ErrHubClosed = errors.New("notification hub closed")

// SubscriberObserver is told when subscribers come and go.
type SubscriberObserver interface {
	SubscriberAdded(name string)
	SubscriberRemoved(name string)
}

type nopSubscriberObserver struct{}

func (nopSubscriberObserver) SubscriberAdded(string)   {}
func (nopSubscriberObserver) SubscriberRemoved(string) {}

// NotifierFunc resolves a blacklist name to the notifier the hub listens to.
type NotifierFunc func(name string) (blacklist.ChangeNotifier, error)

// Hub publishes blacklist changes to websocket subscribers. Each change is
// encoded once and queued on every subscriber of that blacklist; a subscriber
// whose queue is full misses the frame and recovers through a resync when it
// sees the next count.
type Hub struct {
	resolve  NotifierFunc
	observer SubscriberObserver
	logger   log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	attached map[string]blacklist.ChangeNotifier
	subs     map[string]map[string]*subscriber
	closed   bool
}

type subscriber struct {
	id     string
	name   string
	frames chan []byte
	conn   *websocket.Conn
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.frames)
	})
}

// NewHub returns a hub resolving blacklists through resolve.
func NewHub(resolve NotifierFunc, observer SubscriberObserver, logger log.Logger) *Hub {
	if observer == nil {
		observer = nopSubscriberObserver{}
	}
	return &Hub{
		resolve:  resolve,
		observer: observer,
		logger:   logger.With(map[string]any{"component": "hub"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		attached: make(map[string]blacklist.ChangeNotifier),
		subs:     make(map[string]map[string]*subscriber),
	}
}

// Attach starts listening to the named blacklist. It is idempotent.
func (h *Hub) Attach(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.attached[name]; ok {
		return nil
	}
	n, err := h.resolve(name)
	if err != nil {
		return err
	}
	n.Subscribe(h)
	h.attached[name] = n
	return nil
}

// Subscribers returns the number of subscribers of name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}

// HandleChange queues change on every subscriber of its blacklist. It never
// blocks.
func (h *Hub) HandleChange(change domain.Change, _ executor.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[change.Name]
	if len(subs) == 0 {
		return
	}
	frame, err := wire.Marshal(wire.FromChange(change))
	if err != nil {
		h.logger.Error(map[string]any{"blacklist": change.Name, "error": err}, "failed to encode change")
		return
	}
	for _, s := range subs {
		select {
		case s.frames <- frame:
		default:
			h.logger.Debug(map[string]any{
				"blacklist":  change.Name,
				"subscriber": s.id,
				"count":      change.ModificationCount,
			}, "subscriber queue full, dropping frame")
		}
	}
}

// ServeHTTP upgrades GET /subscribe?name=<blacklist> and streams binary
// change frames until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	if err := h.Attach(name); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrHubClosed) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	// Registered before the handshake completes so that a peer which has
	// seen the 101 cannot miss a change.
	s := &subscriber{
		id:     uuid.New().String(),
		name:   name,
		frames: make(chan []byte, subscriberBuffer),
	}
	if !h.register(s) {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unregister(s)
		h.logger.Warn(map[string]any{"error": err}, "websocket upgrade failed")
		return
	}
	s.conn = conn
	h.logger.Debug(map[string]any{"blacklist": name, "subscriber": s.id, "remote": r.RemoteAddr}, "subscriber connected")

	go h.writeLoop(s)
	h.readLoop(s)
	h.unregister(s)
	h.logger.Debug(map[string]any{"blacklist": name, "subscriber": s.id}, "subscriber disconnected")
}

func (h *Hub) register(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.subs[s.name] == nil {
		h.subs[s.name] = make(map[string]*subscriber)
	}
	h.subs[s.name][s.id] = s
	h.observer.SubscriberAdded(s.name)
	return true
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.name][s.id]; !ok {
		return
	}
	delete(h.subs[s.name], s.id)
	s.close()
	h.observer.SubscriberRemoved(s.name)
}

// readLoop discards inbound messages and returns when the peer goes away.
func (h *Hub) readLoop(s *subscriber) {
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// writeLoop owns all writes to the connection.
func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.frames:
			s.conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				h.logger.Debug(map[string]any{"subscriber": s.id, "error": err}, "frame write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close detaches from every blacklist and disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	attached := h.attached
	h.attached = nil
	for name, subs := range h.subs {
		for id, s := range subs {
			s.close()
			delete(subs, id)
			h.observer.SubscriberRemoved(name)
		}
	}
	h.mu.Unlock()

	for _, n := range attached {
		n.Unsubscribe(h)
	}
}

var _ blacklist.Listener = (*Hub)(nil)
var _ http.Handler = (*Hub)(nil)
