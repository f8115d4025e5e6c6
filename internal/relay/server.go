package relay

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent is the minimal notification pushed to clients. No payload
// duplication: clients re-fetch the affected resource themselves.
type ChangeEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Change event types.
const (
	EventMessages  = "messages_changed"
	EventReadState = "read_state_changed"
	EventOutbox    = "outbox_changed"
	EventHeartbeat = "heartbeat"
)

// Server pushes change notifications to subscribed websocket clients.
// Low latency comes from forwarded bus events; the polling detector covers
// mutations made by other processes. A constant heartbeat lets clients
// distinguish "no changes" from "connection dead".
type Server struct {
	detector Detector
	bus      *bus.Bus
	logger   *zap.Logger

	network string // "unix" or "tcp"
	addr    string
	poll    time.Duration
	hb      time.Duration

	mu       sync.Mutex
	subs     map[chan ChangeEvent]struct{}
	httpSrv  *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// NewServer creates a change relay server. network is "unix" or "tcp".
func NewServer(detector Detector, b *bus.Bus, network, addr string, poll, heartbeat time.Duration, logger *zap.Logger) *Server {
	return &Server{
		detector: detector,
		bus:      b,
		logger:   logger,
		network:  network,
		addr:     addr,
		poll:     poll,
		hb:       heartbeat,
		subs:     make(map[chan ChangeEvent]struct{}),
	}
}

// Start binds the listener and launches the serve, poll, bus-forward and
// heartbeat loops.
func (s *Server) Start(ctx context.Context) error {
	if s.network == "unix" {
		// Clean stale socket if it exists.
		if _, err := os.Stat(s.addr); err == nil {
			_ = os.Remove(s.addr)
		}
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return err
	}
	if s.network == "unix" {
		if err := os.Chmod(s.addr, 0600); err != nil {
			_ = ln.Close()
			return err
		}
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s}

	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server error", zap.Error(err))
		}
	}()
	go s.pollLoop(ctx)
	go s.busLoop(ctx)
	go s.heartbeatLoop(ctx)

	s.logger.Info("change relay listening", zap.String("network", s.network), zap.String("addr", s.addr))
	return nil
}

// Stop shuts the server down and disconnects all subscribers.
func (s *Server) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.network == "unix" {
		_ = os.Remove(s.addr)
	}
}

// ServeHTTP upgrades the connection and streams change events until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// CloseRead discards inbound frames and cancels the context when the
	// peer disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case evt := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *Server) subscribe() chan ChangeEvent {
	ch := make(chan ChangeEvent, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan ChangeEvent) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// Broadcast pushes an event to every subscriber, dropping for slow ones.
func (s *Server) Broadcast(evt ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			delta, err := s.detector.DetectChanges(ctx)
			if err != nil {
				s.logger.Error("change detection failed", zap.Error(err))
				continue
			}
			if delta.Empty() {
				continue
			}
			now := time.Now().UnixMilli()
			if delta.NewMessages {
				s.Broadcast(ChangeEvent{Type: EventMessages, Timestamp: now})
			}
			if delta.ReadStateChanged {
				s.Broadcast(ChangeEvent{Type: EventReadState, Timestamp: now})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) busLoop(ctx context.Context) {
	msgs, unsubMsgs := s.bus.Subscribe("message.", 64)
	outbox, unsubOutbox := s.bus.Subscribe("outbox.", 64)
	defer unsubMsgs()
	defer unsubOutbox()

	for {
		select {
		case <-msgs:
			s.Broadcast(ChangeEvent{Type: EventMessages, Timestamp: time.Now().UnixMilli()})
		case <-outbox:
			s.Broadcast(ChangeEvent{Type: EventOutbox, Timestamp: time.Now().UnixMilli()})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.hb)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Broadcast(ChangeEvent{Type: EventHeartbeat, Timestamp: time.Now().UnixMilli()})
		case <-ctx.Done():
			return
		}
	}
}
