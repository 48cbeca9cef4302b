package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nexus-core/pkg/config"
)

// Reconnection constants.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterPercent  = 0.2

	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// Subscriber multiplexes accountSubscribe streams over one websocket and
// re-subscribes every watched address after a reconnect. Callbacks receive no
// payload: notifications are triggers to re-fetch, never state.
type Subscriber struct {
	url        string
	commitment string
	dialer     websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	watches map[string]func()
	pending map[uint64]string // request id -> address
	subs    map[uint64]string // subscription id -> address
	nextID  uint64

	running map[string]bool // address -> callback in flight
	again   map[string]bool // address -> notified while in flight
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewSubscriber prepares a subscriber for cfg.WSURL. Call Start to connect.
func NewSubscriber(cfg config.Chain) *Subscriber {
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Subscriber{
		url:        cfg.WSURL,
		commitment: commitment,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		watches:    make(map[string]func()),
		pending:    make(map[uint64]string),
		subs:       make(map[uint64]string),
		running:    make(map[string]bool),
		again:      make(map[string]bool),
		backoff:    initialBackoff,
	}
}

// AccountSubscribe registers fn for changes to address. Registering the same
// address again replaces its callback.
func (s *Subscriber) AccountSubscribe(ctx context.Context, address string, fn func()) error {
	if !IsValidAddress(address) {
		return fmt.Errorf("subscribe %q: %w", address, ErrInvalidPublicKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.watches[address]
	s.watches[address] = fn
	if existed || s.conn == nil {
		return nil
	}
	return s.sendSubscribeLocked(address)
}

// Watching reports how many addresses are registered.
func (s *Subscriber) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Start connects and keeps the connection alive until ctx is done.
func (s *Subscriber) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Wait blocks until the connection loop and any running callbacks exit.
func (s *Subscriber) Wait() {
	s.wg.Wait()
}

func (s *Subscriber) runLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			s.closeConnection()
			return
		}
		if err := s.connect(ctx); err != nil {
			log.Printf("⚠️  [solana-ws] connect failed: %v (retry in %v)", err, s.backoff)
			s.waitBackoff(ctx)
			continue
		}

		stop := make(chan struct{})
		go s.keepAlive(ctx, stop)
		err := s.readLoop(ctx)
		close(stop)
		s.closeConnection()

		if ctx.Err() != nil {
			return
		}
		log.Printf("⚠️  [solana-ws] connection lost: %v", err)
		s.waitBackoff(ctx)
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.backoff = initialBackoff
	s.pending = make(map[uint64]string)
	s.subs = make(map[uint64]string)
	for address := range s.watches {
		if err := s.sendSubscribeLocked(address); err != nil {
			_ = conn.Close()
			s.conn = nil
			return err
		}
	}
	log.Printf("🔌 [solana-ws] connected, %d subscriptions", len(s.watches))
	return nil
}

func (s *Subscriber) sendSubscribeLocked(address string) error {
	s.nextID++
	id := s.nextID
	s.pending[id] = address
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "accountSubscribe",
		"params": []any{address, map[string]any{
			"encoding":   "base64",
			"commitment": s.commitment,
		}},
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send accountSubscribe: %w", err)
	}
	return nil
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

func (s *Subscriber) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *Subscriber) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case msg.ID != nil:
		address, ok := s.pending[*msg.ID]
		if !ok {
			return
		}
		delete(s.pending, *msg.ID)
		var subID uint64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			log.Printf("⚠️  [solana-ws] subscribe %s rejected: %s", address, data)
			return
		}
		s.subs[subID] = address
	case msg.Method == "accountNotification" && msg.Params != nil:
		address, ok := s.subs[msg.Params.Subscription]
		if !ok {
			return
		}
		s.triggerLocked(address)
	}
}

// triggerLocked runs address's callback in its own goroutine. Each address has
// at most one callback in flight; notifications that arrive meanwhile collapse
// into a single rerun.
func (s *Subscriber) triggerLocked(address string) {
	if s.running[address] {
		s.again[address] = true
		return
	}
	fn := s.watches[address]
	if fn == nil {
		return
	}
	s.running[address] = true
	s.wg.Add(1)
	go s.runCallback(address, fn)
}

func (s *Subscriber) runCallback(address string, fn func()) {
	defer s.wg.Done()
	for {
		fn()

		s.mu.Lock()
		if !s.again[address] {
			delete(s.running, address)
			s.mu.Unlock()
			return
		}
		delete(s.again, address)
		fn = s.watches[address]
		s.mu.Unlock()
	}
}

// keepAlive pings until stop closes and unblocks the reader when ctx ends.
func (s *Subscriber) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.closeConnection()
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Printf("⚠️  [solana-ws] ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Subscriber) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// waitBackoff waits for the backoff duration with jitter.
func (s *Subscriber) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(s.backoff) * jitterPercent * (rand.Float64()*2 - 1))
	t := time.NewTimer(s.backoff + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}

	s.backoff = time.Duration(float64(s.backoff) * backoffFactor)
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
}
