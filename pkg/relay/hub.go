package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/voice-relay/pkg/metrics"
	"github.com/teslashibe/voice-relay/pkg/protocol"
	"github.com/teslashibe/voice-relay/pkg/segment"
)

// Connection is one connected recording client.
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	hub     *Hub
	session *Session
	mu      sync.Mutex
}

// Send writes a message to the client. Writes are serialized per connection.
func (c *Connection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.hub.messagesSent.Add(1)
	return nil
}

// Session returns the session bound to this connection.
func (c *Connection) Session() *Session { return c.session }

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastSeen = time.Now()
	c.mu.Unlock()
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Processor is shared by every session. Required.
	Processor *Processor

	// SegmenterOptions are applied to each new session's segmenter.
	SegmenterOptions []segment.Option

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// BaseContext is the parent of every pass context. Defaults to
	// context.Background().
	BaseContext context.Context
}

// ErrShuttingDown is returned for connections attempted during Shutdown.
var ErrShuttingDown = errors.New("relay: hub is shutting down")

// Hub accepts client WebSocket connections and gives each one a Session.
type Hub struct {
	cfg    HubConfig
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conns   map[string]*Connection
	passes  sync.WaitGroup
	closing atomic.Bool

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	chunksReceived   atomic.Uint64
	invalidFrames    atomic.Uint64
	passesCompleted  atomic.Uint64
	passesFailed     atomic.Uint64
}

// NewHub creates a hub. cfg.Processor must be set.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Processor == nil {
		return nil, errors.New("relay: hub requires a processor")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	ctx, cancel := context.WithCancel(cfg.BaseContext)

	return &Hub{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "relay.hub"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Connection),
	}, nil
}

// RegisterRoutes registers the client WebSocket endpoints on a Fiber app.
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if h.closing.Load() {
			return fiber.NewError(fiber.StatusServiceUnavailable, ErrShuttingDown.Error())
		}
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(h.handleClient))
	app.Get("/ws/:id", websocket.New(h.handleClient))
}

func (h *Hub) handleClient(c *websocket.Conn) {
	conn := h.register(c, c.Params("id"))
	id := conn.ID
	h.log.Info("client connected", "session", id, "total", h.Count())

	defer func() {
		conn.session.Close()
		h.cfg.Metrics.RecordSessionClosed(time.Since(conn.Connected))

		h.mu.Lock()
		delete(h.conns, id)
		total := len(h.conns)
		h.mu.Unlock()

		h.log.Info("client disconnected", "session", id, "total", total)
	}()

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			h.log.Debug("read error", "session", id, "error", err)
			return
		}
		conn.touch()
		h.messagesReceived.Add(1)

		switch mt {
		case websocket.TextMessage:
			h.handleMessage(conn, data)
		case websocket.BinaryMessage:
			samples, err := protocol.DecodeFloat32Frame(data)
			if err != nil {
				h.invalid(id, err)
				continue
			}
			h.chunksReceived.Add(1)
			conn.session.HandleAudio(samples)
		}
	}
}

// register binds a new connection and session. A requested id already in
// use gets a random suffix.
func (h *Hub) register(c *websocket.Conn, requested string) *Connection {
	now := time.Now()
	conn := &Connection{
		Conn:      c,
		Connected: now,
		LastSeen:  now,
		hub:       h,
	}

	h.mu.Lock()
	id := requested
	if id == "" {
		id = uuid.NewString()
	}
	if _, taken := h.conns[id]; taken {
		id = requested + "-" + uuid.NewString()[:8]
	}
	conn.ID = id
	conn.session = NewSession(id, segment.New(h.cfg.SegmenterOptions...), h.cfg.Processor, conn, SessionOptions{
		Context:    h.ctx,
		Logger:     h.cfg.Logger,
		Metrics:    h.cfg.Metrics,
		Passes:     &h.passes,
		OnPassDone: h.passDone,
	})
	if h.closing.Load() {
		conn.session.Drain()
	}
	h.conns[id] = conn
	h.mu.Unlock()

	h.cfg.Metrics.RecordSessionOpened()
	return conn
}

func (h *Hub) handleMessage(conn *Connection, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.invalid(conn.ID, err)
		return
	}

	switch msg.Type {
	case protocol.TypeAudioData:
		samples, err := msg.GetSamples()
		if err != nil {
			h.invalid(conn.ID, err)
			return
		}
		h.chunksReceived.Add(1)
		conn.session.HandleAudio(samples)

	case protocol.TypeStopRecording:
		conn.session.HandleStop()

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			h.invalid(conn.ID, err)
			return
		}
		sent := ping.Timestamp
		if sent == 0 {
			sent = msg.Timestamp
		}
		pong, err := protocol.NewPongMessage(ping.ID, sent, time.Now().UnixMilli())
		if err != nil {
			return
		}
		if err := conn.Send(pong); err != nil {
			h.log.Debug("pong failed", "session", conn.ID, "error", err)
		}

	default:
		h.log.Debug("ignoring message", "session", conn.ID, "type", msg.Type)
	}
}

func (h *Hub) invalid(id string, err error) {
	h.invalidFrames.Add(1)
	h.cfg.Metrics.RecordInvalidFrame()
	h.log.Debug("invalid frame", "session", id, "error", err)
}

func (h *Hub) passDone(err error) {
	if err != nil {
		h.passesFailed.Add(1)
		return
	}
	h.passesCompleted.Add(1)
}

// Shutdown stops accepting clients and new passes, then waits for in-flight
// passes. If ctx ends first the passes are cancelled and ctx.Err() is
// returned. Open connections are closed either way.
func (h *Hub) Shutdown(ctx context.Context) error {
	// Under h.mu so register sees closing and drains late sessions itself.
	h.mu.Lock()
	h.closing.Store(true)
	h.mu.Unlock()
	for _, conn := range h.Connections() {
		conn.session.Drain()
	}

	done := make(chan struct{})
	go func() {
		h.passes.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		h.cancel()
		err = ctx.Err()
	}

	for _, conn := range h.Connections() {
		conn.session.Close()
		conn.mu.Lock()
		conn.Conn.Close()
		conn.mu.Unlock()
	}
	h.cancel()
	return err
}

// Connection returns a connection by session ID, or nil.
func (h *Hub) Connection(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Session returns a session by ID, or nil.
func (h *Hub) Session(id string) *Session {
	if c := h.Connection(id); c != nil {
		return c.session
	}
	return nil
}

// Connections returns all open connections.
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats contains hub statistics
type Stats struct {
	Sessions         int    `json:"sessions"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	ChunksReceived   uint64 `json:"chunks_received"`
	InvalidFrames    uint64 `json:"invalid_frames"`
	PassesCompleted  uint64 `json:"passes_completed"`
	PassesFailed     uint64 `json:"passes_failed"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		Sessions:         h.Count(),
		MessagesReceived: h.messagesReceived.Load(),
		MessagesSent:     h.messagesSent.Load(),
		ChunksReceived:   h.chunksReceived.Load(),
		InvalidFrames:    h.invalidFrames.Load(),
		PassesCompleted:  h.passesCompleted.Load(),
		PassesFailed:     h.passesFailed.Load(),
	}
}

// SessionInfo describes one open session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Connected  time.Time `json:"connected"`
	LastSeen   time.Time `json:"last_seen"`
	Processing bool      `json:"processing"`
	Buffered   int       `json:"buffered"`
	Passes     uint64    `json:"passes"`
	Failed     uint64    `json:"failed"`
}

// GetSessionInfos returns info about all open sessions.
func (h *Hub) GetSessionInfos() []SessionInfo {
	conns := h.Connections()
	infos := make([]SessionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		lastSeen := c.LastSeen
		c.mu.Unlock()

		seg := c.session.Segmenter()
		passes, failed := c.session.PassCounts()
		infos = append(infos, SessionInfo{
			ID:         c.ID,
			Connected:  c.Connected,
			LastSeen:   lastSeen,
			Processing: seg.Processing(),
			Buffered:   seg.Len(),
			Passes:     passes,
			Failed:     failed,
		})
	}
	return infos
}

// RegisterAPIRoutes registers read-only session routes.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": h.GetSessionInfos(),
			"count":    h.Count(),
		})
	})

	sessions.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}
