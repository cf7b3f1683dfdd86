// Package dashboard provides a WebSocket feed broadcasting stratum and
// miner-driver stats, new-block events, and share events to connected
// dashboard clients.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config holds WebSocket server configuration.
type Config struct {
	Logger         *slog.Logger
	StatsInterval  time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 4096
	}
}

// MessageType identifies the kind of payload a Message carries.
type MessageType string

const (
	MsgTypeStats       MessageType = "stats"
	MsgTypeNewBlock    MessageType = "new_block"
	MsgTypeNewShare    MessageType = "new_share"
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypePing        MessageType = "ping"
	MsgTypePong        MessageType = "pong"
	MsgTypeError       MessageType = "error"
)

// Message is the envelope for every WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// StatsData snapshots the stratum server and miner driver together,
// the two sources a dashboard cares about every tick.
type StatsData struct {
	StratumRunning bool    `json:"stratum_running"`
	Clients        int     `json:"clients"`
	SharesAccepted uint64  `json:"shares_accepted"`
	SharesRejected uint64  `json:"shares_rejected"`
	BlocksFound    uint64  `json:"blocks_found"`
	MinerRunning   bool    `json:"miner_running"`
	MinerPath      string  `json:"miner_path"`
	Hashrate       float64 `json:"hashrate"`
	BestMerit      float64 `json:"best_merit"`
	Height         int64   `json:"height"`
}

// BlockData announces a freshly found and submitted block.
type BlockData struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Path      string `json:"path"` // "hash" or "gap"
	Timestamp int64  `json:"timestamp"`
}

// ShareData announces a share's validation outcome.
type ShareData struct {
	Wallet     string `json:"wallet"`
	Worker     string `json:"worker"`
	Difficulty uint64 `json:"difficulty"`
	Valid      bool   `json:"valid"`
}

// SubscribeRequest selects which channels a client wants to receive:
// "stats", "blocks", "shares".
type SubscribeRequest struct {
	Channels []string `json:"channels"`
}

// Client is one connected dashboard WebSocket.
type Client struct {
	ID            string
	conn          *websocket.Conn
	server        *Server
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Server owns the client registry and the single goroutine that
// mutates it, avoiding concurrent map access across client goroutines.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex
	logger   *slog.Logger

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	statsProvider func() *StatsData

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a dashboard WebSocket server.
func NewServer(cfg Config) *Server {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     cfg.Logger.With("component", "dashboard"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetStatsProvider installs the callback polled every StatsInterval to
// produce the broadcast StatsData snapshot.
func (s *Server) SetStatsProvider(fn func() *StatsData) {
	s.statsProvider = fn
}

// Start launches the client-registry goroutine and the stats ticker.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.run()
	s.wg.Add(1)
	go s.statsBroadcaster()
}

// Stop tears down all client connections and waits for both
// goroutines to exit.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handler upgrades incoming HTTP requests to WebSocket connections.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		client := &Client{
			ID:            uuid.NewString(),
			conn:          conn,
			server:        s,
			send:          make(chan []byte, 256),
			subscriptions: make(map[string]bool),
		}

		s.register <- client
		go client.writePump(s.cfg)
		go client.readPump(s.cfg)
	}
}

func (s *Server) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client.ID] = client
			s.mu.Unlock()
			s.logger.Debug("client connected", "id", client.ID)
		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client.ID]; ok {
				delete(s.clients, client.ID)
				close(client.send)
			}
			s.mu.Unlock()
			s.logger.Debug("client disconnected", "id", client.ID)
		case msg := <-s.broadcast:
			data, _ := json.Marshal(msg)
			s.mu.RLock()
			for _, client := range s.clients {
				if client.shouldReceive(msg) {
					select {
					case client.send <- data:
					default:
					}
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) statsBroadcaster() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.statsProvider == nil {
				continue
			}
			stats := s.statsProvider()
			if stats == nil {
				continue
			}
			data, _ := json.Marshal(stats)
			s.broadcast <- &Message{Type: MsgTypeStats, Data: data, Timestamp: time.Now().Unix()}
		}
	}
}

// BroadcastBlock announces a new block to subscribed clients.
func (s *Server) BroadcastBlock(block *BlockData) {
	data, _ := json.Marshal(block)
	s.broadcast <- &Message{Type: MsgTypeNewBlock, Data: data, Timestamp: time.Now().Unix()}
}

// BroadcastShare announces a share outcome to subscribed clients.
func (s *Server) BroadcastShare(share *ShareData) {
	data, _ := json.Marshal(share)
	s.broadcast <- &Message{Type: MsgTypeNewShare, Data: data, Timestamp: time.Now().Unix()}
}

func (c *Client) shouldReceive(msg *Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch msg.Type {
	case MsgTypeStats:
		return c.subscriptions["stats"]
	case MsgTypeNewBlock:
		return c.subscriptions["blocks"]
	case MsgTypeNewShare:
		return c.subscriptions["shares"]
	default:
		return false
	}
}

func (c *Client) readPump(cfg Config) {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("websocket error", "error", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		c.mu.Lock()
		for _, ch := range req.Channels {
			c.subscriptions[ch] = true
		}
		c.mu.Unlock()

	case MsgTypeUnsubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		c.mu.Lock()
		for _, ch := range req.Channels {
			delete(c.subscriptions, ch)
		}
		c.mu.Unlock()

	case MsgTypePing:
		response := Message{Type: MsgTypePong, Timestamp: time.Now().Unix()}
		data, _ := json.Marshal(response)
		select {
		case c.send <- data:
		default:
		}
	}
}
