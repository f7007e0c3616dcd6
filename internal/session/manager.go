// Package session owns the single logical connection to the broker gateway:
// identity negotiation, reconnect with backoff, and the read loop that fans
// push events out to the rest of the bridge.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradebridge/internal/broker"
	"tradebridge/internal/events"
)

// clientVersion is the protocol revision this bridge speaks.
const clientVersion = 176

var (
	ErrNotConnected      = errors.New("session: not connected")
	ErrConnectTimeout    = errors.New("session: connect timed out")
	ErrIdentityExhausted = errors.New("session: all client identities in use")

	errIdentityInUse = errors.New("session: client identity in use")
)

// Config holds connection settings for the session manager.
type Config struct {
	GatewayURL         string
	ClientIDBase       int
	ClientIDOffset     int
	IdentityRetries    int
	MinServerVersion   int
	ConnectTimeout     time.Duration
	ReconnectBase      time.Duration
	ReconnectCap       time.Duration
	OutboundRatePerSec float64
	QueryTimeout       time.Duration
	AccountMode        string
}

// Status is a point-in-time view of the connection.
type Status struct {
	Connected     bool   `json:"connected"`
	ClientID      int    `json:"client_id"`
	ServerVersion int    `json:"server_version"`
	Account       string `json:"account"`
	AccountMode   string `json:"account_mode"`
}

// Manager owns exactly one gateway connection.
type Manager struct {
	cfg     Config
	bus     *events.Bus
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	mu            sync.RWMutex
	conn          *websocket.Conn
	connected     bool
	clientID      int
	serverVersion int
	account       string
	hooks         []func()
	closed        bool

	writeMu sync.Mutex

	nextOrderID atomic.Int64
	reqSeq      atomic.Int64

	colMu      sync.Mutex
	collectors map[int64]*collector
}

// NewManager builds a session manager; Connect must be called before use.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if cfg.OutboundRatePerSec <= 0 {
		cfg.OutboundRatePerSec = 40
	}
	return &Manager{
		cfg:        cfg,
		bus:        bus,
		dialer:     websocket.DefaultDialer,
		limiter:    rate.NewLimiter(rate.Limit(cfg.OutboundRatePerSec), int(cfg.OutboundRatePerSec)),
		collectors: make(map[int64]*collector),
	}
}

// Connect negotiates a client identity with the gateway. The base identity
// is derived from the configured role offset; on an identity-in-use error it
// retries with the next increment up to the configured bound.
func (m *Manager) Connect(ctx context.Context) error {
	for attempt := 0; attempt <= m.cfg.IdentityRetries; attempt++ {
		clientID := m.cfg.ClientIDBase + m.cfg.ClientIDOffset + attempt
		err := m.dial(ctx, clientID)
		if err == nil {
			return nil
		}
		if errors.Is(err, errIdentityInUse) {
			log.Printf("session: client id %d already in use, trying %d", clientID, clientID+1)
			continue
		}
		return err
	}
	return fmt.Errorf("%w (tried %d identities from base %d)",
		ErrIdentityExhausted, m.cfg.IdentityRetries+1, m.cfg.ClientIDBase+m.cfg.ClientIDOffset)
}

func (m *Manager) dial(ctx context.Context, clientID int) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(dctx, m.cfg.GatewayURL, nil)
	if err != nil {
		if dctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	deadline := time.Now().Add(m.cfg.ConnectTimeout)
	_ = conn.SetWriteDeadline(deadline)
	hello, err := broker.Marshal(broker.FrameHello, broker.Hello{ClientID: clientID, ClientVersion: clientVersion})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	var reply broker.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waiting for connect ack", ErrConnectTimeout)
		}
		return fmt.Errorf("read connect ack: %w", err)
	}

	switch reply.Type {
	case broker.FrameConnectAck:
		var ack broker.ConnectAck
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			conn.Close()
			return fmt.Errorf("decode connect ack: %w", err)
		}
		if ack.ServerVersion < m.cfg.MinServerVersion {
			log.Printf("session: gateway server version %d is below minimum supported %d; continuing",
				ack.ServerVersion, m.cfg.MinServerVersion)
		}
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})

		m.mu.Lock()
		m.conn = conn
		m.connected = true
		m.clientID = clientID
		m.serverVersion = ack.ServerVersion
		m.account = ack.Account
		m.mu.Unlock()
		m.nextOrderID.Store(ack.NextOrderID - 1)

		go m.readLoop(conn)
		log.Printf("session: connected to %s as client %d (server version %d, %s)",
			m.cfg.GatewayURL, clientID, ack.ServerVersion, m.cfg.AccountMode)
		return nil

	case broker.FrameError:
		var ef broker.ErrorFrame
		_ = json.Unmarshal(reply.Data, &ef)
		conn.Close()
		if ef.Code == broker.CodeClientIDInUse {
			return errIdentityInUse
		}
		return fmt.Errorf("gateway rejected connect: code=%d %s", ef.Code, ef.Message)

	default:
		conn.Close()
		return fmt.Errorf("unexpected frame %q during connect", reply.Type)
	}
}

// Close shuts the session down permanently; no reconnect is scheduled.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether a live gateway connection exists.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ConnectionStatus returns the negotiated identity and version.
func (m *Manager) ConnectionStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Connected:     m.connected,
		ClientID:      m.clientID,
		ServerVersion: m.serverVersion,
		Account:       m.account,
		AccountMode:   m.cfg.AccountMode,
	}
}

// OnReconnect registers a hook run after every successful reconnect, so
// dependents (listeners, reconciliation) re-arm without polling.
func (m *Manager) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// PlaceOrder assigns the next order id from the negotiated sequence and
// submits the order. The id is returned immediately; status arrives as push
// events.
func (m *Manager) PlaceOrder(ctx context.Context, po broker.PlaceOrder) (int64, error) {
	po.OrderID = m.nextOrderID.Add(1)
	if err := m.send(ctx, broker.FramePlaceOrder, po); err != nil {
		return 0, err
	}
	return po.OrderID, nil
}

// CancelOrder requests cancellation of an open order.
func (m *Manager) CancelOrder(ctx context.Context, orderID int64) error {
	return m.send(ctx, broker.FrameCancelOrder, broker.CancelOrder{OrderID: orderID})
}

func (m *Manager) send(ctx context.Context, frameType string, payload any) error {
	m.mu.RLock()
	conn := m.conn
	connected := m.connected
	m.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	// The gateway throttles request bursts; pace all outbound traffic.
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	env, err := broker.Marshal(frameType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", frameType, err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var env broker.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) handleDisconnect(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// Stale read loop from a connection we already replaced.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	closed := m.closed
	m.mu.Unlock()

	_ = conn.Close()
	m.resolveAllCollectors()

	if closed {
		return
	}

	log.Printf("session: connection lost: %v", cause)
	if m.bus != nil {
		m.bus.Publish(events.EventDisconnected, cause.Error())
	}
	go m.reconnectLoop()
}

// reconnectLoop retries with exponential backoff, logging every early
// attempt and then only every tenth to keep the log readable during long
// outages.
func (m *Manager) reconnectLoop() {
	delay := m.cfg.ReconnectBase
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 1; ; attempt++ {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return
		}

		time.Sleep(delay)

		err := m.Connect(context.Background())
		if err == nil {
			m.mu.RLock()
			hooks := make([]func(), len(m.hooks))
			copy(hooks, m.hooks)
			m.mu.RUnlock()

			log.Printf("session: reconnected after %d attempts", attempt)
			if m.bus != nil {
				m.bus.Publish(events.EventConnected, m.ConnectionStatus())
			}
			for _, fn := range hooks {
				fn()
			}
			return
		}

		if attempt <= 5 || attempt%10 == 0 {
			log.Printf("session: reconnect attempt %d failed: %v (next in %s)", attempt, err, delay)
		}

		delay *= 2
		if m.cfg.ReconnectCap > 0 && delay > m.cfg.ReconnectCap {
			delay = m.cfg.ReconnectCap
		}
	}
}

func (m *Manager) dispatch(env broker.Envelope) {
	switch env.Type {
	case broker.FrameOrderStatus:
		var ev broker.OrderStatus
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("session: bad orderStatus frame: %v", err)
			return
		}
		if m.bus != nil {
			m.bus.Publish(events.EventOrderStatus, ev)
		}

	case broker.FrameExecDetails:
		var ev broker.ExecDetails
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("session: bad execDetails frame: %v", err)
			return
		}
		if ev.ReqID != 0 {
			m.deliverRow(ev.ReqID, ev)
			return
		}
		if m.bus != nil {
			m.bus.Publish(events.EventExecDetails, ev)
		}

	case broker.FrameCommissionReport:
		var ev broker.CommissionReport
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("session: bad commissionReport frame: %v", err)
			return
		}
		if m.bus != nil {
			m.bus.Publish(events.EventCommission, ev)
		}

	case broker.FrameOpenOrder:
		var row broker.OpenOrder
		if err := json.Unmarshal(env.Data, &row); err != nil {
			log.Printf("session: bad openOrder frame: %v", err)
			return
		}
		m.deliverRow(row.ReqID, row)

	case broker.FramePosition:
		var row broker.PositionRow
		if err := json.Unmarshal(env.Data, &row); err != nil {
			log.Printf("session: bad position frame: %v", err)
			return
		}
		m.deliverRow(row.ReqID, row)

	case broker.FrameOpenOrderEnd, broker.FramePositionEnd, broker.FrameExecDetailsEnd:
		var req broker.Request
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("session: bad %s frame: %v", env.Type, err)
			return
		}
		m.resolveCollector(req.ReqID)

	case broker.FrameError:
		var ef broker.ErrorFrame
		if err := json.Unmarshal(env.Data, &ef); err != nil {
			log.Printf("session: bad error frame: %v", err)
			return
		}
		m.handleErrorFrame(ef)

	default:
		log.Printf("session: ignoring unknown frame type %q", env.Type)
	}
}

// handleErrorFrame filters the gateway's numeric error channel. Most codes
// are chatter, not failures.
func (m *Manager) handleErrorFrame(ef broker.ErrorFrame) {
	switch {
	case broker.IsInformational(ef.Code):
		log.Printf("session: gateway info %d: %s", ef.Code, ef.Message)
	case broker.IsConnectionLoss(ef.Code):
		// The read loop observes the actual socket drop; just surface it.
		log.Printf("session: gateway connectivity error %d: %s", ef.Code, ef.Message)
	default:
		if ef.OrderID > 0 {
			log.Printf("session: gateway error %d for order %d: %s", ef.Code, ef.OrderID, ef.Message)
		} else {
			log.Printf("session: gateway error %d: %s", ef.Code, ef.Message)
		}
	}
}
