package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/handshake"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
)

const (
	wsWriteWait   = 1 * time.Second
	dataWriteWait = 10 * time.Second
	// closeGrace bounds how long a closed connection waits for the client's
	// close reply.
	closeGrace = 1 * time.Second
)

// client supervises one WebSocket connection. The read loop runs on the
// HTTP handler goroutine; a writer drains the send queue and a pinger keeps
// the connection alive.
//
// mu guards the handshake machine and the slot assignment. It is never held
// while another client's lock is taken, except by an initiator tearing down
// the initiator it superseded; that teardown waits on no other client.
type client struct {
	srv  *Server
	ws   *websocket.Conn
	id   string
	path string
	log  *slog.Logger

	mu         sync.Mutex
	machine    *handshake.Machine
	slot       byte
	registered bool

	queue   *relay.SendQueue
	limiter *rate.Limiter

	// sender is only used by the read loop.
	sender *relay.Sender
	// routeMu is read-held while a frame is routed. Holding it for writing
	// waits out an in-flight frame.
	routeMu sync.RWMutex

	authenticated atomic.Bool
	closing       atomic.Bool
	lastSeen      atomic.Int64
	pingInterval  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	writeDone chan struct{}
}

func newClient(s *Server, ws *websocket.Conn, pathKey [protocol.KeySize]byte, path string) (*client, error) {
	machine, err := handshake.New(pathKey, s.cfg.Keys, ws.Subprotocol(), s.cfg.Rand)
	if err != nil {
		return nil, err
	}
	id := newConnID()
	c := &client{
		srv:       s,
		ws:        ws,
		id:        id,
		path:      path,
		log:       s.log.With("conn_id", id, "path", path[:8], "remote_addr", ws.RemoteAddr().String()),
		machine:   machine,
		queue:     relay.NewSendQueue(s.cfg.SendQueueBytes),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	if n := s.cfg.MaxMessagesPerSecond; n > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	c.pingInterval.Store(int64(s.cfg.PingInterval))
	return c, nil
}

// Authenticated implements relay.Endpoint.
func (c *client) Authenticated() bool {
	return c.authenticated.Load() && !c.closing.Load()
}

// Deliver implements relay.Endpoint. A full queue drops this client.
// Delivery runs under the sender's routeMu, so the drop happens on its own
// goroutine.
func (c *client) Deliver(frame []byte) error {
	err := c.queue.Enqueue(frame)
	if errors.Is(err, relay.ErrQueueFull) {
		go c.overflow()
	}
	return err
}

func (c *client) run() {
	c.log.Info("client connected", "subprotocol", c.ws.Subprotocol())
	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.touch()

	c.mu.Lock()
	hello, err := c.machine.Hello()
	if err == nil {
		err = c.queue.Enqueue(hello)
	}
	c.mu.Unlock()

	go c.writeLoop()
	go c.pingLoop()
	if err != nil {
		c.fail(err)
	}

	timer := time.AfterFunc(c.srv.cfg.HandshakeTimeout, c.handshakeExpired)
	c.readLoop()
	timer.Stop()
	close(c.readDone)
	<-c.writeDone
}

func (c *client) touch() {
	now := time.Now()
	c.lastSeen.Store(now.UnixNano())
	_ = c.ws.SetReadDeadline(now.Add(c.idleTimeout()))
}

func (c *client) currentPingInterval() time.Duration {
	return time.Duration(c.pingInterval.Load())
}

// idleTimeout leaves room for at least two missed pings.
func (c *client) idleTimeout() time.Duration {
	idle := c.srv.cfg.IdleTimeout
	if floor := 3 * c.currentPingInterval(); idle < floor {
		idle = floor
	}
	return idle
}

// stale reports whether the client has missed two keep-alive intervals.
func (c *client) stale() bool {
	last := time.Unix(0, c.lastSeen.Load())
	return time.Since(last) > 2*c.currentPingInterval()
}

func (c *client) readLoop() {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.onReadError(err)
			return
		}
		c.touch()
		if c.closing.Load() {
			// Drain until the client answers the close frame.
			continue
		}
		// Limit after reading so the socket is not left with unread data.
		if c.limiter != nil && !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonRateLimited))
			c.log.Warn("rate limit exceeded", "max_messages_per_second", c.srv.cfg.MaxMessagesPerSecond)
			c.teardown(protocol.ClosePolicyViolation, "rate limit exceeded", true)
			continue
		}
		if typ != websocket.BinaryMessage {
			c.fail(fmt.Errorf("%w: text message", protocol.ErrUnexpectedMessage))
			continue
		}
		if err := c.handle(data); err != nil {
			c.fail(err)
		}
	}
}

func (c *client) onReadError(err error) {
	switch {
	case c.closing.Load():
	case errors.Is(err, websocket.ErrReadLimit):
		c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonProtocolError))
		c.log.Warn("message too large", "max_message_bytes", c.srv.cfg.MaxMessageBytes)
		c.teardown(closeMessageTooBig, "message too large", true)
	case isTimeout(err):
		c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonIdle))
		c.log.Info("client idle", "idle_timeout", c.idleTimeout())
		c.teardown(protocol.CloseNormal, "idle timeout", true)
	default:
		c.teardown(peerCloseCode(err), "client disconnected", true)
	}
}

func (c *client) writeLoop() {
	defer close(c.writeDone)
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(dataWriteWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.log.Debug("write failed", "err", err)
			_ = c.ws.Close()
			c.teardown(websocket.CloseAbnormalClosure, "write failed", true)
			return
		}
	}

	info, _ := c.queue.CloseInfo()
	_ = writeClose(c.ws, info.Code, info.Reason)
	select {
	case <-c.readDone:
	case <-time.After(closeGrace):
	}
	_ = c.ws.Close()
}

func (c *client) pingLoop() {
	timer := time.NewTimer(c.currentPingInterval())
	defer timer.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-timer.C:
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
		timer.Reset(c.currentPingInterval())
	}
}

func (c *client) handshakeExpired() {
	if c.authenticated.Load() || c.closing.Load() {
		return
	}
	c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonHandshakeTimeout))
	c.log.Info("handshake timed out", "handshake_timeout", c.srv.cfg.HandshakeTimeout)
	c.teardown(protocol.CloseProtocolError, "handshake timeout", true)
}

// fail closes the connection with the code for err.
func (c *client) fail(err error) {
	code, reason := closeCodeFor(err)
	if c.authenticated.Load() {
		c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonProtocolError))
	} else {
		c.srv.metrics.Inc(metrics.HandshakesFailed)
	}
	c.log.Warn("closing client", "err", err, "close_code", code)
	c.teardown(code, reason, true)
}

func (c *client) handle(raw []byte) error {
	if !c.authenticated.Load() {
		return c.handshake(raw)
	}

	c.routeMu.RLock()
	if c.closing.Load() {
		c.routeMu.RUnlock()
		return nil
	}
	res, err := c.srv.engine.Route(c.sender, raw)
	c.routeMu.RUnlock()
	if err != nil {
		return err
	}
	switch res.Action {
	case relay.ActionForward:
		c.srv.metrics.Inc(metrics.FramesRelayed)
		c.srv.metrics.Add(metrics.BytesRelayed, uint64(len(raw)))
	case relay.ActionServer:
		return c.handleServerFrame(res.Frame)
	case relay.ActionSendError:
		c.srv.metrics.Inc(metrics.SendErrors)
		c.log.Debug("destination unavailable", "destination", res.Frame.Nonce.Destination, "err", res.Err)
		return c.send(protocol.SendError{ID: res.ErrorID})
	}
	return nil
}

func (c *client) handshake(raw []byte) error {
	c.mu.Lock()
	t, err := c.machine.Step(raw)
	if err != nil || t.Register == nil || c.closing.Load() {
		c.mu.Unlock()
		return err
	}

	role := registry.RoleResponder
	if t.Register.Role == handshake.RoleInitiator {
		role = registry.RoleInitiator
	}
	res, err := c.srv.registry.Register(c.path, role, c, c.srv.evictInitiator)
	if err != nil {
		c.machine.Fail()
		c.mu.Unlock()
		return err
	}
	if res.Evicted != nil {
		// The old initiator is gone before server-auth and new-initiator go out.
		c.supersede(res.Evicted)
	}

	var responders []byte
	initiatorConnected := false
	for _, p := range res.Peers {
		if p.Role == registry.RoleInitiator {
			initiatorConnected = true
		} else {
			responders = append(responders, p.Slot)
		}
	}
	frame, err := c.machine.Complete(res.Slot, responders, initiatorConnected)
	if err == nil {
		err = c.queue.Enqueue(frame)
	}
	if err != nil {
		c.machine.Fail()
		c.mu.Unlock()
		c.srv.registry.Unregister(c.path, res.Slot, c)
		return err
	}
	c.slot, c.registered = res.Slot, true
	c.sender = relay.NewSender(c.path, res.Slot)
	if t.Register.PingInterval > 0 {
		c.pingInterval.Store(int64(time.Duration(t.Register.PingInterval) * time.Second))
	}
	c.authenticated.Store(true)
	c.mu.Unlock()

	c.srv.metrics.Inc(metrics.HandshakesCompleted)
	c.log.Info("client authenticated",
		"role", role.String(),
		"slot", res.Slot,
		"server_key", c.machine.PermanentKey().Role.String(),
		"peers", len(res.Peers),
	)
	if c.closing.Load() {
		return nil
	}

	// Peers still finishing their own handshake hold their lock until
	// server-auth is queued, so the notification always follows it.
	for _, p := range res.Peers {
		peer, ok := p.Handle.(*client)
		if !ok {
			continue
		}
		switch {
		case role == registry.RoleInitiator && p.Role == registry.RoleResponder:
			peer.notify(protocol.NewInitiator{})
		case role == registry.RoleResponder && p.Role == registry.RoleInitiator:
			peer.notify(protocol.NewResponder{ID: res.Slot})
		}
	}
	return nil
}

// supersede closes an initiator replaced by c. Its slot already belongs to c
// so no disconnected notification is sent. On return old routes no more
// frames.
func (c *client) supersede(h registry.Handle) {
	old, ok := h.(*client)
	if !ok {
		return
	}
	old.stopRouting()
	c.srv.metrics.Inc(metrics.InitiatorsSuperseded)
	old.log.Info("initiator superseded", "by", c.id)
	old.teardown(protocol.CloseDropByInitiator, "superseded", false)
}

// stopRouting marks c as closing once no frame of c is being routed.
func (c *client) stopRouting() {
	c.routeMu.Lock()
	c.closing.Store(true)
	c.routeMu.Unlock()
}

func (c *client) handleServerFrame(f protocol.Frame) error {
	c.mu.Lock()
	msg, err := c.machine.Open(f)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.srv.metrics.Inc(metrics.ServerMessages)

	drop, ok := msg.(protocol.DropResponder)
	if !ok || c.slot != protocol.InitiatorID {
		return fmt.Errorf("%w: %s from slot 0x%02x", protocol.ErrUnexpectedMessage, msg.MessageType(), c.slot)
	}
	return c.dropResponder(drop)
}

func (c *client) dropResponder(m protocol.DropResponder) error {
	h, err := c.srv.registry.LookupPeer(c.path, m.ID)
	if err != nil {
		c.log.Debug("drop-responder for absent responder", "responder", m.ID)
		return nil
	}
	target, ok := h.(*client)
	if !ok {
		return nil
	}
	code := m.Reason
	if code == 0 {
		code = protocol.CloseDropByInitiator
	}
	c.srv.metrics.Inc(metrics.RespondersDropped)
	c.log.Info("dropping responder", "responder", m.ID, "close_code", code)
	target.teardown(code, "dropped by initiator", false)
	return nil
}

// send seals a server message for this client and queues it behind
// everything sealed before it.
func (c *client) send(msg protocol.Message) error {
	c.mu.Lock()
	frame, err := c.machine.Seal(msg)
	if err == nil {
		err = c.queue.Enqueue(frame)
	}
	c.mu.Unlock()

	switch {
	case errors.Is(err, relay.ErrQueueFull):
		c.overflow()
		return nil
	case errors.Is(err, relay.ErrQueueClosed):
		return nil
	}
	return err
}

// notify sends a peer event. Failures only affect this client.
func (c *client) notify(msg protocol.Message) {
	if c.closing.Load() {
		return
	}
	if err := c.send(msg); err != nil {
		c.log.Debug("notification not sent", "type", msg.MessageType(), "err", err)
	}
}

func (c *client) overflow() {
	if c.closing.Load() {
		return
	}
	c.srv.metrics.Inc(metrics.Drop(metrics.DropReasonQueueOverflow))
	frames, bytes := c.queue.Len()
	c.log.Warn("send queue overflow", "queued_frames", frames, "queued_bytes", bytes)
	c.teardown(protocol.CloseInternalError, "send queue overflow", true)
}

// teardown closes the connection once. It vacates the slot and, when notify
// is set, tells the counterparts that this client left.
func (c *client) teardown(code int, reason string, notify bool) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.closed)

		c.mu.Lock()
		slot, registered := c.slot, c.registered
		c.mu.Unlock()

		if registered {
			peers, removed := c.srv.registry.Unregister(c.path, slot, c)
			if removed && notify {
				for _, p := range peers {
					peer, ok := p.Handle.(*client)
					if !ok {
						continue
					}
					if slot == protocol.InitiatorID || p.Slot == protocol.InitiatorID {
						peer.notify(protocol.Disconnected{ID: slot})
					}
				}
			}
		}

		c.queue.Close(code, reason)
		c.log.Info("client disconnected",
			"close_code", code,
			"close_reason", protocol.CloseCodeName(code),
			"slot", slot,
			"dropped_frames", c.queue.DropCount(),
		)
	})
}
