package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Config controls Coordinator construction. The literal default host
// 0.0.0.0 is a configuration default surfaced to the driver, not core
// policy — this subsystem does not prescribe one.
type Config struct {
	ListenAddr       string // e.g. "0.0.0.0:7777"
	WorkerTimeout    time.Duration
	AcceptTimeout    time.Duration // accept loop poll interval, so shutdown is observed promptly
	EnableReapi      bool
	ReapiPort        int
	AuthTokenHash    string // bcrypt hash workers must present on Register; empty disables auth
	EnableWorkStealing bool
	Logger           *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    "0.0.0.0:7777",
		WorkerTimeout: 30 * time.Second,
		AcceptTimeout: 1 * time.Second,
	}
}

// Coordinator accepts persistent TCP connections from workers and clients,
// holds the schedule, matches ready actions to workers by capability, and
// maintains worker health. Workers dial in and register their capabilities;
// the coordinator listens as a server over raw TCP rather than dialing out.
type Coordinator struct {
	cfg      Config
	log      *logrus.Entry
	registry *Registry

	mu       sync.Mutex
	parked   []*ActionRequest // ready actions with no matching idle worker yet
	pending  map[string]chan *Message // ActionId -> channel delivering its Result
	active   map[string]*ActionRequest // ActionId -> request, for reassignment on worker loss

	seq       atomic.Uint64
	reassigns atomic.Uint64

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Coordinator. Call Serve to start accepting connections.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(),
		pending:  make(map[string]chan *Message),
		active:   make(map[string]*ActionRequest),
		stopCh:   make(chan struct{}),
	}
}

// Serve binds cfg.ListenAddr and runs the accept loop until ctx is
// cancelled or Stop is called. The accept loop uses a short deadline so the
// stop signal is observed promptly.
func (c *Coordinator) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("coordinator: listening on %s: %w", c.cfg.ListenAddr, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	c.log.WithField("addr", c.cfg.ListenAddr).Info("coordinator listening")

	c.wg.Add(1)
	go c.healthSweepLoop()

	for {
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(c.cfg.AcceptTimeout))
		}
		conn, err := ln.Accept()
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-c.stopCh:
			return c.shutdown()
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.log.WithError(err).Warn("accept error")
			continue
		}
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Coordinator) shutdown() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	err := c.listener.Close()
	c.wg.Wait()
	return err
}

// Addr returns the coordinator's bound listen address, or nil before Serve
// has bound a listener. Callers racing Serve's startup should poll.
func (c *Coordinator) Addr() net.Addr {
	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.listener != nil {
		c.listener.Close()
	}
}

// tcpConn adapts a net.Conn into the connHandle the registry dispatches
// assignments through.
type tcpConn struct {
	c   net.Conn
	mu  sync.Mutex
}

func (t *tcpConn) Send(m *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteMessage(t.c, m)
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	tc := &tcpConn{c: conn}
	var workerID string

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if workerID != "" {
				c.onWorkerLost(workerID)
			}
			return
		}

		switch msg.Kind {
		case KindRegister:
			if !c.authorize(msg.AuthToken) {
				c.log.Warn("rejecting registration with invalid auth token")
				return
			}
			workerID = msg.ID
			c.registry.Register(workerID, msg.Capabilities, tc)
			c.log.WithField("worker", workerID).Info("worker registered")
			c.tryDispatchParked()

		case KindHeartbeat:
			_ = c.registry.Heartbeat(workerID, msg.LoadStats)

		case KindAck:
			// Ack just confirms receipt; nothing to do beyond logging.
			c.log.WithField("action", msg.ActionID).Debug("assignment acknowledged")

		case KindResult:
			c.registry.Complete(workerID)
			c.deliverResult(msg)
			c.tryDispatchParked()

		case KindSteal:
			if c.cfg.EnableWorkStealing {
				c.handleSteal(msg)
			}
		}
	}
}

func (c *Coordinator) authorize(token string) bool {
	if c.cfg.AuthTokenHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.cfg.AuthTokenHash), []byte(token)) == nil
}

// Submit accepts an action request from a client, attempting immediate
// dispatch; if no idle worker matches, it is parked and retried when a
// worker becomes available or registers. The returned channel receives
// exactly one Result message.
func (c *Coordinator) Submit(req *ActionRequest) <-chan *Message {
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[req.ActionID] = ch
	c.mu.Unlock()

	if !c.dispatch(req) {
		c.mu.Lock()
		c.parked = append(c.parked, req)
		c.mu.Unlock()
	}
	return ch
}

func (c *Coordinator) dispatch(req *ActionRequest) bool {
	workerID := c.registry.SelectWorker(req.RequiredCapabilities)
	if workerID == "" {
		return false
	}
	conn, ok := c.registry.conn(workerID)
	if !ok {
		return false
	}
	if err := c.registry.Assign(workerID, req.ActionID); err != nil {
		return false
	}

	m := NewMessage(KindAssign, c.seq.Add(1))
	m.ActionRequest = req
	if err := conn.Send(m); err != nil {
		c.registry.MarkFailed(workerID)
		return false
	}
	c.mu.Lock()
	c.active[req.ActionID] = req
	c.mu.Unlock()
	return true
}

func (c *Coordinator) tryDispatchParked() {
	c.mu.Lock()
	toTry := append([]*ActionRequest(nil), c.parked...)
	c.mu.Unlock()

	var stillParked []*ActionRequest
	for _, req := range toTry {
		if !c.dispatch(req) {
			stillParked = append(stillParked, req)
		}
	}
	c.mu.Lock()
	c.parked = stillParked
	c.mu.Unlock()
}

func (c *Coordinator) deliverResult(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ActionID]
	if ok {
		delete(c.pending, msg.ActionID)
	}
	delete(c.active, msg.ActionID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// reassign reinserts the request for actionID at the head of the parked
// queue, looking up its original command/env/capabilities so a reassigned
// worker gets the same request that was originally dispatched.
func (c *Coordinator) reassign(workerID, actionID string) {
	c.mu.Lock()
	req, ok := c.active[actionID]
	c.mu.Unlock()
	if !ok {
		req = &ActionRequest{ActionID: actionID}
	}

	c.reassigns.Add(1)
	c.log.WithField("worker", workerID).WithField("action", actionID).Warn("reassigning action after worker loss")

	c.mu.Lock()
	c.parked = append([]*ActionRequest{req}, c.parked...) // reinsert at head
	c.mu.Unlock()
}

// onWorkerLost is invoked when a connection drops without a clean
// Result/Deregister. The coordinator does not assume completion; it
// reassigns any held action.
func (c *Coordinator) onWorkerLost(workerID string) {
	actionID := c.registry.MarkFailed(workerID)
	if actionID == "" {
		return
	}
	c.reassign(workerID, actionID)
	c.tryDispatchParked()
}

func (c *Coordinator) healthSweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.WorkerTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			expired := c.registry.SweepExpired(c.cfg.WorkerTimeout)
			for workerID, actionID := range expired {
				c.reassign(workerID, actionID)
			}
			if len(expired) > 0 {
				c.tryDispatchParked()
			}
		}
	}
}

// handleSteal forwards a cross-worker steal request to the donor worker as
// a Steal message carrying the action id. The coordinator does not wait for
// or track a donor acknowledgment and does not move the action to another
// worker itself.
func (c *Coordinator) handleSteal(msg *Message) {
	donorConn, ok := c.registry.conn(msg.VictimID)
	if !ok {
		return
	}
	ack := NewMessage(KindSteal, c.seq.Add(1))
	ack.ActionID = msg.ActionID
	_ = donorConn.Send(ack)
}

// Stats reports coordinator-level counters for the driver's status surface.
type Stats struct {
	Workers    int
	Reassigns  uint64
	Parked     int
}

func (c *Coordinator) StatsSnapshot() Stats {
	c.mu.Lock()
	parked := len(c.parked)
	c.mu.Unlock()
	return Stats{Workers: len(c.registry.List()), Reassigns: c.reassigns.Load(), Parked: parked}
}

// HashAuthToken bcrypt-hashes a shared secret for use as Config.AuthTokenHash.
func HashAuthToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("coordinator: hashing auth token: %w", err)
	}
	return string(h), nil
}
