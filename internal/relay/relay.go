package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/audio"
	"github.com/antoniostano/voicewidget/internal/observability"
	"github.com/antoniostano/voicewidget/internal/protocol"
	"github.com/antoniostano/voicewidget/internal/provisioner"
	"github.com/antoniostano/voicewidget/internal/registry"
	"github.com/antoniostano/voicewidget/internal/reliability"
	"github.com/antoniostano/voicewidget/internal/session"
)

// Client-facing error texts.
const (
	msgAlreadyInProgress = "session already in progress"
	msgSessionNotFound   = "session not found"
	msgNoActiveSession   = "no active session"
	msgCreateFailed      = "failed to create session"
	msgProvisionFailed   = "failed to create call"
)

// Provisioner creates upstream calls.
type Provisioner interface {
	CreateCall(ctx context.Context, agentID string, metadata map[string]any) (provisioner.Call, error)
}

type Options struct {
	Sessions    session.Store
	Provisioner Provisioner
	Sink        audio.Sink
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Retry       reliability.Policy
	Now         func() time.Time
}

// Relay bridges widget connections to the upstream call provider.
type Relay struct {
	sessions    session.Store
	registry    *registry.Registry[*Conn]
	provisioner Provisioner
	sink        audio.Sink
	metrics     *observability.Metrics
	log         zerolog.Logger
	retry       reliability.Policy
	now         func() time.Time

	mu    sync.Mutex
	conns map[*Conn]struct{}

	// lifecycle orders session termination against binding a freshly
	// provisioned call.
	lifecycle sync.Mutex
	// wg counts connection loops and orphaned provisioning still settling
	// session records.
	wg sync.WaitGroup
}

func New(opts Options) *Relay {
	r := &Relay{
		sessions:    opts.Sessions,
		registry:    registry.New[*Conn](),
		provisioner: opts.Provisioner,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "relay").Logger(),
		retry:       opts.Retry,
		now:         opts.Now,
		conns:       make(map[*Conn]struct{}),
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.sink == nil {
		r.sink = audio.NewLogSink(opts.Logger)
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetrics("voicewidget", nil)
	}
	return r
}

// Attach registers a new connection. The caller must then run
// RunConnection for it.
func (r *Relay) Attach(t Transport) *Conn {
	c := newConn(t)
	r.wg.Add(1)
	r.mu.Lock()
	r.conns[c] = struct{}{}
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.OpenConnections.Set(float64(n))
	r.log.Debug().Str("conn_id", c.id).Msg("connection attached")
	return c
}

func (r *Relay) detach(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	n := len(r.conns)
	r.mu.Unlock()
	r.metrics.OpenConnections.Set(float64(n))
}

func (r *Relay) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Relay) OpenConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Lookup returns the connection bound to sessionID.
func (r *Relay) Lookup(sessionID string) (*Conn, bool) {
	return r.registry.Lookup(sessionID)
}

// Provision performs one create-call with the relay's retry policy.
func (r *Relay) Provision(ctx context.Context, agentID string, metadata map[string]any) (provisioner.Call, error) {
	started := time.Now()
	var call provisioner.Call
	err := reliability.Do(ctx, r.retry, provisioner.IsRetryable, func(ctx context.Context) error {
		c, err := r.provisioner.CreateCall(ctx, agentID, metadata)
		if err != nil {
			r.recordProviderError(agentID, err)
			return err
		}
		call = c
		return nil
	})
	r.metrics.ObserveProvisionLatency(time.Since(started))
	return call, err
}

func (r *Relay) recordProviderError(agentID string, err error) {
	code := "unknown"
	var pe *provisioner.ProviderError
	if errors.As(err, &pe) {
		code = pe.Code()
	}
	r.metrics.ProviderErrors.WithLabelValues(code).Inc()
	r.metrics.ObserveIndicator(observability.IndicatorProviderError)
	r.log.Warn().Err(err).Str("agent_id", agentID).Str("code", code).Msg("create call failed")
}

// EndSession ends id in the store, removes its binding and finishes its audio.
// A connection other than origin that still owns the session is told the
// session ended. origin may be nil.
func (r *Relay) EndSession(ctx context.Context, id, duration string, origin *Conn) (session.Session, error) {
	sess, owner, err := r.endAndUnbind(ctx, id, duration)
	if err != nil {
		return session.Session{}, err
	}
	if owner != nil && owner != origin {
		r.send(owner, protocol.NewStateChange(protocol.StateChangeData{
			Status:    string(session.StatusEnded),
			SessionID: id,
		}, r.now()))
	}
	if err := r.sink.Finish(id); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("finish session audio")
	}
	r.metrics.SessionEvents.WithLabelValues("ended").Inc()
	if sess.EndTime != nil {
		r.metrics.ObserveStage(observability.StageSessionLifetime, sess.EndTime.Sub(sess.StartTime))
	}
	return sess, nil
}

// endAndUnbind returns the connection that held the binding, if any. Only the
// call that removes the binding gets it back.
func (r *Relay) endAndUnbind(ctx context.Context, id, duration string) (session.Session, *Conn, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	sess, err := r.sessions.End(ctx, id, r.now(), duration)
	if err != nil {
		return session.Session{}, nil, err
	}
	owner, ok := r.registry.Lookup(id)
	if !ok || !r.registry.UnbindIf(id, owner) {
		return sess, nil, nil
	}
	r.metrics.BoundSessions.Set(float64(r.registry.Count()))
	return sess, owner, nil
}

// activate records callID on the session and binds it to c when c is not nil.
// It reports false when the session was ended before the call was created.
func (r *Relay) activate(ctx context.Context, id, callID string, c *Conn) (bool, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	status := session.StatusConnected
	sess, err := r.sessions.Update(ctx, id, session.Patch{Status: &status, CallID: &callID})
	if err != nil {
		return false, err
	}
	if sess.Status == session.StatusEnded {
		return false, nil
	}
	r.metrics.SessionEvents.WithLabelValues("connected").Inc()
	if c == nil {
		return true, nil
	}
	if prev, ok := r.registry.Bind(id, c); ok && prev != c {
		r.log.Warn().Str("session_id", id).Str("conn_id", c.id).Str("previous_conn_id", prev.id).Msg("session rebound to new connection")
	}
	r.metrics.BoundSessions.Set(float64(r.registry.Count()))
	return true, nil
}

func (r *Relay) send(c *Conn, msg protocol.ServerMessage) {
	if err := c.transport.Send(msg); err != nil {
		r.log.Debug().Err(err).Str("conn_id", c.id).Str("type", string(msg.Type)).Msg("drop outbound message")
		return
	}
	r.metrics.WSMessages.WithLabelValues("out", string(msg.Type)).Inc()
}

func (r *Relay) sendError(c *Conn, sessionID, message string) {
	r.send(c, protocol.NewError(sessionID, message, r.now()))
}

// StartHeartbeat pings every open connection each interval. A connection
// that has not answered the previous ping is closed, which tears it down
// through its read loop.
func (r *Relay) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkLiveness()
			}
		}
	}()
}

// CloseAll closes every open connection. Each one is then torn down by its
// own RunConnection.
func (r *Relay) CloseAll() {
	for _, c := range r.snapshot() {
		_ = c.transport.Close()
	}
}

// Shutdown closes every connection and waits until their teardown, and any
// provisioning they left behind, has settled the session records.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.CloseAll()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) checkLiveness() {
	for _, c := range r.snapshot() {
		if !c.alive.Swap(false) {
			r.log.Info().Str("conn_id", c.id).Msg("terminating unresponsive connection")
			r.metrics.ObserveIndicator(observability.IndicatorHeartbeatKill)
			_ = c.transport.Close()
			continue
		}
		if err := c.transport.Ping(); err != nil {
			r.log.Debug().Err(err).Str("conn_id", c.id).Msg("ping failed")
			_ = c.transport.Close()
		}
	}
}
