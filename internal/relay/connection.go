package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/observability"
	"github.com/antoniostano/voicewidget/internal/protocol"
	"github.com/antoniostano/voicewidget/internal/provisioner"
	"github.com/antoniostano/voicewidget/internal/session"
)

type provisionResult struct {
	sessionID  string
	call       provisioner.Call
	err        error
	receivedAt time.Time
}

// connLoop owns the state of one connection. All of its fields are touched
// only from the RunConnection goroutine.
type connLoop struct {
	r         *Relay
	c         *Conn
	log       zerolog.Logger
	state     State
	sessionID string
	results   chan provisionResult
}

// RunConnection drives c until inbound is closed or ctx is done. inbound
// carries TextFrame and BinaryFrame values. The bound session, if any, is
// ended before RunConnection returns.
func (r *Relay) RunConnection(ctx context.Context, c *Conn, inbound <-chan any) error {
	l := &connLoop{
		r:       r,
		c:       c,
		log:     r.log.With().Str("conn_id", c.id).Logger(),
		results: make(chan provisionResult, 1),
	}
	defer l.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			l.handleFrame(ctx, frame)
		case res := <-l.results:
			l.finishProvision(ctx, res)
		}
	}
}

func (l *connLoop) setState(s State) {
	if l.state != s {
		l.log.Debug().Str("from", l.state.String()).Str("to", s.String()).Str("session_id", l.sessionID).Msg("state transition")
	}
	l.state = s
	l.c.setState(s)
}

func (l *connLoop) handleFrame(ctx context.Context, frame any) {
	l.c.MarkAlive()
	l.syncBinding()

	switch f := frame.(type) {
	case TextFrame:
		msg, err := protocol.ParseClientMessage(f)
		if err != nil {
			l.log.Debug().Err(err).Msg("rejecting client frame")
			l.r.metrics.WSMessages.WithLabelValues("in", "invalid").Inc()
			l.r.metrics.ObserveIndicator(observability.IndicatorInvalidFrame)
			l.r.sendError(l.c, "", protocol.InvalidFormatMessage)
			return
		}
		l.r.metrics.WSMessages.WithLabelValues("in", string(msg.MessageType())).Inc()
		switch m := msg.(type) {
		case protocol.StartSession:
			l.handleStart(ctx, m)
		case protocol.AudioChunk:
			l.handleAudio(m.SessionID, m.Audio)
		case protocol.EndSession:
			l.handleEnd(ctx, m)
		}
	case BinaryFrame:
		l.r.metrics.WSMessages.WithLabelValues("in", "binary").Inc()
		l.handleAudio("", f)
	default:
		l.log.Warn().Msgf("unexpected inbound frame %T", frame)
	}
}

// syncBinding notices a session that was ended from elsewhere while this
// connection still considered it active.
func (l *connLoop) syncBinding() {
	if l.state != StateActive {
		return
	}
	if owner, ok := l.r.registry.Lookup(l.sessionID); ok && owner == l.c {
		return
	}
	l.sessionID = ""
	l.setState(StateClosed)
}

func (l *connLoop) handleStart(ctx context.Context, m protocol.StartSession) {
	switch l.state {
	case StateProvisioning, StateActive, StateClosing:
		l.r.metrics.ObserveIndicator(observability.IndicatorStartRejected)
		l.r.sendError(l.c, l.sessionID, msgAlreadyInProgress)
		return
	}

	sess, err := l.r.sessions.Create(ctx, session.CreateParams{
		AgentID:  m.AgentID,
		Status:   session.StatusConnecting,
		Metadata: m.Metadata,
	})
	if err != nil {
		l.log.Error().Err(err).Str("agent_id", m.AgentID).Msg("create session record")
		l.r.sendError(l.c, "", msgCreateFailed)
		return
	}
	l.r.metrics.SessionEvents.WithLabelValues("created").Inc()
	l.sessionID = sess.ID
	l.setState(StateProvisioning)

	receivedAt := time.Now()
	pctx := context.WithoutCancel(ctx)
	results := l.results
	go func() {
		call, err := l.r.Provision(pctx, sess.AgentID, sess.Metadata)
		results <- provisionResult{sessionID: sess.ID, call: call, err: err, receivedAt: receivedAt}
	}()
}

func (l *connLoop) finishProvision(ctx context.Context, res provisionResult) {
	log := l.log.With().Str("session_id", res.sessionID).Logger()
	closing := l.state == StateClosing

	if res.err != nil {
		l.r.markError(ctx, res.sessionID)
		l.sessionID = ""
		l.setState(StateNew)
		l.r.sendError(l.c, res.sessionID, msgProvisionFailed)
		return
	}

	var bindTo *Conn
	if !closing {
		bindTo = l.c
	}
	live, err := l.r.activate(ctx, res.sessionID, res.call.CallID, bindTo)
	if err != nil {
		log.Error().Err(err).Msg("record connected session")
		l.sessionID = ""
		l.setState(StateNew)
		l.r.sendError(l.c, res.sessionID, msgProvisionFailed)
		return
	}
	if !live {
		log.Info().Str("call_id", res.call.CallID).Msg("session ended before its call was created")
		l.sessionID = ""
		l.setState(StateClosed)
		l.sendEnded(res.sessionID)
		return
	}

	if closing {
		l.endOwnSession(ctx)
		return
	}

	l.setState(StateActive)
	l.r.send(l.c, protocol.NewStateChange(protocol.StateChangeData{
		Status:      string(session.StatusConnected),
		SessionID:   res.sessionID,
		CallID:      res.call.CallID,
		AccessToken: res.call.AccessToken,
	}, l.r.now()))
	l.r.metrics.ObserveStage(observability.StageStartToConnected, time.Since(res.receivedAt))
	log.Info().Str("call_id", res.call.CallID).Msg("session connected")
}

func (l *connLoop) handleAudio(sessionID string, chunk []byte) {
	if sessionID == "" {
		sessionID = l.sessionID
	}
	if l.state != StateActive || sessionID == "" || sessionID != l.sessionID {
		l.log.Debug().Str("session_id", sessionID).Str("state", l.state.String()).Msg("dropping audio for unbound session")
		return
	}
	if owner, ok := l.r.registry.Lookup(sessionID); !ok || owner != l.c {
		l.log.Debug().Str("session_id", sessionID).Msg("dropping audio for session owned elsewhere")
		return
	}
	if err := l.r.sink.Write(sessionID, chunk); err != nil {
		l.log.Warn().Err(err).Str("session_id", sessionID).Msg("audio sink write")
		return
	}
	l.r.metrics.AudioBytes.Add(float64(len(chunk)))
}

func (l *connLoop) handleEnd(ctx context.Context, m protocol.EndSession) {
	target := m.SessionID
	if target == "" {
		target = l.sessionID
	}
	if target == "" {
		l.r.sendError(l.c, "", msgNoActiveSession)
		return
	}

	if target == l.sessionID {
		switch l.state {
		case StateProvisioning:
			l.setState(StateClosing)
			return
		case StateClosing:
			return
		case StateActive:
			l.endOwnSession(ctx)
			return
		}
	}

	sess, err := l.r.EndSession(ctx, target, "", l.c)
	if errors.Is(err, session.ErrNotFound) {
		l.r.sendError(l.c, target, msgSessionNotFound)
		return
	}
	if err != nil {
		l.log.Error().Err(err).Str("session_id", target).Msg("end session")
		l.r.sendError(l.c, target, "failed to end session")
		return
	}
	l.sendEnded(sess.ID)
}

func (l *connLoop) endOwnSession(ctx context.Context) {
	id := l.sessionID
	if _, err := l.r.EndSession(ctx, id, "", l.c); err != nil {
		l.log.Error().Err(err).Str("session_id", id).Msg("end session")
	}
	l.sessionID = ""
	l.setState(StateClosed)
	l.sendEnded(id)
}

func (l *connLoop) sendEnded(sessionID string) {
	l.r.send(l.c, protocol.NewStateChange(protocol.StateChangeData{
		Status:    string(session.StatusEnded),
		SessionID: sessionID,
	}, l.r.now()))
}

// teardown runs once the connection is gone. Nothing is sent to the client.
func (l *connLoop) teardown(parent context.Context) {
	ctx := context.WithoutCancel(parent)
	l.syncBinding()

	switch l.state {
	case StateActive:
		if _, err := l.r.EndSession(ctx, l.sessionID, "", l.c); err != nil {
			l.log.Error().Err(err).Str("session_id", l.sessionID).Msg("end session on disconnect")
		}
	case StateProvisioning, StateClosing:
		l.r.wg.Add(1)
		go func() {
			defer l.r.wg.Done()
			l.r.finalizeOrphan(ctx, l.results)
		}()
	}

	l.setState(StateClosed)
	l.r.detach(l.c)
	_ = l.c.transport.Close()
	l.log.Debug().Msg("connection closed")
	l.r.wg.Done()
}

// finalizeOrphan waits for a provisioning result whose connection has gone
// away and settles the session record.
func (r *Relay) finalizeOrphan(ctx context.Context, results <-chan provisionResult) {
	res := <-results
	log := r.log.With().Str("session_id", res.sessionID).Logger()
	if res.err != nil {
		r.markError(ctx, res.sessionID)
		return
	}
	live, err := r.activate(ctx, res.sessionID, res.call.CallID, nil)
	if err != nil {
		log.Error().Err(err).Msg("record orphaned call")
	}
	if err == nil && !live {
		log.Info().Str("call_id", res.call.CallID).Msg("orphaned session already ended")
		return
	}
	if _, err := r.EndSession(ctx, res.sessionID, "", nil); err != nil {
		log.Error().Err(err).Msg("end orphaned session")
		return
	}
	log.Info().Str("call_id", res.call.CallID).Msg("ended session whose connection closed during provisioning")
}

func (r *Relay) markError(ctx context.Context, id string) {
	status := session.StatusError
	if _, err := r.sessions.Update(ctx, id, session.Patch{Status: &status}); err != nil {
		r.log.Error().Err(err).Str("session_id", id).Msg("record session error")
	}
	r.metrics.SessionEvents.WithLabelValues("error").Inc()
}
