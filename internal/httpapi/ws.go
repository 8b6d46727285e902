package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicewidget/internal/protocol"
	"github.com/antoniostano/voicewidget/internal/relay"
)

var errOutboundFull = errors.New("outbound queue full")

// wsTransport serializes all data writes through one goroutine. Pings use
// WriteControl, which gorilla allows concurrently with other writes.
type wsTransport struct {
	conn         *websocket.Conn
	out          chan protocol.ServerMessage
	writeTimeout time.Duration
	log          zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration, log zerolog.Logger) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		out:          make(chan protocol.ServerMessage, 256),
		writeTimeout: writeTimeout,
		log:          log,
		done:         make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *wsTransport) Send(msg protocol.ServerMessage) error {
	select {
	case <-t.done:
		return relay.ErrConnClosed
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return relay.ErrConnClosed
	default:
		return errOutboundFull
	}
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.out:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteJSON(msg); err != nil {
				t.log.Debug().Err(err).Msg("websocket write failed")
				_ = t.Close()
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade rejected")
		return
	}

	transport := newWSTransport(conn, s.cfg.WriteTimeout, s.log)
	c := s.relay.Attach(transport)
	log := s.log.With().Str("conn_id", c.ID()).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = s.relay.RunConnection(ctx, c, inbound)
	}()

	conn.SetReadLimit(s.cfg.ReadLimit)
	conn.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			break
		}

		var frame any
		switch msgType {
		case websocket.TextMessage:
			frame = relay.TextFrame(data)
		case websocket.BinaryMessage:
			frame = relay.BinaryFrame(data)
		default:
			continue
		}
		select {
		case inbound <- frame:
		case <-runDone:
			break readLoop
		}
	}

	close(inbound)
	<-runDone
	_ = transport.Close()
}
