package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kirychukyurii/appgen-sync/internal/config"
	"github.com/kirychukyurii/appgen-sync/internal/model"
	"github.com/kirychukyurii/appgen-sync/internal/store"
	"github.com/kirychukyurii/appgen-sync/internal/util"
)

// Notice is a non-blocking notification surfaced to the consumer when the
// push channel reports a transient condition
type Notice struct {
	JobID   string
	Message string
	Err     error
}

// envelope is the wire frame of the push channel
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Watcher maintains one push connection for a single watched job. It moves
// through Idle -> Connecting -> Open -> Closed; Closed is reachable from
// any state and re-entered into Connecting only through another Watch
// call. There is no autonomous reconnect.
type Watcher struct {
	wsURL      string
	dialer     *websocket.Dialer
	store      *store.Store
	logger     *slog.Logger
	heartbeat  time.Duration
	staleAfter time.Duration
	onNotice   func(Notice)

	mu          sync.Mutex
	state       model.ChannelState
	jobID       string
	conn        *websocket.Conn
	stopCh      chan struct{}
	lastTraffic time.Time
	wg          sync.WaitGroup
}

// NewWatcher creates a push channel watcher. onNotice may be nil.
func NewWatcher(upstream config.UpstreamConfig, syncCfg config.SyncConfig, st *store.Store, logger *slog.Logger, onNotice func(Notice)) (*Watcher, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: upstream.RequestTimeout,
	}
	if upstream.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(upstream.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		dialer.TLSClientConfig = tlsConfig
	}

	return &Watcher{
		wsURL:      upstream.WebSocketURL,
		dialer:     dialer,
		store:      st,
		logger:     logger,
		heartbeat:  syncCfg.HeartbeatInterval,
		staleAfter: syncCfg.StaleAfter(),
		onNotice:   onNotice,
		state:      model.ChannelIdle,
	}, nil
}

// Watch establishes the connection for the given job id. Calling Watch
// while the watcher is already Connecting or Open is a no-op.
func (w *Watcher) Watch(ctx context.Context, id string) error {
	w.mu.Lock()
	if w.state == model.ChannelConnecting || w.state == model.ChannelOpen {
		w.mu.Unlock()
		return nil
	}
	w.state = model.ChannelConnecting
	w.jobID = id
	w.mu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, w.wsURL+"/ws/jobs/"+id, nil)
	if err != nil {
		w.mu.Lock()
		w.state = model.ChannelClosed
		w.mu.Unlock()
		return &model.TransientError{Op: "dial push channel", Err: err}
	}

	stopCh := make(chan struct{})

	w.mu.Lock()
	w.conn = conn
	w.stopCh = stopCh
	w.state = model.ChannelOpen
	w.lastTraffic = time.Now()
	w.mu.Unlock()

	w.logger.Info("push channel open",
		slog.String("job_id", id),
	)

	w.wg.Add(2)
	go w.readLoop(conn, stopCh, id)
	go w.pingLoop(conn, stopCh, id)
	return nil
}

// Unwatch closes the connection deterministically; it must be called on
// teardown so connections and timers do not leak
func (w *Watcher) Unwatch() {
	w.closeConn()
	w.wg.Wait()
}

// Health returns a point-in-time view of the connection
func (w *Watcher) Health() model.ChannelHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	stale := w.state == model.ChannelOpen && !w.lastTraffic.IsZero() &&
		time.Since(w.lastTraffic) > w.staleAfter
	return model.ChannelHealth{
		JobID:       w.jobID,
		State:       w.state,
		LastTraffic: w.lastTraffic,
		Stale:       stale,
	}
}

// State returns the current connection state
func (w *Watcher) State() model.ChannelState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// readLoop consumes frames until the connection drops or goes stale.
// Absence of any traffic for longer than the stale threshold forces the
// channel closed.
func (w *Watcher) readLoop(conn *websocket.Conn, stopCh chan struct{}, id string) {
	defer w.wg.Done()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(w.staleAfter)); err != nil {
			w.closeConn()
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				// deliberate teardown
			default:
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					w.logger.Warn("push channel stale, closing",
						slog.String("job_id", id),
						slog.Duration("threshold", w.staleAfter),
					)
					w.notify(Notice{JobID: id, Message: "push channel stale", Err: model.ErrChannelStale})
				} else {
					w.logger.Warn("push channel read failed",
						slog.String("job_id", id),
						slog.String("error", err.Error()),
					)
					w.notify(Notice{JobID: id, Message: "push channel dropped", Err: err})
				}
			}
			w.closeConn()
			return
		}

		w.mu.Lock()
		w.lastTraffic = time.Now()
		w.mu.Unlock()

		w.handleFrame(data, id)
	}
}

// pingLoop sends a keepalive probe every heartbeat interval
func (w *Watcher) pingLoop(conn *websocket.Conn, stopCh chan struct{}, id string) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(w.heartbeat)); err != nil {
				w.closeConn()
				return
			}
			if err := conn.WriteJSON(envelope{Type: "ping"}); err != nil {
				w.logger.Warn("heartbeat write failed",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				w.closeConn()
				return
			}
		}
	}
}

// handleFrame dispatches one typed frame. Malformed frames are dropped and
// logged; they never crash the channel.
func (w *Watcher) handleFrame(data []byte, id string) {
	var frame envelope
	if err := json.Unmarshal(data, &frame); err != nil {
		w.logger.Warn("malformed push frame dropped",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	switch frame.Type {
	case "status_update":
		var patch model.StatusPatch
		if err := json.Unmarshal(frame.Data, &patch); err != nil {
			w.logger.Warn("malformed status_update dropped",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		// rejections are logged by the store
		_ = w.store.Apply(model.Update{
			Kind:       model.UpdatePartial,
			JobID:      id,
			Patch:      &patch,
			ReceivedAt: time.Now(),
		})

	case "completion":
		// the signal carries no artifact data; it only marks the job for
		// an authoritative refetch via the pull channel
		_ = w.store.Apply(model.Update{
			Kind:       model.UpdateTerminalSignal,
			JobID:      id,
			ReceivedAt: time.Now(),
		})

	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Data, &payload)
		w.logger.Warn("upstream reported error",
			slog.String("job_id", id),
			slog.String("message", payload.Message),
		)
		w.notify(Notice{JobID: id, Message: payload.Message})

	case "pong":
		// traffic alone resets staleness, nothing else to do

	default:
		w.logger.Debug("unknown push frame type",
			slog.String("job_id", id),
			slog.String("type", frame.Type),
		)
	}
}

// closeConn transitions to Closed exactly once per Watch session
func (w *Watcher) closeConn() {
	w.mu.Lock()
	if w.state != model.ChannelOpen && w.state != model.ChannelConnecting {
		w.mu.Unlock()
		return
	}
	w.state = model.ChannelClosed
	conn := w.conn
	stopCh := w.stopCh
	id := w.jobID
	w.conn = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		conn.Close()
	}

	w.logger.Info("push channel closed",
		slog.String("job_id", id),
	)
}

func (w *Watcher) notify(n Notice) {
	if w.onNotice != nil {
		w.onNotice(n)
	}
}
