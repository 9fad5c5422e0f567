// Package bridge drives an external simulator through a websocket bridge
// process speaking JSON frames.
package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"zombie-dqn/env"
)

const (
	// DefaultRequestTimeout bounds one request/response exchange.
	DefaultRequestTimeout = 5 * time.Second
	closeWait             = time.Second
)

var (
	ErrRemote = errors.New("bridge reported an error")
	ErrClosed = errors.New("bridge session closed")
)

// Bridge is an env.Environment backed by a remote simulator.
type Bridge struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// New creates a bridge for the websocket endpoint at url. A non-positive
// timeout selects DefaultRequestTimeout.
func New(url string, timeout time.Duration, logger zerolog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Bridge{
		url:     url,
		timeout: timeout,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With().Str("component", "bridge").Logger(),
	}
}

// Start dials the bridge and asks it to launch a mission. Each mission uses
// its own connection.
func (b *Bridge) Start(ctx context.Context) (env.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ws, _, err := b.dialer.DialContext(dialCtx, b.url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", b.url)
	}
	s := &Session{ws: ws, timeout: b.timeout, logger: b.logger}
	if _, err := s.request(Request{Op: OpStart}); err != nil {
		s.Close()
		return nil, err
	}
	b.logger.Debug().Str("url", b.url).Msg("mission requested")
	return s, nil
}

// Session is one remote mission. Every poll refreshes the simulator state
// and the Poll methods consume what has accumulated.
type Session struct {
	ws      *websocket.Conn
	timeout time.Duration
	logger  zerolog.Logger
	closed  bool

	running bool
	obs     []byte
	hasObs  bool
	errs    []string
	rewards []float64
}

func (s *Session) request(req Request) (Response, error) {
	if s.closed {
		return Response{}, ErrClosed
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return Response{}, errors.Wrap(err, "set write deadline")
	}
	if err := s.ws.WriteJSON(req); err != nil {
		return Response{}, errors.Wrapf(err, "send %s", req.Op)
	}
	if err := s.ws.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return Response{}, errors.Wrap(err, "set read deadline")
	}
	var resp Response
	if err := s.ws.ReadJSON(&resp); err != nil {
		return Response{}, errors.Wrapf(err, "receive %s", req.Op)
	}
	if resp.Error != "" {
		return resp, errors.Wrap(ErrRemote, resp.Error)
	}
	return resp, nil
}

// refresh pulls a state snapshot into the pending queues. A transport
// failure is queued as an error and the session stops reporting running.
func (s *Session) refresh() {
	resp, err := s.request(Request{Op: OpState})
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			s.errs = append(s.errs, err.Error())
			s.logger.Warn().Err(err).Msg("state request failed")
		}
		s.running = false
		return
	}
	s.running = resp.Running
	if n := len(resp.Observations); n > 0 {
		s.obs, s.hasObs = []byte(resp.Observations[n-1]), true
	}
	s.errs = append(s.errs, resp.Errors...)
	s.rewards = append(s.rewards, resp.Rewards...)
}

func (s *Session) IsRunning() bool {
	s.refresh()
	return s.running
}

func (s *Session) PollObservation() ([]byte, bool) {
	s.refresh()
	if !s.hasObs {
		return nil, false
	}
	raw := s.obs
	s.obs, s.hasObs = nil, false
	return raw, true
}

func (s *Session) PollErrors() []string {
	s.refresh()
	errs := s.errs
	s.errs = nil
	return errs
}

func (s *Session) PollRewardEvents() []float64 {
	s.refresh()
	rewards := s.rewards
	s.rewards = nil
	return rewards
}

func (s *Session) SendAction(label string) error {
	_, err := s.request(Request{Op: OpCommand, Command: label})
	return err
}

// Close ends the connection with a normal closure frame.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	return s.ws.Close()
}
