package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
)

const (
	pusherProtocol       = "7"
	presencePrefix       = "presence-"
	handshakeTimeout     = 10 * time.Second
	subscribeTimeout     = 10 * time.Second
	maxReconnectDelay    = 30 * time.Second
	writeTimeout         = 5 * time.Second
	defaultActivityLimit = 120 * time.Second
)

// Pusher protocol events
const (
	pusherConnectionEstablished = "pusher:connection_established"
	pusherError                 = "pusher:error"
	pusherPing                  = "pusher:ping"
	pusherPong                  = "pusher:pong"
	pusherSubscribe             = "pusher:subscribe"
	pusherUnsubscribe           = "pusher:unsubscribe"
	pusherSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	pusherSubscriptionError     = "pusher:subscription_error"
)

// PusherConfig Pusher/Reverb connection settings
type PusherConfig struct {
	URL            string        // ws(s)://host[:port]
	AppKey         string        // application key
	AuthURL        string        // absolute channel authorization endpoint
	ReconnectDelay time.Duration // initial reconnect backoff
}

// TokenSource provides the bearer token used to authorize channels
type TokenSource interface {
	Token() string
}

type pusherFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type channelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// PusherSource joins presence channels of a Pusher-protocol server
// (Laravel Reverb, Soketi, Pusher) the way Laravel Echo does.
// One WebSocket connection is shared by all topics; it is opened by the
// first Subscribe, re-established with backoff when lost, and closed when
// the last topic is left.
type PusherSource struct {
	cfg        PusherConfig
	tokens     TokenSource
	httpClient *http.Client
	dialer     *websocket.Dialer
	dispatcher

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	subs     map[string]interfaces.EventHandler // topic -> handler
	pending  map[string]chan error              // channel -> subscription ack
	activity time.Duration                      // read deadline extension per frame
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

// NewPusherSource creates a Pusher protocol event source
func NewPusherSource(cfg PusherConfig, tokens TokenSource, m *metrics.Metrics) *PusherSource {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &PusherSource{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: handshakeTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		dispatcher: dispatcher{metrics: m, now: time.Now},
		subs:       make(map[string]interfaces.EventHandler),
		pending:    make(map[string]chan error),
	}
}

// Subscribe joins the presence channel of topic and waits for the server acknowledgement
func (s *PusherSource) Subscribe(ctx context.Context, topic string, handler interfaces.EventHandler) error {
	channel := presencePrefix + topic

	s.mu.Lock()
	if _, ok := s.subs[topic]; ok {
		s.mu.Unlock()
		return &fleet.SubscriptionError{Topic: topic, Err: errors.New("already subscribed")}
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			s.mu.Unlock()
			return &fleet.SubscriptionError{Topic: topic, Err: err}
		}
	}
	conn, socketID := s.conn, s.socketID
	ack := make(chan error, 1)
	s.pending[channel] = ack
	s.subs[topic] = handler
	s.mu.Unlock()

	err := s.joinChannel(ctx, conn, socketID, channel)
	if err == nil {
		waitCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		select {
		case err = <-ack:
		case <-waitCtx.Done():
			err = fmt.Errorf("waiting for subscription acknowledgement: %w", waitCtx.Err())
		}
		cancel()
	}

	s.mu.Lock()
	delete(s.pending, channel)
	s.mu.Unlock()

	if err != nil {
		s.leave(topic, false)
		return &fleet.SubscriptionError{Topic: topic, Err: err}
	}

	logger.InfoCtx(ctx, "Joined presence channel %s", channel)
	return nil
}

// Unsubscribe leaves the presence channel of topic
func (s *PusherSource) Unsubscribe(topic string) error {
	return s.leave(topic, true)
}

// Close leaves all channels and closes the connection
func (s *PusherSource) Close() error {
	s.mu.Lock()
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		s.leave(topic, true)
	}
	s.disconnect()
	return nil
}

func (s *PusherSource) leave(topic string, notify bool) error {
	s.mu.Lock()
	if _, ok := s.subs[topic]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, topic)
	conn := s.conn
	last := len(s.subs) == 0
	s.mu.Unlock()

	var err error
	if notify && conn != nil {
		err = s.send(conn, pusherUnsubscribe, map[string]string{"channel": presencePrefix + topic})
		logger.Infof("Left presence channel %s%s", presencePrefix, topic)
	}
	if last {
		s.disconnect()
	}
	return err
}

// connectLocked dials the server and starts the connection loop. Caller holds s.mu.
func (s *PusherSource) connectLocked(ctx context.Context) error {
	conn, socketID, activity, err := s.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.socketID = socketID
	s.activity = activity
	s.cancel = cancel
	s.done = make(chan struct{})
	s.metrics.SetStreamConnected(true)

	go s.run(runCtx, conn, s.done)
	return nil
}

func (s *PusherSource) disconnect() {
	s.mu.Lock()
	conn, cancel, done := s.conn, s.cancel, s.done
	if cancel != nil {
		// cancel under the lock so a concurrent reconnect cannot install a new conn
		cancel()
	}
	s.conn, s.cancel, s.done, s.socketID = nil, nil, nil, ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
		s.writeMu.Unlock()
		conn.Close()
	}
	<-done
	s.metrics.SetStreamConnected(false)
}

// dial opens the WebSocket and reads the connection_established frame
func (s *PusherSource) dial(ctx context.Context) (*websocket.Conn, string, time.Duration, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, "", 0, err
	}

	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, "", 0, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, "", 0, fmt.Errorf("websocket dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var frame pusherFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, "", 0, fmt.Errorf("failed to read connection_established: %w", err)
	}
	if frame.Event != pusherConnectionEstablished {
		conn.Close()
		return nil, "", 0, fmt.Errorf("unexpected first event %q", frame.Event)
	}

	var established struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := json.Unmarshal(unwrapData(frame.Data), &established); err != nil || established.SocketID == "" {
		conn.Close()
		return nil, "", 0, fmt.Errorf("invalid connection_established payload")
	}

	activity := defaultActivityLimit
	if established.ActivityTimeout > 0 {
		activity = 2 * time.Duration(established.ActivityTimeout) * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(activity))

	logger.InfoCtx(ctx, "Connected to %s (socket %s)", s.cfg.URL, established.SocketID)
	return conn, established.SocketID, activity, nil
}

func (s *PusherSource) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/app/" + url.PathEscape(s.cfg.AppKey)
	q := u.Query()
	q.Set("protocol", pusherProtocol)
	q.Set("client", "fleetwatch")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run reads frames until the connection is lost, then reconnects and rejoins
func (s *PusherSource) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		err := s.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		logger.WarnCtx(ctx, "Connection to %s lost: %v", s.cfg.URL, err)
		s.metrics.SetStreamConnected(false)
		s.failPending(err)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
		s.metrics.SetStreamConnected(true)
		s.rejoin(ctx, conn)
	}
}

func (s *PusherSource) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.mu.Lock()
		activity := s.activity
		s.mu.Unlock()
		conn.SetReadDeadline(time.Now().Add(activity))

		s.handleFrame(conn, data)
	}
}

func (s *PusherSource) handleFrame(conn *websocket.Conn, data []byte) {
	var frame pusherFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warnf("Ignoring undecodable frame: %v", err)
		return
	}

	switch frame.Event {
	case pusherPing:
		s.send(conn, pusherPong, map[string]string{})
	case pusherPong:
	case pusherSubscriptionSucceeded:
		s.ack(frame.Channel, nil)
	case pusherSubscriptionError:
		s.ack(frame.Channel, fmt.Errorf("subscription rejected: %s", string(unwrapData(frame.Data))))
	case pusherError:
		var payload struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		json.Unmarshal(unwrapData(frame.Data), &payload)
		logger.Warnf("Pusher error %d: %s", payload.Code, payload.Message)
	default:
		if !strings.HasPrefix(frame.Channel, presencePrefix) {
			return
		}
		topic := strings.TrimPrefix(frame.Channel, presencePrefix)
		s.mu.Lock()
		handler, ok := s.subs[topic]
		s.mu.Unlock()
		if ok {
			s.dispatch(topic, frame.Event, frame.Data, handler)
		}
	}
}

func (s *PusherSource) ack(channel string, err error) {
	s.mu.Lock()
	ch, ok := s.pending[channel]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (s *PusherSource) failPending(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.pending {
		select {
		case ch <- fmt.Errorf("connection lost: %w", cause):
		default:
		}
	}
}

// reconnect dials with exponential backoff until it succeeds or ctx ends
func (s *PusherSource) reconnect(ctx context.Context) *websocket.Conn {
	delay := s.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		s.metrics.RecordReconnect()
		conn, socketID, activity, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				conn.Close()
				return nil
			}
			s.conn = conn
			s.socketID = socketID
			s.activity = activity
			s.mu.Unlock()
			return conn
		}

		logger.WarnCtx(ctx, "Reconnect to %s failed, retrying in %v: %v", s.cfg.URL, delay, err)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// rejoin re-subscribes every registered topic on a fresh connection
func (s *PusherSource) rejoin(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	socketID := s.socketID
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		if err := s.joinChannel(ctx, conn, socketID, presencePrefix+topic); err != nil {
			logger.ErrorCtx(ctx, "Failed to rejoin %s: %v", topic, err)
		}
	}
}

// joinChannel authorizes channel for socketID and sends pusher:subscribe
func (s *PusherSource) joinChannel(ctx context.Context, conn *websocket.Conn, socketID, channel string) error {
	auth, err := s.authorize(ctx, socketID, channel)
	if err != nil {
		return err
	}
	return s.send(conn, pusherSubscribe, map[string]string{
		"channel":      channel,
		"auth":         auth.Auth,
		"channel_data": auth.ChannelData,
	})
}

// authorize asks the application backend to sign the channel subscription
func (s *PusherSource) authorize(ctx context.Context, socketID, channel string) (*channelAuth, error) {
	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.tokens != nil {
		if token := s.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("channel authorization failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("channel authorization rejected with status %d", resp.StatusCode)
	}

	var auth channelAuth
	if err := json.Unmarshal(body, &auth); err != nil || auth.Auth == "" {
		return nil, fmt.Errorf("invalid channel authorization response")
	}
	return &auth, nil
}

func (s *PusherSource) send(conn *websocket.Conn, event string, data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(map[string]interface{}{
		"event": event,
		"data":  data,
	})
}
