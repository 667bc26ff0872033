package websocketPkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PersonDetection/internal/entity"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotConfigured = errors.New("detector websocket url is not configured")

// IWebsocket talks to a remote detection service. One frame is sent as a
// binary message and answered by one JSON message.
type IWebsocket interface {
	Detect(ctx context.Context, frame []byte) ([]entity.Region, error)
	IsConnected() bool
	Reconnect() error
	CloseConnections()
}

type detection struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"`
}

type detectionResponse struct {
	Detections []detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// lane is one connection to the detection service. A lane carries a single
// request at a time, so each response pairs with the frame sent before it.
type lane struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

type webSocketClient struct {
	url          string
	log          *logrus.Logger
	lanes        []*lane
	idle         chan *lane
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

type Option func(*webSocketClient)

// WithConnections sets how many connections may carry requests at once.
func WithConnections(n int) Option {
	return func(c *webSocketClient) {
		if n > 0 {
			c.lanes = make([]*lane, n)
		}
	}
}

func NewAIWebSocketClient(url string, log *logrus.Logger, opts ...Option) IWebsocket {
	client := &webSocketClient{
		url:          url,
		log:          log,
		lanes:        make([]*lane, 1),
		pingInterval: 30 * time.Second,
		readTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(client)
	}

	client.idle = make(chan *lane, len(client.lanes))
	for i := range client.lanes {
		client.lanes[i] = &lane{}
		client.idle <- client.lanes[i]
	}

	go client.connectInBackground()

	return client
}

func (c *webSocketClient) connectInBackground() {
	if _, err := c.ensureConnected(c.lanes[0]); err != nil {
		c.log.WithFields(logrus.Fields{
			"url":   c.url,
			"error": err.Error(),
		}).Warn("Initial connection to detection service failed, will retry on demand")
		return
	}
	c.log.WithFields(logrus.Fields{
		"url":         c.url,
		"connections": len(c.lanes),
	}).Info("Connected to detection service")
}

func (c *webSocketClient) IsConnected() bool {
	for _, l := range c.lanes {
		l.mu.Lock()
		connected := l.conn != nil
		l.mu.Unlock()
		if connected {
			return true
		}
	}
	return false
}

// Reconnect redials the first connection. The others are closed and dial
// again on their next request.
func (c *webSocketClient) Reconnect() error {
	c.CloseConnections()

	l := c.lanes[0]
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := c.dialLocked(l)
	return err
}

func (c *webSocketClient) ensureConnected(l *lane) (*websocket.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return l.conn, nil
	}
	return c.dialLocked(l)
}

func (c *webSocketClient) dialLocked(l *lane) (*websocket.Conn, error) {
	if c.url == "" {
		return nil, ErrNotConfigured
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	conn.SetPingHandler(func(appData string) error {
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout)); err != nil {
			c.log.WithField("error", err.Error()).Debug("Error sending pong")
		}
		return nil
	})

	l.conn = conn
	go c.keepAlive(l, conn)

	return conn, nil
}

func (c *webSocketClient) CloseConnections() {
	for _, l := range c.lanes {
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close()
			l.conn = nil
		}
		l.mu.Unlock()
	}
}

func (c *webSocketClient) keepAlive(l *lane, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		if l.conn != conn {
			l.mu.Unlock()
			return
		}

		err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.writeTimeout))
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("Ping to detection service failed, marking connection as dead")
			l.conn = nil
			conn.Close()
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

func (l *lane) drop(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
	conn.Close()
}

// Detect waits for an idle connection, or until ctx is done, and holds it
// from write to read.
func (c *webSocketClient) Detect(ctx context.Context, frame []byte) ([]entity.Region, error) {
	var l *lane
	select {
	case l = <-c.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.idle <- l }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.ensureConnected(l)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("cannot connect to detection service: %w", err)
	}

	l.mu.Lock()
	_ = conn.SetWriteDeadline(deadline(ctx, c.writeTimeout))
	_ = conn.SetReadDeadline(deadline(ctx, c.readTimeout))
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.conn == conn {
			_ = conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	l.mu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, frame)
	l.mu.Unlock()
	if err != nil {
		l.drop(conn)
		return nil, fmt.Errorf("error sending frame: %w", err)
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		l.drop(conn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("error reading detection response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return parseResponse(message)
}

func parseResponse(message []byte) ([]entity.Region, error) {
	var resp detectionResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return nil, fmt.Errorf("error unmarshaling detection response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detection service: %s", resp.Error)
	}

	regions := make([]entity.Region, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if len(d.BBox) != 4 {
			return nil, fmt.Errorf("detection %q has %d bbox values, want 4", d.Label, len(d.BBox))
		}
		x1, y1, x2, y2 := d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]
		regions = append(regions, entity.Region{
			Label:      d.Label,
			Confidence: d.Confidence,
			X:          int(x1),
			Y:          int(y1),
			Width:      int(x2 - x1),
			Height:     int(y2 - y1),
		})
	}
	return regions, nil
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	d := time.Now().Add(fallback)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
