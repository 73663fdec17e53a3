// Package socketio is a minimal client for the socket.io 0.9 protocol over
// websockets. It supports emitting events with acknowledgements, receiving
// pushed events, and heartbeats.
package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/olsync/pkg/errors"
)

// ErrClosed is returned when emitting on a closed client.
var ErrClosed = errors.New("socket.io connection closed")

const writeTimeout = 10 * time.Second

// Config contains the connection settings.
type Config struct {
	// URL is the HTTP(S) base URL of the server.
	URL string

	// Header is sent with the handshake and the websocket upgrade. It
	// usually carries the session cookie.
	Header http.Header

	// Query is appended to the handshake and websocket URLs.
	Query url.Values

	// HTTPClient is used for the handshake. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Event is an event pushed by the server.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Client is a connected socket.io session.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	nextID int
	acks   map[int]chan []json.RawMessage
	queue  []Event
	err    error

	queued    chan struct{}
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial performs the handshake and opens the websocket.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, errors.WithContext(err, "parse url")
	}

	hs, err := doHandshake(ctx, cfg, base)
	if err != nil {
		return nil, err
	}
	if !hs.supports("websocket") {
		return nil, fmt.Errorf("server doesn't support websockets (transports: %s)",
			strings.Join(hs.Transports, ","))
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = base.Path + "/socket.io/1/websocket/" + hs.SessionID
	wsURL.RawQuery = cfg.Query.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%s (status %d)", err, resp.StatusCode)
		}
		return nil, errors.RemoteUnavailable{Op: "open websocket", Err: err}
	}

	c := &Client{
		conn:   conn,
		acks:   map[int]chan []json.RawMessage{},
		queued: make(chan struct{}, 1),
		events: make(chan Event),
		done:   make(chan struct{}),
	}

	var readTimeout time.Duration
	if hs.HeartbeatTimeout > 0 {
		readTimeout = time.Duration(hs.HeartbeatTimeout) * time.Second
	}
	go c.readLoop(readTimeout)
	go c.dispatchLoop()
	return c, nil
}

func doHandshake(ctx context.Context, cfg Config, base *url.URL) (handshake, error) {
	query := url.Values{}
	for k, v := range cfg.Query {
		query[k] = v
	}
	query.Set("t", strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10))

	hsURL := *base
	hsURL.Path = base.Path + "/socket.io/1/"
	hsURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hsURL.String(), nil)
	if err != nil {
		return handshake{}, errors.WithContext(err, "create handshake request")
	}
	for k, v := range cfg.Header {
		req.Header[k] = v
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return handshake{}, errors.RemoteUnavailable{Op: "socket.io handshake", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return handshake{}, errors.RemoteUnavailable{Op: "socket.io handshake", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return handshake{}, errors.RemoteUnavailable{
			Op:  "socket.io handshake",
			Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return parseHandshake(string(body))
}

// Emit sends an event and waits for the server to acknowledge it. It returns
// the arguments of the acknowledgement.
func (c *Client) Emit(ctx context.Context, name string, args ...interface{}) ([]json.RawMessage, error) {
	ack := make(chan []json.RawMessage, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.acks[id] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	msg, err := encodeEvent(id, name, args)
	if err != nil {
		return nil, errors.WithContext(err, "encode event")
	}
	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ack:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

// Events returns the channel of events pushed by the server. Events are
// queued without bound, so a slow consumer never blocks acknowledgements.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection is closed, either by Close or because
// it was lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed. It's nil while it's open, and
// ErrClosed after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects from the server. It's safe to call more than once.
func (c *Client) Close() error {
	c.write(frame{Type: typeDisconnect}.String())
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) write(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.shutdown(errors.RemoteUnavailable{Op: "write", Err: err})
		return c.Err()
	}
	return nil
}

func (c *Client) readLoop(timeout time.Duration) {
	for {
		if timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(errors.RemoteUnavailable{Op: "read", Err: err})
			return
		}

		f, err := parseFrame(string(msg))
		if err != nil {
			log.WithError(err).Warn("Ignoring socket.io packet")
			continue
		}

		switch f.Type {
		case typeHeartbeat:
			if err := c.write(frame{Type: typeHeartbeat}.String()); err != nil {
				return
			}
		case typeEvent:
			var payload eventPayload
			if err := json.Unmarshal([]byte(f.Data), &payload); err != nil {
				log.WithError(err).Warn("Ignoring malformed socket.io event")
				continue
			}
			c.enqueue(Event{Name: payload.Name, Args: payload.Args})
		case typeAck:
			id, args, err := parseAck(f.Data)
			if err != nil {
				log.WithError(err).Warn("Ignoring malformed socket.io ack")
				continue
			}
			c.mu.Lock()
			ack, ok := c.acks[id]
			c.mu.Unlock()
			if ok {
				ack <- args
			}
		case typeDisconnect:
			c.shutdown(errors.RemoteUnavailable{Op: "read", Err: errors.New("server disconnected")})
			return
		case typeError:
			c.shutdown(errors.RemoteUnavailable{Op: "read", Err: fmt.Errorf("server error: %s", f.Data)})
			return
		case typeConnect, typeNoop, typeMessage, typeJSON:
		default:
			log.WithField("type", f.Type).Debug("Ignoring unknown socket.io packet")
		}
	}
}

func (c *Client) enqueue(event Event) {
	c.mu.Lock()
	c.queue = append(c.queue, event)
	c.mu.Unlock()

	select {
	case c.queued <- struct{}{}:
	default:
	}
}

func (c *Client) dispatchLoop() {
	for {
		c.mu.Lock()
		var next *Event
		if len(c.queue) > 0 {
			event := c.queue[0]
			c.queue = c.queue[1:]
			next = &event
		}
		c.mu.Unlock()

		if next == nil {
			select {
			case <-c.queued:
				continue
			case <-c.done:
				return
			}
		}

		select {
		case c.events <- *next:
		case <-c.done:
			return
		}
	}
}
