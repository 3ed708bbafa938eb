package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ilnaes/quillsync/internal/auth"
	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendQueue  = 256
)

type Client struct {
	s    *Server
	id   string
	conn *websocket.Conn
	log  *slog.Logger

	send chan co.Response
	done chan struct{}

	ctx    context.Context // cancelled when the connection goes away
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup // background handlers
}

func (s *Server) NewClient(id string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		s:      s,
		id:     id,
		conn:   conn,
		log:    s.log.With("conn", id),
		send:   make(chan co.Response, sendQueue),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues res without blocking. A client that cannot keep up is closed;
// it will reconnect and get the whole log again.
func (c *Client) Send(res co.Response) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- res:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("outbound queue full, closing connection")
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	})
}

// the only goroutine writing to conn
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case res := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(res); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// reads and handles requests until the connection fails. Requests are handled
// in arrival order so one client's deltas are appended in the order it sent
// them; exports run in the background since conversion is slow.
func (c *Client) interact() {
	c.conn.SetReadLimit(c.s.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("connection lost", "err", err)
			}
			break
		}

		// a frame that does not decode is dropped, the connection stays up
		var m co.Request
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("malformed request", "err", err, "bytes", len(data))
			continue
		}

		if m.Type == co.DownloadWord || m.Type == co.DownloadPdf {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handle(m)
			}()
		} else {
			c.handle(m)
		}
	}
}

// handle is the error boundary of one request: failures are logged and
// reported to this client only, and never end the connection.
func (c *Client) handle(m co.Request) {
	start := time.Now()
	label := string(m.Type)
	log := c.log.With("event", m.Type, "doc", m.DocumentId)

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r)
		}
		metrics.HandlerDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	c.monitor(m, "on")

	var err error
	switch m.Type {
	case co.GetInitialDocument:
		err = c.s.coord.GetInitialDocument(c.ctx, c.id, m)
	case co.NewDelta:
		_, err = c.s.coord.NewDelta(c.ctx, c.id, m)
	case co.GetUploadURL:
		err = c.s.coord.GetUploadURL(c.ctx, c.id, m)
	case co.DownloadWord, co.DownloadPdf:
		err = c.s.coord.Download(c.ctx, c.id, m)
	case co.CleanDocument:
		err = c.s.coord.CleanDocument(c.ctx, c.id, m)
	default:
		label = "unknown"
		log.Warn("unknown event")
		return
	}

	if err != nil {
		log.Error("handler failed", "err", err)
		msg := "request failed"
		if errors.Is(err, auth.ErrDenied) {
			msg = "permission denied"
		}
		c.Send(co.Response{
			Type:       co.Error,
			Event:      m.Type,
			DocumentId: m.DocumentId,
			Error:      msg,
		})
	}
}

// monitor mirrors handler activity back to the client when debugging.
func (c *Client) monitor(m co.Request, phase string) {
	if !c.s.debug {
		return
	}

	info, err := json.Marshal(map[string]interface{}{
		phase:         "quillsync|" + string(m.Type),
		"documentId":  m.DocumentId,
		"permissions": m.Permissions,
	})
	if err != nil {
		return
	}
	c.Send(co.Response{Type: co.MonitorEvents, Event: m.Type, Info: info})
}
