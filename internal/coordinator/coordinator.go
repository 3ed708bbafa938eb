// Package coordinator implements the delta sync protocol: initial sync,
// optimistic append with a consistency check, and forced resync.
//
// Positions are 0-based. A client holding k deltas submits its next delta with
// expectedIndex k; the delta is broadcast with the position it was actually
// given, and if that differs from expectedIndex the submitter also receives the
// whole log.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ilnaes/quillsync/internal/auth"
	"github.com/ilnaes/quillsync/internal/broadcast"
	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/deltalog"
	"github.com/ilnaes/quillsync/internal/gateway"
	"github.com/ilnaes/quillsync/internal/metrics"
	"github.com/ilnaes/quillsync/internal/room"
)

const defaultReadRetries = 3

type Coordinator struct {
	logs  deltalog.Store
	rooms *room.Manager
	out   broadcast.Broadcaster
	gw    *gateway.Gateway
	auth  auth.Authorizer
	log   *slog.Logger

	readRetries uint64
	retryWait   time.Duration
}

type Config struct {
	Logs    deltalog.Store
	Rooms   *room.Manager
	Out     broadcast.Broadcaster
	Gateway *gateway.Gateway // defaults to one without object store
	Auth    auth.Authorizer  // defaults to auth.AllowAll
	Log     *slog.Logger

	ReadRetries int // retries of a failed log read, default 3, negative disables
}

func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	gw := cfg.Gateway
	if gw == nil {
		gw = gateway.New(gateway.Config{Logs: cfg.Logs, Log: log})
	}
	authz := cfg.Auth
	if authz == nil {
		authz = auth.AllowAll{}
	}

	retries := cfg.ReadRetries
	if retries == 0 {
		retries = defaultReadRetries
	} else if retries < 0 {
		retries = 0
	}

	return &Coordinator{
		logs:        cfg.Logs,
		rooms:       cfg.Rooms,
		out:         cfg.Out,
		gw:          gw,
		auth:        authz,
		log:         log,
		readRetries: uint64(retries),
		retryWait:   50 * time.Millisecond,
	}
}

func (c *Coordinator) authorize(ctx context.Context, req co.Request, action auth.Action) error {
	return c.auth.Authorize(ctx, auth.Capability{
		DocumentId:  req.DocumentId,
		Action:      action,
		Token:       req.Token,
		Permissions: req.Permissions,
	})
}

// readAll retries failed reads with backoff. Reads are idempotent; appends are
// never retried here since a retried append could land twice.
func (c *Coordinator) readAll(ctx context.Context, docId string) ([]co.Delta, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryWait

	var deltas []co.Delta
	op := func() error {
		var err error
		deltas, err = c.logs.ReadAll(ctx, docId)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("read").Inc()
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.readRetries), ctx)); err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", docId, err)
	}
	return deltas, nil
}

// GetInitialDocument moves conn into the document's room and sends it the
// whole log. Joining before reading means no delta appended meanwhile is
// missed; it may arrive both in the log and as a broadcast, tagged with the
// same position.
func (c *Coordinator) GetInitialDocument(ctx context.Context, conn string, req co.Request) error {
	if req.DocumentId == "" {
		return nil
	}
	if err := c.authorize(ctx, req, auth.View); err != nil {
		return err
	}

	if prev := c.rooms.JoinOnly(conn, req.DocumentId); prev != "" {
		c.log.Debug("left room", "conn", conn, "doc", prev)
	}

	return c.resync(ctx, conn, req.DocumentId)
}

func (c *Coordinator) resync(ctx context.Context, conn, docId string) error {
	deltas, err := c.readAll(ctx, docId)
	if err != nil {
		return err
	}
	c.out.ToConn(conn, co.LogResponse(docId, deltas))
	return nil
}

type Appended struct {
	Index    int  // 0-based position the delta was given
	Resynced bool // whether the submitter was sent the whole log
}

// NewDelta appends the delta, broadcasts it to the room tagged with its
// position and sender, and resyncs the sender if its expectedIndex was stale.
func (c *Coordinator) NewDelta(ctx context.Context, conn string, req co.Request) (Appended, error) {
	if req.DocumentId == "" || co.IsEmptyDelta(req.Delta) {
		c.log.Debug("ignoring empty delta", "conn", conn, "doc", req.DocumentId)
		return Appended{Index: -1}, nil
	}
	if err := c.authorize(ctx, req, auth.Edit); err != nil {
		return Appended{Index: -1}, err
	}

	length, err := c.logs.Append(ctx, req.DocumentId, req.Delta)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		return Appended{Index: -1}, fmt.Errorf("failed to append delta: %w", err)
	}
	metrics.DeltasAppended.Inc()

	res := Appended{Index: length - 1}
	if err := c.out.ToRoom(ctx, req.DocumentId, co.Response{
		Type:       co.NewDelta,
		DocumentId: req.DocumentId,
		Delta:      req.Delta,
		Index:      res.Index,
		Sender:     conn,
	}); err != nil {
		// the delta is durably ordered; members will pick it up on their next resync
		c.log.Error("failed to broadcast delta", "conn", conn, "doc", req.DocumentId, "index", res.Index, "err", err)
	}

	if req.ExpectedIndex == res.Index {
		return res, nil
	}

	c.log.Debug("stale expected index", "conn", conn, "doc", req.DocumentId,
		"expected", req.ExpectedIndex, "actual", res.Index)
	if err := c.resync(ctx, conn, req.DocumentId); err != nil {
		return res, err
	}
	metrics.Resyncs.Inc()
	res.Resynced = true
	return res, nil
}

// CleanDocument purges the document's objects and log, then tells the whole
// room the log is empty.
func (c *Coordinator) CleanDocument(ctx context.Context, conn string, req co.Request) error {
	if req.DocumentId == "" {
		return nil
	}
	if err := c.authorize(ctx, req, auth.Purge); err != nil {
		return err
	}

	if err := c.gw.PurgeDocument(ctx, req.DocumentId); err != nil {
		return fmt.Errorf("failed to purge %s: %w", req.DocumentId, err)
	}
	c.log.Info("purged document", "conn", conn, "doc", req.DocumentId)

	return c.out.ToRoom(ctx, req.DocumentId, co.LogResponse(req.DocumentId, nil))
}

// GetUploadURL answers a batch of upload requests to the requester only.
func (c *Coordinator) GetUploadURL(ctx context.Context, conn string, req co.Request) error {
	if err := c.authorize(ctx, req, auth.Upload); err != nil {
		return err
	}

	c.out.ToConn(conn, co.Response{
		Type:       co.GetUploadURL,
		DocumentId: req.DocumentId,
		Uploads:    c.gw.IssueUploadURLs(ctx, req.DocumentId, req.Uploads),
	})
	return nil
}

// Download exports the client's html and replies with a link. Every failure
// replies with an empty link.
func (c *Coordinator) Download(ctx context.Context, conn string, req co.Request) error {
	format := gateway.Docx
	if req.Type == co.DownloadPdf {
		format = gateway.Pdf
	}

	link := ""
	var err error
	if err = c.authorize(ctx, req, auth.Export); err == nil {
		link, err = c.gw.Export(ctx, req.DocumentId, req.Source, format)
	}
	if err != nil {
		c.log.Error("failed to export", "conn", conn, "doc", req.DocumentId, "format", format, "err", err)
		link = ""
	}

	c.out.ToConn(conn, co.Response{
		Type:       req.Type,
		DocumentId: req.DocumentId,
		Link:       &link,
	})
	return nil
}

// ReadLog returns the document's log without joining its room.
func (c *Coordinator) ReadLog(ctx context.Context, req co.Request) ([]co.Delta, error) {
	if err := c.authorize(ctx, req, auth.View); err != nil {
		return nil, err
	}
	return c.readAll(ctx, req.DocumentId)
}

// Disconnect drops conn from its room.
func (c *Coordinator) Disconnect(conn string) {
	if doc := c.rooms.Disconnect(conn); doc != "" {
		c.log.Debug("left room on disconnect", "conn", conn, "doc", doc)
	}
}
