// Package gateway issues upload URLs for document media, exports documents to
// downloadable files, and purges everything stored for a document.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/deltalog"
	"github.com/ilnaes/quillsync/internal/metrics"
)

const (
	UploadTTL         = 15 * time.Minute
	uploadContentType = "image"
)

var (
	ErrNoObjectStore   = errors.New("no object store configured")
	ErrNoConverter     = errors.New("no converter configured")
	ErrInvalidDocument = errors.New("invalid document id")
)

type Gateway struct {
	objects   ObjectStore // nil disables uploads and exports
	converter Converter
	logs      deltalog.Store
	log       *slog.Logger

	newName func() string
}

type Config struct {
	Objects   ObjectStore
	Converter Converter
	Logs      deltalog.Store
	Log       *slog.Logger
}

func New(cfg Config) *Gateway {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		objects:   cfg.Objects,
		converter: cfg.Converter,
		logs:      cfg.Logs,
		log:       log.With("component", "gateway"),
		newName:   uuid.NewString,
	}
}

// a document id is used as a key prefix so it must not reach into another
// document's namespace
func checkDocument(docId string) error {
	if docId == "" || strings.Contains(docId, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidDocument, docId)
	}
	return nil
}

func prefix(docId string) string {
	return docId + "/"
}

// IssueUploadURL returns a fresh key under docId and a URL that accepts a PUT
// of it for UploadTTL.
func (g *Gateway) IssueUploadURL(ctx context.Context, docId, ext string) (string, string, error) {
	if err := checkDocument(docId); err != nil {
		return "", "", err
	}
	if g.objects == nil {
		return "", "", ErrNoObjectStore
	}

	key := fmt.Sprintf("%s%s.%s", prefix(docId), g.newName(), strings.TrimPrefix(ext, "."))
	url, err := g.objects.PresignPut(ctx, key, uploadContentType, UploadTTL)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("presign").Inc()
		return key, "", err
	}
	return key, url, nil
}

// IssueUploadURLs answers one batch request. Every request gets an entry that
// echoes its path; an entry whose URL could not be issued has an empty URL.
func (g *Gateway) IssueUploadURLs(ctx context.Context, docId string, reqs []co.UploadRequest) []co.UploadTarget {
	res := make([]co.UploadTarget, 0, len(reqs))
	for _, r := range reqs {
		key, url, err := g.IssueUploadURL(ctx, docId, r.Extension)
		if err != nil {
			g.log.Error("failed to issue upload url", "doc", docId, "path", r.Path, "err", err)
		}
		res = append(res, co.UploadTarget{
			Path:     r.Path,
			FileName: key,
			URL:      url,
		})
	}
	return res
}

// Export converts html and stores it as "<docId>/<docId>.<format>", replacing
// any earlier export, and returns its download link.
func (g *Gateway) Export(ctx context.Context, docId, html string, format Format) (string, error) {
	if err := checkDocument(docId); err != nil {
		return "", err
	}
	if g.objects == nil {
		return "", ErrNoObjectStore
	}
	if g.converter == nil {
		return "", ErrNoConverter
	}

	data, err := g.converter.Convert(ctx, html, format)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s.%s", prefix(docId), docId, format)
	if err := g.objects.Put(ctx, key, data, format.ContentType()); err != nil {
		metrics.StoreErrors.WithLabelValues("put").Inc()
		return "", err
	}
	return g.objects.PublicURL(key), nil
}

// PurgeDocument deletes every object under docId and then its delta log. The
// log is left alone if the objects could not be deleted.
func (g *Gateway) PurgeDocument(ctx context.Context, docId string) error {
	if err := checkDocument(docId); err != nil {
		return err
	}

	if g.objects != nil {
		if err := g.purgeObjects(ctx, docId); err != nil {
			metrics.StoreErrors.WithLabelValues("purge").Inc()
			return err
		}
	}

	if err := g.logs.Clear(ctx, docId); err != nil {
		metrics.StoreErrors.WithLabelValues("clear").Inc()
		return err
	}
	return nil
}

// deletes page by page, listing from the start each time since deleted keys
// no longer show up
func (g *Gateway) purgeObjects(ctx context.Context, docId string) error {
	for {
		keys, truncated, err := g.objects.List(ctx, prefix(docId))
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		if err := g.objects.Delete(ctx, keys); err != nil {
			return err
		}
		metrics.ObjectsPurged.Add(float64(len(keys)))
		g.log.Debug("purged objects", "doc", docId, "count", len(keys))

		if !truncated {
			return nil
		}
	}
}
