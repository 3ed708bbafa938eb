package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/deltalog"
)

// memObjects is an in-memory ObjectStore with a small page size so purges
// have to paginate.
type memObjects struct {
	objects  map[string][]byte
	types    map[string]string
	pageSize int
	failSign bool

	mu sync.Mutex
}

func newMemObjects(pageSize int) *memObjects {
	return &memObjects{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		pageSize: pageSize,
	}
}

func (m *memObjects) PresignPut(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	if m.failSign {
		return "", errors.New("presign failed")
	}
	// a presigned url lets the client create the object
	m.mu.Lock()
	m.objects[key] = nil
	m.mu.Unlock()
	return fmt.Sprintf("https://objects.test/%s?expires=%d", key, int(ttl.Seconds())), nil
}

func (m *memObjects) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	m.types[key] = contentType
	return nil
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > m.pageSize {
		return keys[:m.pageSize], true, nil
	}
	return keys, false, nil
}

func (m *memObjects) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) > m.pageSize {
		return fmt.Errorf("delete of %d keys exceeds page size", len(keys))
	}
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *memObjects) PublicURL(key string) string {
	return "https://bucket.objects.test/" + key
}

func (m *memObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type fakeConverter struct {
	err error
}

func (f fakeConverter) Convert(_ context.Context, html string, format Format) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(string(format) + ":" + html), nil
}

func TestIssueUploadURLs(t *testing.T) {
	objs := newMemObjects(1000)
	g := New(Config{Objects: objs, Logs: deltalog.NewMemoryStore()})
	n := 0
	g.newName = func() string { n++; return fmt.Sprintf("name%d", n) }

	got := g.IssueUploadURLs(context.Background(), "D1", []co.UploadRequest{
		{Path: "blob:1", Extension: "png"},
		{Path: "blob:2", Extension: ".jpg"},
	})

	want := []co.UploadTarget{
		{Path: "blob:1", FileName: "D1/name1.png", URL: "https://objects.test/D1/name1.png?expires=900"},
		{Path: "blob:2", FileName: "D1/name2.jpg", URL: "https://objects.test/D1/name2.jpg?expires=900"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("upload targets (-want +got):\n%s", diff)
	}
}

func TestIssueUploadURLsUniqueNames(t *testing.T) {
	g := New(Config{Objects: newMemObjects(1000), Logs: deltalog.NewMemoryStore()})

	got := g.IssueUploadURLs(context.Background(), "D1", []co.UploadRequest{
		{Path: "a", Extension: "png"},
		{Path: "b", Extension: "png"},
	})
	if got[0].FileName == got[1].FileName {
		t.Fatalf("expected unique object keys, both are %s", got[0].FileName)
	}
	for _, u := range got {
		if !strings.HasPrefix(u.FileName, "D1/") {
			t.Fatalf("key %s is outside the document namespace", u.FileName)
		}
	}
}

func TestIssueUploadURLsFailureKeepsCorrelation(t *testing.T) {
	objs := newMemObjects(1000)
	objs.failSign = true
	g := New(Config{Objects: objs, Logs: deltalog.NewMemoryStore()})

	got := g.IssueUploadURLs(context.Background(), "D1", []co.UploadRequest{{Path: "p", Extension: "png"}})
	if len(got) != 1 || got[0].Path != "p" || got[0].URL != "" {
		t.Fatalf("expected one entry with empty url, got %+v", got)
	}
}

func TestIssueUploadURLWithoutStore(t *testing.T) {
	g := New(Config{Logs: deltalog.NewMemoryStore()})
	if _, _, err := g.IssueUploadURL(context.Background(), "D1", "png"); !errors.Is(err, ErrNoObjectStore) {
		t.Fatalf("expected ErrNoObjectStore, got %v", err)
	}
}

func TestInvalidDocument(t *testing.T) {
	g := New(Config{Objects: newMemObjects(10), Logs: deltalog.NewMemoryStore()})
	ctx := context.Background()

	for _, doc := range []string{"", "a/b"} {
		if _, _, err := g.IssueUploadURL(ctx, doc, "png"); !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("upload for %q: expected ErrInvalidDocument, got %v", doc, err)
		}
		if err := g.PurgeDocument(ctx, doc); !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("purge of %q: expected ErrInvalidDocument, got %v", doc, err)
		}
	}
}

func TestExport(t *testing.T) {
	objs := newMemObjects(1000)
	g := New(Config{Objects: objs, Converter: fakeConverter{}, Logs: deltalog.NewMemoryStore()})

	link, err := g.Export(context.Background(), "D1", "<p>hi</p>", Docx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if link != "https://bucket.objects.test/D1/D1.docx" {
		t.Fatalf("unexpected link %s", link)
	}
	if string(objs.objects["D1/D1.docx"]) != "docx:<p>hi</p>" {
		t.Fatalf("unexpected stored body %q", objs.objects["D1/D1.docx"])
	}
	if objs.types["D1/D1.docx"] != Docx.ContentType() {
		t.Fatalf("unexpected content type %q", objs.types["D1/D1.docx"])
	}
}

func TestExportConversionFailure(t *testing.T) {
	objs := newMemObjects(1000)
	g := New(Config{Objects: objs, Converter: fakeConverter{err: errors.New("boom")}, Logs: deltalog.NewMemoryStore()})

	link, err := g.Export(context.Background(), "D1", "<p>hi</p>", Pdf)
	if err == nil || link != "" {
		t.Fatalf("expected failure with empty link, got %q, %v", link, err)
	}
	if len(objs.keys()) != 0 {
		t.Fatalf("failed export stored objects: %v", objs.keys())
	}
}

func TestPurgeDocumentIsTotal(t *testing.T) {
	objs := newMemObjects(3)
	logs := deltalog.NewMemoryStore()
	g := New(Config{Objects: objs, Logs: logs})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, _, err := g.IssueUploadURL(ctx, "D1", "png"); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	objs.Put(ctx, "D10/keep.png", nil, "image")
	objs.Put(ctx, "D2/keep.png", nil, "image")
	if _, err := logs.Append(ctx, "D1", co.Delta(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := g.PurgeDocument(ctx, "D1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if diff := cmp.Diff([]string{"D10/keep.png", "D2/keep.png"}, objs.keys()); diff != "" {
		t.Fatalf("remaining objects (-want +got):\n%s", diff)
	}
	deltas, _ := logs.ReadAll(ctx, "D1")
	if len(deltas) != 0 {
		t.Fatalf("log not cleared: %d entries", len(deltas))
	}
}

func TestPurgeWithoutObjectStoreClearsLog(t *testing.T) {
	logs := deltalog.NewMemoryStore()
	g := New(Config{Logs: logs})
	ctx := context.Background()

	logs.Append(ctx, "D1", co.Delta(`{}`))
	if err := g.PurgeDocument(ctx, "D1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deltas, _ := logs.ReadAll(ctx, "D1"); len(deltas) != 0 {
		t.Fatalf("log not cleared")
	}
}

func TestPandocArgs(t *testing.T) {
	p := Pandoc{}
	if diff := cmp.Diff([]string{"-f", "html", "-t", "docx", "-o", "x.docx"}, p.args(Docx, "x.docx")); diff != "" {
		t.Fatalf("docx args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-f", "html", "-o", "x.pdf"}, p.args(Pdf, "x.pdf")); diff != "" {
		t.Fatalf("pdf args (-want +got):\n%s", diff)
	}
}

func TestPandocMissingBinary(t *testing.T) {
	p := Pandoc{Path: "/nonexistent/pandoc", Dir: t.TempDir()}
	if _, err := p.Convert(context.Background(), "<p/>", Docx); err == nil {
		t.Fatalf("expected an error for a missing binary")
	}
}
