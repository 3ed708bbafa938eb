package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ilnaes/quillsync/internal/auth"
	"github.com/ilnaes/quillsync/internal/broadcast"
	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/deltalog"
	"github.com/ilnaes/quillsync/internal/room"
)

type sink struct {
	frames []co.Response
	mu     sync.Mutex
}

func (s *sink) Send(res co.Response) bool {
	s.mu.Lock()
	s.frames = append(s.frames, res)
	s.mu.Unlock()
	return true
}

func (s *sink) take() []co.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.frames
	s.frames = nil
	return res
}

func ofType(frames []co.Response, typ co.EventType) []co.Response {
	var res []co.Response
	for _, f := range frames {
		if f.Type == typ {
			res = append(res, f)
		}
	}
	return res
}

func strs(ds []co.Delta) []string {
	res := make([]string, len(ds))
	for i, d := range ds {
		res[i] = string(d)
	}
	return res
}

// flakyStore fails the next n calls of the chosen kind.
type flakyStore struct {
	deltalog.Store
	failAppend bool
	failReads  int

	mu sync.Mutex
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) Append(ctx context.Context, docId string, d co.Delta) (int, error) {
	if f.failAppend {
		return 0, errUnavailable
	}
	return f.Store.Append(ctx, docId, d)
}

func (f *flakyStore) ReadAll(ctx context.Context, docId string) ([]co.Delta, error) {
	f.mu.Lock()
	if f.failReads > 0 {
		f.failReads--
		f.mu.Unlock()
		return nil, errUnavailable
	}
	f.mu.Unlock()
	return f.Store.ReadAll(ctx, docId)
}

type fixture struct {
	c     *Coordinator
	logs  *flakyStore
	rooms *room.Manager
	hub   *broadcast.Hub
	sinks map[string]*sink
}

func newFixture(t *testing.T, conns ...string) *fixture {
	t.Helper()
	logs := &flakyStore{Store: deltalog.NewMemoryStore()}
	rooms := room.NewManager()
	hub := broadcast.NewHub(rooms)
	f := &fixture{
		logs:  logs,
		rooms: rooms,
		hub:   hub,
		sinks: make(map[string]*sink),
		c:     New(Config{Logs: logs, Rooms: rooms, Out: hub}),
	}
	f.c.retryWait = 0
	for _, conn := range conns {
		f.sinks[conn] = &sink{}
		hub.Register(conn, f.sinks[conn])
	}
	return f
}

func (f *fixture) open(t *testing.T, conn, doc string) []co.Delta {
	t.Helper()
	if err := f.c.GetInitialDocument(context.Background(), conn, co.Request{Type: co.GetInitialDocument, DocumentId: doc}); err != nil {
		t.Fatalf("%s open %s: %v", conn, doc, err)
	}
	frames := ofType(f.sinks[conn].take(), co.GetInitialDocument)
	if len(frames) != 1 {
		t.Fatalf("%s expected one log frame, got %d", conn, len(frames))
	}
	return frames[0].Deltas
}

func (f *fixture) submit(t *testing.T, conn, doc, delta string, expected int) Appended {
	t.Helper()
	res, err := f.c.NewDelta(context.Background(), conn, co.Request{
		Type:          co.NewDelta,
		DocumentId:    doc,
		Delta:         co.Delta(delta),
		ExpectedIndex: expected,
	})
	if err != nil {
		t.Fatalf("%s submit %s: %v", conn, delta, err)
	}
	return res
}

func TestScenarioStaleSubmitterIsResynced(t *testing.T) {
	f := newFixture(t, "A", "B")

	if got := f.open(t, "A", "D1"); len(got) != 0 {
		t.Fatalf("expected empty log, got %v", strs(got))
	}
	f.open(t, "B", "D1")

	res := f.submit(t, "A", "D1", `"d1"`, 0)
	if res.Index != 0 || res.Resynced {
		t.Fatalf("A's submit: %+v", res)
	}
	for _, conn := range []string{"A", "B"} {
		frames := f.sinks[conn].take()
		if len(frames) != 1 || frames[0].Type != co.NewDelta || frames[0].Index != 0 || frames[0].Sender != "A" {
			t.Fatalf("%s expected one broadcast of d1 at 0 from A, got %+v", conn, frames)
		}
	}

	// B has not seen d1 yet and still believes the next index is 0
	res = f.submit(t, "B", "D1", `"d2"`, 0)
	if res.Index != 1 || !res.Resynced {
		t.Fatalf("B's submit: %+v", res)
	}

	a := f.sinks["A"].take()
	if len(a) != 1 || a[0].Type != co.NewDelta || a[0].Index != 1 || string(a[0].Delta) != `"d2"` {
		t.Fatalf("A expected only the d2 broadcast, got %+v", a)
	}

	b := f.sinks["B"].take()
	if len(ofType(b, co.NewDelta)) != 1 {
		t.Fatalf("B expected its own echo, got %+v", b)
	}
	resync := ofType(b, co.GetInitialDocument)
	if len(resync) != 1 {
		t.Fatalf("B expected one resync, got %d", len(resync))
	}
	if diff := cmp.Diff([]string{`"d1"`, `"d2"`}, strs(resync[0].Deltas)); diff != "" {
		t.Fatalf("resync log (-want +got):\n%s", diff)
	}
}

func TestConcurrentSubmitsResyncOnlyLosers(t *testing.T) {
	const N = 16
	conns := make([]string, N)
	for i := range conns {
		conns[i] = fmt.Sprintf("c%d", i)
	}
	f := newFixture(t, conns...)
	for _, conn := range conns {
		f.open(t, conn, "D")
	}

	results := make([]Appended, N)
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			res, err := f.c.NewDelta(context.Background(), conn, co.Request{
				DocumentId: "D",
				Delta:      co.Delta(fmt.Sprintf(`"%d"`, i)),
			})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
			results[i] = res
		}(i, conn)
	}
	wg.Wait()

	seen := make(map[int]bool)
	winners := 0
	for i, res := range results {
		if seen[res.Index] {
			t.Fatalf("position %d assigned twice", res.Index)
		}
		seen[res.Index] = true
		if res.Index == 0 {
			winners++
			if res.Resynced {
				t.Errorf("c%d appended at the expected index but was resynced", i)
			}
		} else if !res.Resynced {
			t.Errorf("c%d landed at %d with expected 0 and was not resynced", i, res.Index)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one delta at position 0, got %d", winners)
	}

	for _, conn := range conns {
		if n := len(ofType(f.sinks[conn].take(), co.NewDelta)); n != N {
			t.Errorf("%s received %d broadcasts, want %d", conn, n, N)
		}
	}
}

func TestInitialSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.open(t, "B", "D1")
	f.submit(t, "B", "D1", `"x"`, 0)
	f.submit(t, "B", "D1", `"y"`, 1)
	f.sinks["B"].take()

	first := f.open(t, "A", "D1")
	second := f.open(t, "A", "D1")
	if diff := cmp.Diff(strs(first), strs(second)); diff != "" {
		t.Fatalf("repeated initial sync differs (-first +second):\n%s", diff)
	}
	if len(f.sinks["B"].take()) != 0 {
		t.Fatalf("initial sync by A sent frames to B")
	}
	if diff := cmp.Diff([]string{"A", "B"}, f.rooms.MembersOf("D1")); diff != "" {
		t.Fatalf("room members (-want +got):\n%s", diff)
	}
}

func TestOpeningAnotherDocumentLeavesTheFirst(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.open(t, "A", "DA")
	f.open(t, "B", "DA")
	f.open(t, "A", "DB")

	f.submit(t, "B", "DA", `"x"`, 0)
	if got := f.sinks["A"].take(); len(got) != 0 {
		t.Fatalf("A still receives DA broadcasts: %+v", got)
	}
	if doc, _ := f.rooms.RoomOf("A"); doc != "DB" {
		t.Fatalf("A should be in DB, is in %q", doc)
	}
}

func TestEmptyRequestsAreNoops(t *testing.T) {
	f := newFixture(t, "A")

	if err := f.c.GetInitialDocument(context.Background(), "A", co.Request{}); err != nil {
		t.Fatalf("empty open: %v", err)
	}
	for _, d := range []string{"", "null"} {
		res, err := f.c.NewDelta(context.Background(), "A", co.Request{DocumentId: "D", Delta: co.Delta(d)})
		if err != nil || res.Index != -1 {
			t.Fatalf("empty delta %q: %+v %v", d, res, err)
		}
	}
	if got := f.sinks["A"].take(); len(got) != 0 {
		t.Fatalf("no-ops produced frames: %+v", got)
	}
	if deltas, _ := f.logs.ReadAll(context.Background(), "D"); len(deltas) != 0 {
		t.Fatalf("empty delta was stored")
	}
}

func TestAppendFailurePropagates(t *testing.T) {
	f := newFixture(t, "A")
	f.open(t, "A", "D")
	f.logs.failAppend = true

	_, err := f.c.NewDelta(context.Background(), "A", co.Request{DocumentId: "D", Delta: co.Delta(`"x"`)})
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := f.sinks["A"].take(); len(got) != 0 {
		t.Fatalf("failed append was broadcast: %+v", got)
	}
}

func TestReadIsRetried(t *testing.T) {
	f := newFixture(t, "A")
	f.logs.failReads = 2

	if got := f.open(t, "A", "D"); len(got) != 0 {
		t.Fatalf("expected empty log, got %v", strs(got))
	}
}

func TestReadGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, "A")
	f.logs.failReads = defaultReadRetries + 1

	err := f.c.GetInitialDocument(context.Background(), "A", co.Request{DocumentId: "D"})
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestCleanDocumentBroadcastsEmptyLog(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.open(t, "A", "D")
	f.open(t, "B", "D")
	f.submit(t, "A", "D", `"x"`, 0)
	f.sinks["A"].take()
	f.sinks["B"].take()

	if err := f.c.CleanDocument(context.Background(), "A", co.Request{DocumentId: "D"}); err != nil {
		t.Fatalf("clean: %v", err)
	}
	for _, conn := range []string{"A", "B"} {
		frames := f.sinks[conn].take()
		if len(frames) != 1 || frames[0].Type != co.GetInitialDocument || frames[0].Deltas == nil || len(frames[0].Deltas) != 0 {
			t.Fatalf("%s expected an empty log frame, got %+v", conn, frames)
		}
	}
	if got := f.open(t, "A", "D"); len(got) != 0 {
		t.Fatalf("log not empty after clean: %v", strs(got))
	}
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, auth.Capability) error { return auth.ErrDenied }

func TestDeniedRequestsDoNothing(t *testing.T) {
	f := newFixture(t, "A")
	f.c.auth = denyAll{}
	ctx := context.Background()

	if err := f.c.GetInitialDocument(ctx, "A", co.Request{DocumentId: "D"}); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("open: expected ErrDenied, got %v", err)
	}
	if _, ok := f.rooms.RoomOf("A"); ok {
		t.Fatalf("denied connection joined a room")
	}
	if _, err := f.c.NewDelta(ctx, "A", co.Request{DocumentId: "D", Delta: co.Delta(`"x"`)}); !errors.Is(err, auth.ErrDenied) {
		t.Fatalf("append: expected ErrDenied, got %v", err)
	}
	if deltas, _ := f.logs.ReadAll(ctx, "D"); len(deltas) != 0 {
		t.Fatalf("denied delta was stored")
	}

	// exports report denial as an empty link
	if err := f.c.Download(ctx, "A", co.Request{Type: co.DownloadWord, DocumentId: "D"}); err != nil {
		t.Fatalf("download: %v", err)
	}
	frames := f.sinks["A"].take()
	if len(frames) != 1 || frames[0].Link == nil || *frames[0].Link != "" {
		t.Fatalf("expected an empty link, got %+v", frames)
	}
}

func TestUploadWithoutObjectStoreReturnsEmptyURLs(t *testing.T) {
	f := newFixture(t, "A")

	err := f.c.GetUploadURL(context.Background(), "A", co.Request{
		DocumentId: "D",
		Uploads:    []co.UploadRequest{{Path: "p1", Extension: "png"}},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	frames := f.sinks["A"].take()
	if len(frames) != 1 || len(frames[0].Uploads) != 1 || frames[0].Uploads[0].Path != "p1" || frames[0].Uploads[0].URL != "" {
		t.Fatalf("unexpected upload reply %+v", frames)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	f := newFixture(t, "A")
	f.open(t, "A", "D")
	f.c.Disconnect("A")
	if got := f.rooms.MembersOf("D"); len(got) != 0 {
		t.Fatalf("room not empty after disconnect: %v", got)
	}
}

func TestReadLogDoesNotJoin(t *testing.T) {
	f := newFixture(t, "a")
	f.open(t, "a", "D1")
	f.submit(t, "a", "D1", `{"n":1}`, 0)

	deltas, err := f.c.ReadLog(context.Background(), co.Request{DocumentId: "D1"})
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if diff := cmp.Diff([]string{`{"n":1}`}, strs(deltas)); diff != "" {
		t.Fatalf("log mismatch (-want +got):\n%s", diff)
	}
	if got := f.rooms.MembersOf("D1"); len(got) != 1 {
		t.Fatalf("reading the log should not change membership, got %v", got)
	}
}
