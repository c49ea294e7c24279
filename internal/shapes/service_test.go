package shapes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"canvas-sync-server/internal/batch"
	"canvas-sync-server/internal/hub"
	"canvas-sync-server/internal/model"
	"canvas-sync-server/internal/pending"
	"canvas-sync-server/internal/store"
)

type testWriter struct {
	mu     sync.Mutex
	writes [][]byte
	signal chan struct{}
}

func newTestWriter() *testWriter {
	return &testWriter{signal: make(chan struct{}, 16)}
}

func (w *testWriter) Write(message []byte) error {
	w.mu.Lock()
	w.writes = append(w.writes, message)
	w.mu.Unlock()
	w.signal <- struct{}{}
	return nil
}

func (w *testWriter) Close() error { return nil }

func (w *testWriter) messages(t *testing.T) []model.ShapeMessage {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.ShapeMessage, 0, len(w.writes))
	for _, raw := range w.writes {
		var msg model.ShapeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func (w *testWriter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.signal:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for write")
	}
}

type fakePersister struct {
	mu          sync.Mutex
	roomExists  bool
	content     []model.ShapeRecord
	nextID      string
	createErr   error
	afterInsert func()
	afterCommit func()

	creates []model.ShapePayload
	deletes []string
}

func (p *fakePersister) RoomExists(context.Context, string) (bool, error) {
	return p.roomExists, nil
}

func (p *fakePersister) RoomContent(context.Context, string) ([]model.ShapeRecord, error) {
	return p.content, nil
}

func (p *fakePersister) CreateShape(_ context.Context, _ string, shape model.ShapePayload, guard store.CreateGuard) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	if guard != nil && guard.AbortInsert() {
		return "", store.ErrCreateAborted
	}
	p.mu.Lock()
	p.creates = append(p.creates, shape)
	p.mu.Unlock()
	if p.afterInsert != nil {
		p.afterInsert()
	}
	if guard != nil && !guard.AllowCommit() {
		p.mu.Lock()
		p.creates = p.creates[:len(p.creates)-1]
		p.mu.Unlock()
		return "", store.ErrCreateAborted
	}
	if p.afterCommit != nil {
		p.afterCommit()
	}
	return p.nextID, nil
}

func (p *fakePersister) DeleteShape(_ context.Context, id string, _ model.ShapeKind) (bool, error) {
	p.mu.Lock()
	p.deletes = append(p.deletes, id)
	p.mu.Unlock()
	return true, nil
}

func (p *fakePersister) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creates)
}

func (p *fakePersister) deleteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deletes)
}

type recordingBatchWriter struct {
	mu     sync.Mutex
	writes []model.ShapePayload
}

func (w *recordingBatchWriter) UpdateShape(_ context.Context, _ model.ShapeKind, _ string, fields model.ShapePayload) error {
	w.mu.Lock()
	w.writes = append(w.writes, fields)
	w.mu.Unlock()
	return nil
}

type fakeRelay struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *fakeRelay) Publish(_ string, payload []byte) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func rect() model.ShapePayload {
	return model.ShapePayload{
		Type:   model.KindRectangle,
		StartX: f64(0), StartY: f64(0),
		Width: f64(50), Height: f64(50),
		Color: str("#fff"),
	}
}

type fixture struct {
	svc   *Service
	hub   *hub.Hub
	p     *fakePersister
	bw    *recordingBatchWriter
	a, b  *hub.Connection
	wa    *testWriter
	wb    *testWriter
	relay *fakeRelay
}

func newFixture() *fixture {
	h := hub.New()
	p := &fakePersister{roomExists: true, nextID: "s1"}
	bw := &recordingBatchWriter{}
	relay := &fakeRelay{}
	svc := &Service{
		Hub:     h,
		Store:   p,
		Pending: pending.NewTable(),
		Batch:   batch.NewEngine(bw, batch.Options{Interval: time.Hour, MaxEntries: 1000}),
		Relay:   relay,
	}

	wa, wb := newTestWriter(), newTestWriter()
	a := &hub.Connection{UserID: "alice", Writer: wa}
	b := &hub.Connection{UserID: "bob", Writer: wb}
	h.AddUser(a)
	h.AddUser(b)
	h.Join("alice", "r1")
	h.Join("bob", "r1")

	return &fixture{svc: svc, hub: h, p: p, bw: bw, a: a, b: b, wa: wa, wb: wb, relay: relay}
}

func createMsg(tempID string) ([]byte, model.ShapeMessage) {
	shape := rect()
	msg := model.ShapeMessage{
		Type:   model.MessageShape,
		Action: model.ActionCreate,
		RoomID: "r1",
		TempID: tempID,
		Shape:  &shape,
	}
	raw, _ := json.Marshal(msg)
	return raw, msg
}

func TestCreate_MirrorsThenConfirmsWholeRoom(t *testing.T) {
	fx := newFixture()
	raw, msg := createMsg("t1")

	fx.svc.HandleShape(fx.a, raw, msg)

	fx.wb.wait(t) // mirrored create
	fx.wb.wait(t) // confirm
	fx.wa.wait(t) // confirm (author too)

	bobMsgs := fx.wb.messages(t)
	if bobMsgs[0].Action != model.ActionCreate || bobMsgs[0].TempID != "t1" {
		t.Fatalf("expected mirrored create first, got %+v", bobMsgs[0])
	}
	if bobMsgs[1].Action != model.ActionConfirm || bobMsgs[1].ID != "s1" || bobMsgs[1].TempID != "t1" {
		t.Fatalf("expected confirm with mapping, got %+v", bobMsgs[1])
	}

	aliceMsgs := fx.wa.messages(t)
	if len(aliceMsgs) != 1 || aliceMsgs[0].Action != model.ActionConfirm {
		t.Fatalf("author should receive only the confirm, got %+v", aliceMsgs)
	}

	if fx.p.createCount() != 1 {
		t.Fatalf("expected 1 persisted create, got %d", fx.p.createCount())
	}
	if fx.svc.Pending.Has("t1") {
		t.Fatalf("expected reconciliation entry removed after confirm")
	}
}

func TestCreate_DeleteBeforeInsertPersistsNothing(t *testing.T) {
	fx := newFixture()

	fx.svc.Pending.Add("t1")
	fx.svc.Pending.Tombstone("t1")
	fx.svc.persistCreate(fx.a, "r1", "t1", rect())

	if fx.p.createCount() != 0 {
		t.Fatalf("expected no row written, got %d", fx.p.createCount())
	}
	if got := fx.wa.messages(t); len(got) != 0 {
		t.Fatalf("expected no confirm, got %+v", got)
	}
	if fx.svc.Pending.Has("t1") {
		t.Fatalf("expected entry discarded")
	}
}

func TestCreate_DeleteDuringInsertRollsBack(t *testing.T) {
	fx := newFixture()
	fx.svc.Pending.Add("t1")
	fx.p.afterInsert = func() { fx.svc.Pending.Tombstone("t1") }

	fx.svc.persistCreate(fx.a, "r1", "t1", rect())

	if fx.p.createCount() != 0 {
		t.Fatalf("expected insert rolled back, got %d rows", fx.p.createCount())
	}
	if got := fx.wa.messages(t); len(got) != 0 {
		t.Fatalf("expected no confirm, got %+v", got)
	}
}

func TestCreate_DeleteAfterCommitCompensates(t *testing.T) {
	fx := newFixture()
	fx.svc.Pending.Add("t1")
	fx.p.afterCommit = func() { fx.svc.Pending.Tombstone("t1") }

	fx.svc.persistCreate(fx.a, "r1", "t1", rect())

	if fx.p.createCount() != 1 {
		t.Fatalf("expected committed insert, got %d", fx.p.createCount())
	}
	if fx.p.deleteCount() != 1 {
		t.Fatalf("expected compensating delete, got %d", fx.p.deleteCount())
	}
	if got := fx.wa.messages(t); len(got) != 0 {
		t.Fatalf("expected confirm suppressed, got %+v", got)
	}
}

func TestCreate_PersistFailureLeavesNoEntry(t *testing.T) {
	fx := newFixture()
	fx.p.createErr = errors.New("db down")
	fx.svc.Pending.Add("t1")

	fx.svc.persistCreate(fx.a, "r1", "t1", rect())

	if fx.svc.Pending.Has("t1") {
		t.Fatalf("expected entry removed after failed create")
	}
	if got := fx.wa.messages(t); len(got) != 0 {
		t.Fatalf("expected no confirm, got %+v", got)
	}
}

func TestUpdate_PendingOpsReplayedOnConfirm(t *testing.T) {
	fx := newFixture()
	fx.svc.Pending.Add("t1")

	upd := model.ShapePayload{Type: model.KindRectangle, Width: f64(60)}
	msg := model.ShapeMessage{Type: model.MessageShape, Action: model.ActionUpdate, RoomID: "r1", TempID: "t1", Shape: &upd}
	raw, _ := json.Marshal(msg)
	fx.svc.HandleShape(fx.a, raw, msg)

	fx.wb.wait(t) // mirrored update
	if fx.bw.writes != nil {
		t.Fatalf("update must stay deferred until confirm")
	}

	fx.svc.persistCreate(fx.a, "r1", "t1", rect())
	fx.svc.Batch.Flush()

	fx.bw.mu.Lock()
	defer fx.bw.mu.Unlock()
	if len(fx.bw.writes) != 1 {
		t.Fatalf("expected replayed op flushed, got %d", len(fx.bw.writes))
	}
	if *fx.bw.writes[0].Width != 60 {
		t.Fatalf("expected replayed width 60, got %v", *fx.bw.writes[0].Width)
	}
}

func TestUpdate_ConfirmedGoesToBatch(t *testing.T) {
	fx := newFixture()

	upd := model.ShapePayload{Type: model.KindRectangle, Width: f64(80), Color: str("#000")}
	msg := model.ShapeMessage{Type: model.MessageShape, Action: model.ActionUpdate, RoomID: "r1", ID: "s1", Shape: &upd}
	raw, _ := json.Marshal(msg)
	fx.svc.HandleShape(fx.a, raw, msg)

	fx.wb.wait(t)
	if got := fx.wa.messages(t); len(got) != 0 {
		t.Fatalf("author must not receive its own mirror, got %+v", got)
	}

	fx.svc.Batch.Flush()
	fx.bw.mu.Lock()
	defer fx.bw.mu.Unlock()
	if len(fx.bw.writes) != 1 {
		t.Fatalf("expected 1 batched write, got %d", len(fx.bw.writes))
	}
}

func TestUpdate_UnknownShapeDropped(t *testing.T) {
	fx := newFixture()

	upd := model.ShapePayload{Type: model.KindRectangle, Width: f64(80)}
	msg := model.ShapeMessage{Type: model.MessageShape, Action: model.ActionUpdate, RoomID: "r1", TempID: "ghost", Shape: &upd}
	raw, _ := json.Marshal(msg)
	fx.svc.HandleShape(fx.a, raw, msg)

	fx.wb.wait(t) // still mirrored optimistically
	fx.svc.Batch.Flush()
	fx.bw.mu.Lock()
	defer fx.bw.mu.Unlock()
	if len(fx.bw.writes) != 0 {
		t.Fatalf("expected dropped update, got %d writes", len(fx.bw.writes))
	}
}

func TestDelete_ConfirmedRemovesBatchEntryAndRow(t *testing.T) {
	fx := newFixture()

	upd := model.ShapePayload{Type: model.KindRectangle, Width: f64(80)}
	fx.svc.Batch.Enqueue("s1", model.KindRectangle, upd)

	del := model.ShapePayload{Type: model.KindRectangle}
	msg := model.ShapeMessage{Type: model.MessageShape, Action: model.ActionDelete, RoomID: "r1", ID: "s1", Shape: &del}
	raw, _ := json.Marshal(msg)
	fx.svc.HandleShape(fx.a, raw, msg)

	fx.wb.wait(t)
	deadline := time.Now().Add(time.Second)
	for fx.p.deleteCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fx.p.deleteCount() != 1 {
		t.Fatalf("expected durable delete issued")
	}

	fx.svc.Batch.Flush()
	fx.bw.mu.Lock()
	defer fx.bw.mu.Unlock()
	if len(fx.bw.writes) != 0 {
		t.Fatalf("expected buffered update dropped before delete, got %d", len(fx.bw.writes))
	}
}

func TestJoin_RoomNotFound(t *testing.T) {
	fx := newFixture()
	fx.p.roomExists = false

	res := fx.svc.Join(context.Background(), fx.a, "nope")
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Message != "Room not found" {
		t.Fatalf("expected room-not-found message, got %q", res.Message)
	}
	if fx.hub.RoomSize("nope") != 0 {
		t.Fatalf("registries must stay untouched on failed join")
	}
}

func TestJoin_ReturnsSnapshot(t *testing.T) {
	fx := newFixture()
	fx.p.content = []model.ShapeRecord{{ID: "s1", Shape: rect()}}

	res := fx.svc.Join(context.Background(), fx.a, "r1")
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if len(res.Shapes) != 1 || res.Shapes[0].ID != "s1" {
		t.Fatalf("expected snapshot, got %+v", res.Shapes)
	}
}

func TestMalformedShapeMessageDropped(t *testing.T) {
	fx := newFixture()

	bad := model.ShapePayload{Type: "BLOB"}
	msg := model.ShapeMessage{Type: model.MessageShape, Action: model.ActionCreate, RoomID: "r1", TempID: "t1", Shape: &bad}
	raw, _ := json.Marshal(msg)
	fx.svc.HandleShape(fx.a, raw, msg)

	select {
	case <-fx.wb.signal:
		t.Fatalf("malformed message must not be mirrored")
	case <-time.After(50 * time.Millisecond):
	}
	if fx.svc.Pending.Has("t1") {
		t.Fatalf("malformed create must not register a pending entry")
	}
}

func TestMirror_PublishedToRelay(t *testing.T) {
	fx := newFixture()
	raw, msg := createMsg("t1")

	fx.svc.HandleShape(fx.a, raw, msg)
	fx.wa.wait(t) // confirm reached the author, so relay publishes are done

	fx.relay.mu.Lock()
	defer fx.relay.mu.Unlock()
	if len(fx.relay.payloads) != 2 {
		t.Fatalf("expected mirrored create and confirm relayed, got %d", len(fx.relay.payloads))
	}
}
