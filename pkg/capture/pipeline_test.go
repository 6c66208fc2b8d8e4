package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/oracle"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

type fakeDriver struct {
	mu     sync.Mutex
	events chan browserd.DOMEvent
	closed bool
	execs  []browserd.Command
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan browserd.DOMEvent, 16)}
}

func (d *fakeDriver) Execute(ctx context.Context, cmd browserd.Command) (browserd.Result, error) {
	d.mu.Lock()
	d.execs = append(d.execs, cmd)
	d.mu.Unlock()
	return browserd.Result{Status: "ok", URL: cmd.URL}, nil
}

func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 0x50}, nil
}

func (d *fakeDriver) URL() string { return "https://example.test" }

func (d *fakeDriver) Events() <-chan browserd.DOMEvent { return d.events }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

type fakeFactory struct {
	driver *fakeDriver
	err    error
}

func (f *fakeFactory) Open(ctx context.Context, sessionID string) (browserd.Driver, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.driver, nil
}

type fakeExtractor struct {
	wf  *workflow.Workflow
	err error

	mu      sync.Mutex
	gotLog  []workflow.ObservedAction
	gotMeta oracle.SessionMeta
}

func (f *fakeExtractor) Extract(ctx context.Context, actions []workflow.ObservedAction, meta oracle.SessionMeta) (*workflow.Workflow, error) {
	f.mu.Lock()
	f.gotLog = actions
	f.gotMeta = meta
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.wf, nil
}

type fakeStore struct {
	mu       sync.Mutex
	writeErr error
	written  map[string]*workflow.Workflow
}

func newFakeStore() *fakeStore {
	return &fakeStore{written: make(map[string]*workflow.Workflow)}
}

func (f *fakeStore) WriteWorkflow(ctx context.Context, wf *workflow.Workflow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.written[wf.ID] = wf
	return wf.ID, nil
}

func (f *fakeStore) ReadWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.written[id]
	if !ok {
		return nil, graph.ErrNotFound
	}
	return wf, nil
}

func (f *fakeStore) WriteAlignment(ctx context.Context, sessionID string, edges []convergence.Edge, overall float64) error {
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestSetup(t *testing.T, factory browserd.Factory, extractor oracle.Extractor, store graph.Store) (*Pipeline, *session.Registry, *stream.Multiplexer) {
	t.Helper()
	mux := stream.New(32, nil, nil)
	reg := session.NewRegistry(session.Config{}, mux, nil, nil)
	p := New(reg, mux, factory, extractor, store, nil, nil, Config{
		CallTimeout: time.Second,
	})
	return p, reg, mux
}

func TestCaptureForwardsObservedActions(t *testing.T) {
	driver := newFakeDriver()
	extractor := &fakeExtractor{wf: &workflow.Workflow{ID: "wf-1", Name: "demo"}}
	store := newFakeStore()
	p, reg, mux := newTestSetup(t, &fakeFactory{driver: driver}, extractor, store)

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)

	sub := mux.Subscribe(snap.ID)
	require.NoError(t, p.Start(context.Background(), snap.ID, StartOptions{}))

	driver.events <- browserd.DOMEvent{Kind: "click", Target: "#submit", URL: "https://a.test"}
	driver.events <- browserd.DOMEvent{Kind: "type", Target: "#email", Payload: "a@b.test\x00", URL: "https://a.test"}

	require.Eventually(t, func() bool {
		got, err := reg.Get(snap.ID)
		return err == nil && len(got.ActionLog) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionClick, got.ActionLog[0].Kind)
	assert.Equal(t, 0, got.ActionLog[0].SequenceIndex)
	assert.Equal(t, "a@b.test", got.ActionLog[1].Payload, "control characters must be stripped")

	require.NoError(t, p.Stop(context.Background(), snap.ID, true))

	final, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateProcessed, final.State)
	assert.Equal(t, "wf-1", final.WorkflowID)

	var kinds []workflow.EventKind
	for ev := range sub.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, workflow.EventClosed, kinds[len(kinds)-1])
}

func TestCaptureDriverUnavailableFailsSession(t *testing.T) {
	factory := &fakeFactory{err: browserd.ErrUnavailable}
	p, reg, _ := newTestSetup(t, factory, &fakeExtractor{}, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)

	err = p.Start(context.Background(), snap.ID, StartOptions{})
	require.ErrorIs(t, err, browserd.ErrUnavailable)

	got, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, got.State)
	assert.Equal(t, session.KindDriverUnavailable, got.ErrorKind)
}

func TestCaptureStartRequiresIdleSession(t *testing.T) {
	driver := newFakeDriver()
	p, reg, _ := newTestSetup(t, &fakeFactory{driver: driver}, &fakeExtractor{}, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)
	require.NoError(t, reg.Transition(snap.ID, session.StateIdle, session.StateCapturing))

	err = p.Start(context.Background(), snap.ID, StartOptions{})
	assert.ErrorIs(t, err, session.ErrInvalidState)
}

func TestCaptureExtractionFailureKeepsLog(t *testing.T) {
	driver := newFakeDriver()
	extractor := &fakeExtractor{err: &oracle.ExtractionError{Err: errors.New("malformed json")}}
	p, reg, _ := newTestSetup(t, &fakeFactory{driver: driver}, extractor, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), snap.ID, StartOptions{}))

	driver.events <- browserd.DOMEvent{Kind: "click", Target: "#submit"}
	require.Eventually(t, func() bool {
		got, err := reg.Get(snap.ID)
		return err == nil && len(got.ActionLog) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err = p.Stop(context.Background(), snap.ID, true)
	require.Error(t, err)

	got, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, got.State)
	assert.Equal(t, session.KindExtractionError, got.ErrorKind)
	require.Len(t, got.ActionLog, 1, "the captured log survives a failed extraction")
}

func TestCaptureStopWithoutProcessing(t *testing.T) {
	driver := newFakeDriver()
	extractor := &fakeExtractor{}
	p, reg, _ := newTestSetup(t, &fakeFactory{driver: driver}, extractor, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), snap.ID, StartOptions{}))
	require.NoError(t, p.Stop(context.Background(), snap.ID, false))

	got, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateProcessed, got.State)
	assert.Empty(t, got.WorkflowID, "skipping extraction leaves no workflow link")

	extractor.mu.Lock()
	defer extractor.mu.Unlock()
	assert.Nil(t, extractor.gotLog, "extractor must not be called when processing is skipped")
}

func TestCaptureShutdownReleasesDriver(t *testing.T) {
	driver := newFakeDriver()
	p, reg, _ := newTestSetup(t, &fakeFactory{driver: driver}, &fakeExtractor{}, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), snap.ID, StartOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reg.Shutdown(ctx)

	assert.NoError(t, ctx.Err(), "shutdown should settle once the cancelled pipeline detaches")

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return driver.closed
	}, time.Second, 10*time.Millisecond, "the browser driver handle must be released on shutdown")

	p.mu.Lock()
	_, held := p.runs[snap.ID]
	p.mu.Unlock()
	assert.False(t, held, "the run table must not retain a shut-down session")
}

func TestCaptureStartURLNavigatesFirst(t *testing.T) {
	driver := newFakeDriver()
	extractor := &fakeExtractor{wf: &workflow.Workflow{ID: "wf-nav"}}
	p, reg, _ := newTestSetup(t, &fakeFactory{driver: driver}, extractor, newFakeStore())

	snap, err := reg.Create(session.KindCapture)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), snap.ID, StartOptions{StartURL: "https://start.test"}))

	driver.mu.Lock()
	require.Len(t, driver.execs, 1)
	assert.Equal(t, browserd.CommandNavigate, driver.execs[0].Kind)
	assert.Equal(t, "https://start.test", driver.execs[0].URL)
	driver.mu.Unlock()

	require.NoError(t, p.Stop(context.Background(), snap.ID, true))
}
