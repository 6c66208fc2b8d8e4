// Package capture drives capture sessions: it owns the browser driver for
// the session's lifetime, forwards observed DOM events into the session log
// and event stream, and on stop optionally runs extraction and persists the
// resulting workflow.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/oracle"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/telemetry"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// Config tunes the capture pipeline.
type Config struct {
	// CallTimeout bounds each oracle and graph store call.
	CallTimeout time.Duration

	// ScreenshotInterval is the cadence of periodic frame capture.
	// Zero disables periodic screenshots.
	ScreenshotInterval time.Duration

	// FrameDir is where captured frames are written; the file path is the
	// opaque screenshot handle. Empty keeps handles synthetic.
	FrameDir string
}

// StartOptions carries session context provided at capture start.
type StartOptions struct {
	UserID   string
	TaskType string
	StartURL string
}

// Pipeline is the capture session driver.
type Pipeline struct {
	reg       *session.Registry
	mux       *stream.Multiplexer
	drivers   browserd.Factory
	extractor oracle.Extractor
	store     graph.Store
	log       *logging.Logger
	metrics   *telemetry.Metrics
	cfg       Config

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	driver browserd.Driver
	cancel context.CancelFunc
	done   chan struct{}
	opts   StartOptions
}

// New creates the capture pipeline.
func New(reg *session.Registry, mux *stream.Multiplexer, drivers browserd.Factory,
	extractor oracle.Extractor, store graph.Store,
	log *logging.Logger, metrics *telemetry.Metrics, cfg Config) *Pipeline {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &Pipeline{
		reg:       reg,
		mux:       mux,
		drivers:   drivers,
		extractor: extractor,
		store:     store,
		log:       log,
		metrics:   metrics,
		cfg:       cfg,
		runs:      make(map[string]*run),
	}
}

// Start transitions the session to capturing, acquires a browser driver, and
// begins forwarding its DOM events into the session log and stream. A driver
// acquisition failure moves the session straight to failed.
func (p *Pipeline) Start(ctx context.Context, id string, opts StartOptions) error {
	if err := p.reg.Transition(id, session.StateIdle, session.StateCapturing); err != nil {
		return err
	}

	driver, err := p.drivers.Open(ctx, id)
	if err != nil {
		p.reg.Fail(id, session.StateCapturing, session.KindDriverUnavailable,
			fmt.Sprintf("could not acquire browser driver: %v", err))
		return err
	}

	if opts.StartURL != "" {
		execCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		_, navErr := driver.Execute(execCtx, browserd.Command{Kind: browserd.CommandNavigate, URL: opts.StartURL})
		cancel()
		p.metrics.RecordDriverCall(navErr)
		if navErr != nil {
			driver.Close()
			p.reg.Fail(id, session.StateCapturing, session.KindDriverError,
				fmt.Sprintf("initial navigation failed: %v", navErr))
			return navErr
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := p.reg.Attach(id, cancel); err != nil {
		cancel()
		driver.Close()
		return err
	}

	r := &run{driver: driver, cancel: cancel, done: make(chan struct{}), opts: opts}
	p.mu.Lock()
	p.runs[id] = r
	p.mu.Unlock()

	go p.forward(runCtx, id, r)

	p.log.Info(logging.CategoryCapture, "started", id, map[string]any{"start_url": opts.StartURL})
	return nil
}

// forward pumps driver events and periodic screenshots until cancelled. Stop
// takes ownership of cleanup by removing the run from the table before it
// cancels; when the run is still in the table on exit, the cancel came from
// elsewhere (registry shutdown, or the driver feed closing on its own) and
// the goroutine releases the driver handle and the pipeline claim itself.
func (p *Pipeline) forward(ctx context.Context, id string, r *run) {
	defer close(r.done)
	defer func() {
		p.mu.Lock()
		_, owned := p.runs[id]
		if owned {
			delete(p.runs, id)
		}
		p.mu.Unlock()
		if owned {
			r.driver.Close()
			p.reg.Detach(id)
			p.log.Info(logging.CategoryCapture, "driver_released", id, nil)
		}
	}()

	var tick <-chan time.Time
	if p.cfg.ScreenshotInterval > 0 {
		ticker := time.NewTicker(p.cfg.ScreenshotInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.driver.Events():
			if !ok {
				return
			}
			p.ingest(id, ev)
		case <-tick:
			p.captureFrame(ctx, id, r)
		}
	}
}

// ingest sanitizes and records one observed DOM event. Payloads come from a
// remote browser context and are untrusted until sanitized.
func (p *Pipeline) ingest(id string, ev browserd.DOMEvent) {
	act := workflow.SanitizeAction(workflow.ObservedAction{
		Kind:      workflow.ParseActionKind(ev.Kind),
		Target:    ev.Target,
		Payload:   ev.Payload,
		URL:       ev.URL,
		Timestamp: ev.Timestamp,
	})
	act, err := p.reg.Append(id, act)
	if err != nil {
		return
	}
	p.metrics.RecordActionCaptured()
	p.mux.Publish(id, workflow.ActionEvent(id, act))
}

func (p *Pipeline) captureFrame(ctx context.Context, id string, r *run) {
	shotCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	frame, err := r.driver.Screenshot(shotCtx)
	cancel()
	if err != nil {
		p.log.Debug(logging.CategoryCapture, "screenshot_failed", id, map[string]any{"error": err.Error()})
		return
	}
	handle := p.storeFrame(id, frame)
	p.reg.SetScreenshot(id, handle)
	p.mux.Publish(id, workflow.ScreenshotEvent(id, handle))
}

func (p *Pipeline) storeFrame(id string, frame []byte) string {
	name := ulid.Make().String()
	if p.cfg.FrameDir == "" {
		return name
	}
	dir := filepath.Join(p.cfg.FrameDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return name
	}
	path := filepath.Join(dir, name+".bin")
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return name
	}
	return path
}

// Stop halts capture and, when process is set, synchronously extracts a
// workflow from the action log and persists it. Oracle or store failures
// move the session to failed with the captured log intact, so extraction can
// be retried later against the same data.
func (p *Pipeline) Stop(ctx context.Context, id string, process bool) error {
	if err := p.reg.Transition(id, session.StateCapturing, session.StateStopping); err != nil {
		return err
	}

	p.mu.Lock()
	r, ok := p.runs[id]
	if ok {
		delete(p.runs, id)
	}
	p.mu.Unlock()

	if ok {
		r.cancel()
		r.driver.Close()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
	defer p.reg.Detach(id)

	if !process {
		return p.reg.Transition(id, session.StateStopping, session.StateProcessed)
	}

	snap, err := p.reg.Get(id)
	if err != nil {
		return err
	}

	meta := oracle.SessionMeta{SessionID: id, Role: "expert"}
	if ok {
		meta.UserID = r.opts.UserID
		meta.TaskType = r.opts.TaskType
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	wf, err := p.extractor.Extract(extractCtx, snap.ActionLog, meta)
	cancel()
	p.metrics.RecordOracleCall("extract", err)
	if err != nil {
		p.reg.Fail(id, session.StateStopping, session.KindExtractionError, err.Error())
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	workflowID, err := p.store.WriteWorkflow(writeCtx, wf)
	cancel()
	if err != nil {
		p.reg.Fail(id, session.StateStopping, session.KindStoreError, err.Error())
		return err
	}
	p.reg.SetWorkflowID(id, workflowID)

	p.log.Info(logging.CategoryCapture, "processed", id, map[string]any{
		"workflow_id": workflowID, "steps": len(wf.Steps), "actions": len(snap.ActionLog),
	})
	return p.reg.Transition(id, session.StateStopping, session.StateProcessed)
}
