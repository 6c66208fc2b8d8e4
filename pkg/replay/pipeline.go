// Package replay walks a stored workflow step by step against a live browser
// driver: each step is planned into primitive commands by the planning
// oracle, executed, and screenshotted. Stops are cooperative and scoring of
// the resulting trace against the workflow is a separate, explicit call.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/convergence"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/oracle"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/telemetry"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// Config tunes the replay pipeline.
type Config struct {
	// CallTimeout bounds each oracle, driver, and store call.
	CallTimeout time.Duration

	// RetryBudget is the number of re-plans allowed per step after a
	// failure. The failure reason is fed back into the retry plan.
	RetryBudget int
}

// Pipeline is the replay session driver.
type Pipeline struct {
	reg     *session.Registry
	mux     *stream.Multiplexer
	drivers browserd.Factory
	planner oracle.Planner
	store   graph.Store
	engine  *convergence.Engine
	log     *logging.Logger
	metrics *telemetry.Metrics
	cfg     Config

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	driver browserd.Driver
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the replay pipeline.
func New(reg *session.Registry, mux *stream.Multiplexer, drivers browserd.Factory,
	planner oracle.Planner, store graph.Store, engine *convergence.Engine,
	log *logging.Logger, metrics *telemetry.Metrics, cfg Config) *Pipeline {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	return &Pipeline{
		reg:     reg,
		mux:     mux,
		drivers: drivers,
		planner: planner,
		store:   store,
		engine:  engine,
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		runs:    make(map[string]*run),
	}
}

// Start loads the workflow, transitions the session to running, acquires a
// driver, and begins the step loop in the background. An unknown workflow id
// fails before any state change.
func (p *Pipeline) Start(ctx context.Context, id, workflowID string) error {
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	wf, err := p.store.ReadWorkflow(readCtx, workflowID)
	cancel()
	if err != nil {
		return err
	}

	if err := p.reg.Transition(id, session.StateIdle, session.StateRunning); err != nil {
		return err
	}
	p.reg.SetWorkflowID(id, workflowID)

	driver, err := p.drivers.Open(ctx, id)
	if err != nil {
		p.reg.Fail(id, session.StateRunning, session.KindDriverUnavailable,
			fmt.Sprintf("could not acquire browser driver: %v", err))
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := p.reg.Attach(id, cancelRun); err != nil {
		cancelRun()
		driver.Close()
		return err
	}

	r := &run{driver: driver, cancel: cancelRun, done: make(chan struct{})}
	p.mu.Lock()
	p.runs[id] = r
	p.mu.Unlock()

	go p.walk(runCtx, id, r, wf)

	p.log.Info(logging.CategoryReplay, "started", id, map[string]any{
		"workflow_id": workflowID, "steps": len(wf.Steps),
	})
	return nil
}

// walk executes the workflow steps in order until completion, failure, or a
// cooperative cancel. Cancellation is honored between command dispatches so
// an in-flight command always runs to completion.
func (p *Pipeline) walk(ctx context.Context, id string, r *run, wf *workflow.Workflow) {
	defer close(r.done)
	defer func() {
		r.driver.Close()
		p.mu.Lock()
		delete(p.runs, id)
		p.mu.Unlock()
		p.reg.Detach(id)
	}()

	currentURL := ""
	for _, step := range wf.Steps {
		if ctx.Err() != nil {
			p.finish(id, session.StateCancelled)
			return
		}

		url, cancelled, reason, errKind := p.runStep(ctx, id, r.driver, step, currentURL)
		if cancelled {
			p.finish(id, session.StateCancelled)
			return
		}
		if reason != "" {
			p.metrics.RecordStepFailure()
			p.reg.Fail(id, session.StateRunning, errKind,
				fmt.Sprintf("step %d %q: %s", step.Ordinal, step.Name, reason))
			return
		}
		currentURL = url

		p.metrics.RecordStepReplayed()
	}

	p.finish(id, session.StateCompleted)
}

// runStep plans and executes one step, retrying within the budget. It
// returns the page URL after the step, whether the run was cancelled, and a
// non-empty reason plus an error kind when the step exhausted its retries.
func (p *Pipeline) runStep(ctx context.Context, id string, driver browserd.Driver,
	step workflow.WorkflowStep, currentURL string) (url string, cancelled bool, reason, errKind string) {
	priorFailure := ""
	failKind := session.KindPlanningError
	for attempt := 0; attempt <= p.cfg.RetryBudget; attempt++ {
		if ctx.Err() != nil {
			return currentURL, true, "", ""
		}

		commands, err := p.plan(ctx, step, currentURL, priorFailure)
		if err != nil {
			priorFailure = err.Error()
			failKind = session.KindPlanningError
			p.log.Warn(logging.CategoryReplay, "plan_failed", id, map[string]any{
				"step": step.Ordinal, "attempt": attempt, "error": priorFailure,
			})
			continue
		}

		url, cancelled, execErr := p.execute(ctx, id, driver, step, commands, currentURL)
		if cancelled {
			return url, true, "", ""
		}
		if execErr != nil {
			priorFailure = execErr.Error()
			failKind = session.KindDriverError
			currentURL = url
			p.log.Warn(logging.CategoryReplay, "step_exec_failed", id, map[string]any{
				"step": step.Ordinal, "attempt": attempt, "error": priorFailure,
			})
			continue
		}
		return url, false, "", ""
	}
	return currentURL, false, priorFailure, failKind
}

// plan asks the planning oracle for the step's command list. An empty plan
// is a planning failure.
func (p *Pipeline) plan(ctx context.Context, step workflow.WorkflowStep, currentURL, priorFailure string) ([]browserd.Command, error) {
	planCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	commands, err := p.planner.Plan(planCtx, step, currentURL, priorFailure)
	cancel()
	p.metrics.RecordOracleCall("plan", err)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("planner returned no commands")
	}
	return commands, nil
}

// execute dispatches the step's commands in order, logging each executed
// command into the session trace and capturing a frame after it. The command
// in flight when the run is cancelled completes; no further commands are
// dispatched after it.
func (p *Pipeline) execute(ctx context.Context, id string, driver browserd.Driver,
	step workflow.WorkflowStep, commands []browserd.Command, currentURL string) (url string, cancelled bool, err error) {
	url = currentURL
	for k, cmd := range commands {
		if ctx.Err() != nil {
			return url, true, nil
		}

		// The command context derives from the call timeout, not the run
		// context, so a cooperative cancel never aborts a command mid-flight.
		execCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
		res, execErr := driver.Execute(execCtx, cmd)
		cancel()
		p.metrics.RecordDriverCall(execErr)
		if execErr != nil {
			return url, false, execErr
		}
		if res.URL != "" {
			url = res.URL
		}

		act, appendErr := p.reg.Append(id, workflow.ObservedAction{
			Kind:      cmd.ActionKind(),
			Target:    cmd.Target(),
			Payload:   cmd.Text,
			URL:       url,
			Timestamp: time.Now().UTC(),
		})
		if appendErr == nil {
			p.mux.Publish(id, workflow.ActionEvent(id, act))
		}
		p.snapshot(id, driver, step, fmt.Sprintf("%s/step-%d-%d", id, step.Ordinal, k))
	}
	return url, false, nil
}

// snapshot captures one frame after an executed command. Screenshot failures
// are tolerated. Like command execution, the capture is bounded by the call
// timeout rather than the run context, so a frame for the final command of a
// cancelled run still lands.
func (p *Pipeline) snapshot(id string, driver browserd.Driver, step workflow.WorkflowStep, handle string) {
	shotCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
	_, err := driver.Screenshot(shotCtx)
	cancel()
	if err != nil {
		p.log.Debug(logging.CategoryReplay, "screenshot_failed", id, map[string]any{
			"step": step.Ordinal, "error": err.Error(),
		})
		return
	}
	p.reg.SetScreenshot(id, handle)
	p.mux.Publish(id, workflow.ScreenshotEvent(id, handle))
}

func (p *Pipeline) finish(id string, terminal session.State) {
	if err := p.reg.Transition(id, session.StateRunning, terminal); err != nil {
		p.log.Warn(logging.CategoryReplay, "finish_transition_failed", id, map[string]any{
			"target": string(terminal), "error": err.Error(),
		})
		return
	}
	p.log.Info(logging.CategoryReplay, "finished", id, map[string]any{"state": string(terminal)})
}

// Stop requests a cooperative cancel of a running replay. The step loop
// finishes its in-flight command and then transitions the session to
// cancelled. Stopping a session that is not running is a state error.
func (p *Pipeline) Stop(ctx context.Context, id string) error {
	snap, err := p.reg.Get(id)
	if err != nil {
		return err
	}
	if snap.State != session.StateRunning {
		return &session.InvalidTransitionError{
			ID:       id,
			Expected: session.StateRunning,
			Actual:   snap.State,
			Next:     session.StateCancelled,
		}
	}

	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if !ok {
		// The run finished between the state check and the lookup. The
		// session still exists, so report its state rather than a miss.
		snap, err = p.reg.Get(id)
		if err != nil {
			return err
		}
		return &session.InvalidTransitionError{
			ID:       id,
			Expected: session.StateRunning,
			Actual:   snap.State,
			Next:     session.StateCancelled,
		}
	}

	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Score computes convergence between the replay trace and its workflow and
// persists the resulting alignment edges as one batch. The session must
// have reached a terminal state first.
func (p *Pipeline) Score(ctx context.Context, id string) (convergence.Result, error) {
	snap, err := p.reg.Get(id)
	if err != nil {
		return convergence.Result{}, err
	}
	if !snap.State.Terminal() {
		return convergence.Result{}, &session.InvalidTransitionError{
			ID:       id,
			Expected: session.StateCompleted,
			Actual:   snap.State,
			Next:     session.StateCompleted,
		}
	}
	if snap.WorkflowID == "" {
		return convergence.Result{}, graph.ErrNotFound
	}

	readCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	wf, err := p.store.ReadWorkflow(readCtx, snap.WorkflowID)
	cancel()
	if err != nil {
		return convergence.Result{}, err
	}

	result := p.engine.Score(wf.Steps, snap.ActionLog)
	p.metrics.RecordConvergence(result.Overall, result.PerStep)

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	err = p.store.WriteAlignment(writeCtx, id, result.Edges, result.Overall)
	cancel()
	if err != nil {
		return convergence.Result{}, err
	}

	p.log.Info(logging.CategoryConvergence, "scored", id, map[string]any{
		"workflow_id": snap.WorkflowID, "overall": result.Overall, "edges": len(result.Edges),
	})
	return result, nil
}
