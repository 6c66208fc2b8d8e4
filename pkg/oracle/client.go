package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sissississi-013/parrot/pkg/browserd"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

// ClientConfig configures the chat-completions oracle client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds every oracle call.
	Timeout time.Duration
}

// Client implements Extractor and Planner against any OpenAI-compatible
// chat-completions endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates an oracle client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding oracle response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("oracle error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("oracle returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Wire shapes the model is asked to produce.
type extractedStep struct {
	StepNumber int      `json:"step_number"`
	StepName   string   `json:"step_name"`
	Actions    []string `json:"actions"`
	Reasoning  string   `json:"reasoning"`
}

type extractedWorkflow struct {
	WorkflowName string          `json:"workflow_name"`
	Steps        []extractedStep `json:"steps"`
}

// Extract implements Extractor.
func (c *Client) Extract(ctx context.Context, actions []workflow.ObservedAction, meta SessionMeta) (*workflow.Workflow, error) {
	log, err := json.Marshal(actions)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	prompt := fmt.Sprintf(`You are analyzing an expert employee's workflow session.

Session Context:
- Task Type: %s
- User Role: %s
- Number of Actions: %d

Actions Sequence:
%s

Identify discrete workflow steps (group related actions). For each step give
a concise action-oriented name, the actions involved as "kind target" pairs,
and WHY the step is taken.

Respond with ONLY JSON in this shape:
{"workflow_name": "descriptive name", "steps": [{"step_number": 1, "step_name": "name", "actions": ["click #submit"], "reasoning": "why"}]}`,
		meta.TaskType, meta.Role, len(actions), log)

	text, err := c.complete(ctx, prompt, 4000)
	if err != nil {
		return nil, &ExtractionError{Err: err}
	}

	var wire extractedWorkflow
	if err := json.Unmarshal(extractJSON(text), &wire); err != nil {
		return nil, &ExtractionError{Err: fmt.Errorf("parsing workflow: %w", err)}
	}
	if len(wire.Steps) == 0 {
		return nil, &ExtractionError{Err: fmt.Errorf("no steps extracted")}
	}

	wf := &workflow.Workflow{
		ID:        uuid.NewString(),
		Name:      wire.WorkflowName,
		TaskType:  meta.TaskType,
		SessionID: meta.SessionID,
		CreatedAt: time.Now().UTC(),
	}
	for i, s := range wire.Steps {
		step := workflow.WorkflowStep{
			Ordinal:   i,
			Name:      s.StepName,
			Reasoning: s.Reasoning,
		}
		for _, a := range s.Actions {
			step.TargetActions = append(step.TargetActions, parseActionSpec(a))
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// Plan implements Planner.
func (c *Client) Plan(ctx context.Context, step workflow.WorkflowStep, currentURL, priorFailure string) ([]browserd.Command, error) {
	specs, err := json.Marshal(step.TargetActions)
	if err != nil {
		return nil, &PlanningError{Err: err}
	}

	prompt := fmt.Sprintf(`You are a browser automation agent replaying an expert's workflow step.

Current browser URL: %s

Workflow Step:
- Name: %s
- Reasoning: %s
- Actions described: %s

Determine the browser commands to perform. Respond with ONLY a JSON array of
commands. Available kinds:
- {"kind": "navigate", "url": "https://..."}
- {"kind": "click", "selector": "CSS selector or text content"}
- {"kind": "type", "selector": "CSS selector", "text": "text to type"}
- {"kind": "scroll", "amount": 300}
- {"kind": "wait", "seconds": 2}`,
		currentURL, step.Name, step.Reasoning, specs)

	if priorFailure != "" {
		prompt += fmt.Sprintf("\n\nA previous attempt at this step failed: %s\nPlan around that failure.", priorFailure)
	}

	text, err := c.complete(ctx, prompt, 1000)
	if err != nil {
		return nil, &PlanningError{Err: err}
	}

	var cmds []browserd.Command
	if err := json.Unmarshal(extractJSON(text), &cmds); err != nil {
		return nil, &PlanningError{Err: fmt.Errorf("parsing commands: %w", err)}
	}
	return cmds, nil
}

type guidanceWire struct {
	ExpertAction struct {
		StepName        string   `json:"step_name"`
		Actions         []string `json:"actions"`
		ExpectedOutcome string   `json:"expected_outcome"`
	} `json:"expert_action"`
	Reasoning        string   `json:"reasoning"`
	ConvergenceScore *float64 `json:"convergence_score"`
	Feedback         string   `json:"feedback"`
	NextStepHint     string   `json:"next_step_hint"`
}

// Guide implements Coach.
func (c *Client) Guide(ctx context.Context, wf *workflow.Workflow, stepOrdinal int, trainee *workflow.ObservedAction) (*Guidance, error) {
	if stepOrdinal < 0 {
		return nil, &GuidanceError{Err: fmt.Errorf("negative step ordinal %d", stepOrdinal)}
	}
	if stepOrdinal >= len(wf.Steps) {
		return &Guidance{StepOrdinal: stepOrdinal, Completed: true}, nil
	}
	step := wf.Steps[stepOrdinal]

	stepJSON, err := json.Marshal(step)
	if err != nil {
		return nil, &GuidanceError{Err: err}
	}
	observed := "The trainee has not acted yet."
	if trainee != nil {
		actJSON, err := json.Marshal(trainee)
		if err != nil {
			return nil, &GuidanceError{Err: err}
		}
		observed = "Trainee's action: " + string(actJSON)
	}

	prompt := fmt.Sprintf(`You are coaching a new employee through an expert's workflow.

Workflow: %s
Current Step: %d of %d

Expert's Step:
%s

%s

Explain what to do and why, like teaching. Grade the trainee's action only
when one was given. Respond with ONLY JSON in this shape:
{"expert_action": {"step_name": "what to do", "actions": ["specific actions"], "expected_outcome": "what should happen"}, "reasoning": "why this step matters", "convergence_score": 0.0, "feedback": "only when an action was given", "next_step_hint": "what comes next"}`,
		wf.Name, stepOrdinal+1, len(wf.Steps), stepJSON, observed)

	text, err := c.complete(ctx, prompt, 2000)
	if err != nil {
		return nil, &GuidanceError{Err: err}
	}

	var wire guidanceWire
	if err := json.Unmarshal(extractJSON(text), &wire); err != nil {
		return nil, &GuidanceError{Err: fmt.Errorf("parsing guidance: %w", err)}
	}
	g := &Guidance{
		StepOrdinal:  stepOrdinal,
		StepName:     wire.ExpertAction.StepName,
		Actions:      wire.ExpertAction.Actions,
		Expected:     wire.ExpertAction.ExpectedOutcome,
		Reasoning:    wire.Reasoning,
		NextStepHint: wire.NextStepHint,
	}
	if trainee != nil {
		g.Score = wire.ConvergenceScore
		g.Feedback = wire.Feedback
	}
	return g, nil
}

// parseActionSpec splits a "kind target" description back into a spec.
func parseActionSpec(s string) workflow.ActionSpec {
	kind := workflow.ActionOther
	target := s
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			kind = workflow.ParseActionKind(s[:i])
			target = s[i+1:]
			break
		}
	}
	if target == s {
		if k := workflow.ParseActionKind(s); k != workflow.ActionOther {
			kind = k
			target = ""
		}
	}
	return workflow.ActionSpec{Kind: kind, Target: target}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
