// Package compensate wraps one LM turn with the repair table the harness
// uses to recover from a weak model's malformed output, escalating through
// prompt refinement, added examples, and finally a larger tier before
// surfacing a terminal failure.
package compensate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hama-jp/open-harness/internal/classify"
	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/pkg/models"
)

// ToolLookup is the minimal schema surface the pipeline needs from the tool
// registry, kept narrow so this package never imports internal/agent.
type ToolLookup interface {
	Names() []string
	Descriptor(name string) (models.ToolDescriptor, bool)
}

// Outcome is one turn's result once the pipeline has produced a usable
// response: valid tool calls (possibly zero, if the turn was narrative-only)
// matched against the registry's schemas. tool_execution and policy_violation
// never appear here — those classes are only assigned once the reasoner loop
// has actually run the tools, which happens after Run returns.
type Outcome struct {
	Response    *models.LMResponse
	ParseResult parser.Result
	Attempts    int
}

// Pipeline executes the compensation table against a single failing turn.
type Pipeline struct {
	Client     lm.ChatClient
	Tools      ToolLookup
	MaxRetries int
	Schedule   Schedule
	OnEvent    func(models.Event)
}

// requestTimeout is the per-attempt deadline §5 puts on an LM request: "LM
// request 120 s per attempt."
const requestTimeout = 120 * time.Second

// New builds a Pipeline with the spec's defaults: 3 retries and the
// transport/timeout exponential schedule.
func New(client lm.ChatClient, tools ToolLookup) *Pipeline {
	return &Pipeline{
		Client:     client,
		Tools:      tools,
		MaxRetries: 3,
		Schedule:   TransportSchedule(),
	}
}

// Run drives req through the LM, repairing recoverable failures in place,
// until it produces a response with validated tool calls or exhausts
// max_retries and returns a terminal error.
func (p *Pipeline) Run(ctx context.Context, req *lm.Request) (*Outcome, error) {
	chain := StrategyChain()
	consumed := make(map[string]bool, len(chain))

	for attempt := 1; attempt <= p.maxRetries(); attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := p.Client.Chat(attemptCtx, req)
		cancel()
		if err != nil {
			cls := classify.Classify(classify.Turn{TransportErr: err})
			p.emit(models.EventCompensation, cls, "")
			terminal, waitErr := p.recoverTransport(ctx, cls, err, attempt)
			if waitErr != nil {
				return nil, waitErr
			}
			if terminal {
				return nil, fmt.Errorf("compensation: %s exhausted after %d attempts: %w", cls, attempt, err)
			}
			continue
		}

		res := parser.Parse(resp.AssistantText, p.Tools.Names(), resp.ToolCalls)
		cls, resolved := p.resolveFuzzyIfValid(res)
		if cls == "" {
			return &Outcome{Response: resp, ParseResult: resolved, Attempts: attempt}, nil
		}

		p.emit(models.EventCompensation, cls, "")

		if attempt == p.maxRetries() {
			return nil, fmt.Errorf("compensation: %s not resolved after %d attempts", cls, attempt)
		}

		if !p.applyFirstAction(req, cls, resolved) {
			if !p.applyNextStrategy(req, chain, consumed, cls, resolved) {
				return nil, fmt.Errorf("compensation: no remaining strategy for %s", cls)
			}
		}
	}

	return nil, fmt.Errorf("compensation: exhausted %d attempts", p.maxRetries())
}

func (p *Pipeline) maxRetries() int {
	if p.MaxRetries <= 0 {
		return 3
	}
	return p.MaxRetries
}

func (p *Pipeline) emit(t models.EventType, cls models.FailureClass, strategy string) {
	if p.OnEvent == nil {
		return
	}
	p.OnEvent(models.Event{Type: t, Class: cls, Strategy: strategy})
}

// resolveFuzzyIfValid implements the wrong_tool_name first action: a fuzzy
// hit is auto-accepted only when its repaired arguments validate against the
// matched tool's declared schema.
func (p *Pipeline) resolveFuzzyIfValid(res parser.Result) (models.FailureClass, parser.Result) {
	cls := classify.Classify(classify.Turn{AssistantText: res.Narrative, ParseResult: &res})
	if cls != models.FailureWrongToolName {
		return classifyWithMissingArgs(res, p.Tools)
	}
	for i := range res.Candidates {
		c := &res.Candidates[i]
		if !c.FuzzyHit || c.Resolved == "" || c.RawJSON == "" {
			continue
		}
		desc, ok := p.Tools.Descriptor(c.Resolved)
		if !ok {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(c.RawJSON), &args); err != nil {
			continue
		}
		if classify.MissingArgs(args, desc.Args) {
			continue
		}
		res.ToolCalls = append(res.ToolCalls, models.ToolCall{
			Name:      c.Resolved,
			Arguments: json.RawMessage(c.RawJSON),
		})
		return classifyWithMissingArgs(res, p.Tools)
	}
	return models.FailureWrongToolName, res
}

// classifyWithMissingArgs re-runs the classifier once resolved tool calls are
// known, so missing_args is detected after wrong_tool_name auto-accept has
// had its chance.
func classifyWithMissingArgs(res parser.Result, tools ToolLookup) (models.FailureClass, parser.Result) {
	if len(res.ToolCalls) == 0 {
		cls := classify.Classify(classify.Turn{AssistantText: res.Narrative, ParseResult: &res})
		return cls, res
	}
	for _, call := range res.ToolCalls {
		desc, ok := tools.Descriptor(call.Name)
		if !ok {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			continue
		}
		if classify.MissingArgs(args, desc.Args) {
			return models.FailureMissingArgs, res
		}
	}
	return "", res
}

// recoverTransport applies the transport/timeout/rate_limited first actions.
// It returns terminal=true when the caller should give up.
func (p *Pipeline) recoverTransport(ctx context.Context, cls models.FailureClass, err error, attempt int) (terminal bool, waitErr error) {
	switch cls {
	case models.FailureRateLimited:
		cooldown := 15 * time.Minute
		var rl *lm.ErrRateLimited
		if errors.As(err, &rl) {
			cooldown = rl.Cooldown
		}
		if attempt >= p.maxRetries() {
			return true, nil
		}
		if werr := sleep(ctx, cooldown); werr != nil {
			return false, werr
		}
		return false, nil
	case models.FailureTimeout, models.FailureTransport:
		if attempt >= p.maxRetries() {
			return true, nil
		}
		if werr := sleep(ctx, p.Schedule.Delay(attempt-1)); werr != nil {
			return false, werr
		}
		return false, nil
	default:
		return true, nil
	}
}

// applyFirstAction implements the table's cheapest-first repair for classes
// that don't need an LM roundtrip to resolve: malformed_json's aggressive
// re-parse already happened inside parser.Parse, so by the time we're here
// the first action either already succeeded (cls would be empty) or must
// fall through to the strategy chain.
func (p *Pipeline) applyFirstAction(req *lm.Request, cls models.FailureClass, res parser.Result) bool {
	switch cls {
	case models.FailureMissingArgs:
		for _, call := range res.ToolCalls {
			desc, ok := p.Tools.Descriptor(call.Name)
			if !ok {
				continue
			}
			refinePrompt(req, argumentSchemaNote(desc))
			return true
		}
		return false
	case models.FailureEmptyResponse:
		escalateModel(req, "")
		return true
	default:
		return false
	}
}

// applyNextStrategy advances req through the next unconsumed strategy in the
// fixed chain, returning false once all three are exhausted.
func (p *Pipeline) applyNextStrategy(req *lm.Request, chain []Strategy, consumed map[string]bool, cls models.FailureClass, res parser.Result) bool {
	detail := detailFor(cls, res, p.Tools)
	for _, s := range chain {
		if consumed[s.Name] {
			continue
		}
		if s.Adjust(req, detail) {
			consumed[s.Name] = true
			return true
		}
		consumed[s.Name] = true
	}
	return false
}

func detailFor(cls models.FailureClass, res parser.Result, tools ToolLookup) string {
	switch cls {
	case models.FailureMalformedJSON:
		for _, c := range res.Candidates {
			if c.RepairErr != nil {
				return c.RepairErr.Error()
			}
		}
		return "response did not contain valid JSON"
	case models.FailureWrongToolName:
		var closest string
		for _, c := range res.Candidates {
			if c.FuzzyHit {
				closest = c.Resolved
			}
		}
		return toolListNote(tools.Names(), closest)
	case models.FailureProseWrapped:
		return "emit JSON only, with no surrounding prose"
	default:
		return ""
	}
}
