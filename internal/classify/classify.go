// Package classify assigns exactly one FailureClass to a failed turn,
// evaluating the rules top-down the same way the agent package's
// classifyToolError cascade picks a ToolErrorType.
package classify

import (
	"errors"
	"strings"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/pkg/models"
)

// Turn is everything the classifier needs to see about one reasoner turn.
// Not every field is populated for every outcome; Classify only reads what
// the rule it's currently evaluating needs, and stops at the first rule that
// matches, same as classifyToolError's cascade.
type Turn struct {
	AssistantText string
	ParseResult   *parser.Result
	MissingArgs   bool
	ToolResult    *models.ToolResult
	PolicyDenied  bool
	TransportErr  error
}

// Classify evaluates the turn outcome against the rule cascade, in the exact
// top-down order: empty response, malformed JSON, wrong tool name, missing
// args, prose-wrapped, tool execution, policy violation, then transport.
func Classify(t Turn) models.FailureClass {
	noText := strings.TrimSpace(t.AssistantText) == ""
	noCalls := t.ParseResult == nil || len(t.ParseResult.ToolCalls) == 0
	if noText && noCalls && t.ParseResult == nil && t.TransportErr == nil {
		return models.FailureEmptyResponse
	}

	if t.ParseResult != nil {
		if cls, ok := classifyParse(*t.ParseResult); ok {
			return cls
		}
		if noCalls && noText {
			return models.FailureEmptyResponse
		}
	}

	if t.MissingArgs {
		return models.FailureMissingArgs
	}

	if t.ToolResult != nil && !t.ToolResult.OK {
		return models.FailureToolExecution
	}

	if t.PolicyDenied {
		return models.FailurePolicyViolation
	}

	if t.TransportErr != nil {
		return classifyTransport(t.TransportErr)
	}

	return models.FailureEmptyResponse
}

// classifyParse walks the parser's recorded candidates, which each carry
// enough state (RepairErr, Resolved, FuzzyHit) to answer which rule applies
// without the classifier re-parsing anything itself.
func classifyParse(res parser.Result) (models.FailureClass, bool) {
	if len(res.ToolCalls) > 0 {
		return "", false
	}
	if len(res.Candidates) == 0 {
		return "", false
	}

	sawProseUnmatched := false
	sawRepairFailure := false
	sawUnknownName := false

	for _, c := range res.Candidates {
		switch {
		case c.Shape == parser.ShapeProseUnmatched:
			sawProseUnmatched = true
		case c.RepairErr != nil:
			sawRepairFailure = true
		case c.Resolved == "" || c.FuzzyHit:
			sawUnknownName = true
		}
	}

	switch {
	case sawRepairFailure:
		return models.FailureMalformedJSON, true
	case sawUnknownName:
		return models.FailureWrongToolName, true
	case sawProseUnmatched:
		return models.FailureProseWrapped, true
	}
	return "", false
}

// MissingArgs reports whether a resolved call is missing a required argument
// against its tool's schema, surfaced separately from Classify because it
// needs the tool descriptor rather than just the parse candidate.
func MissingArgs(args map[string]any, spec map[string]models.ArgSpec) bool {
	for name, s := range spec {
		if !s.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			return true
		}
	}
	return false
}

func classifyTransport(err error) models.FailureClass {
	var rl *lm.ErrRateLimited
	if errors.As(err, &rl) {
		return models.FailureRateLimited
	}
	var to *lm.ErrTimeout
	if errors.As(err, &to) {
		return models.FailureTimeout
	}
	return models.FailureTransport
}
