package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"autosmith/internal/fault"
	"autosmith/internal/logging"
)

// BuildRequestText renders a builder payload as a single prompt. The strict
// output hint comes first so it survives model truncation.
func BuildRequestText(payload map[string]interface{}, minimal bool, addendum string) (string, error) {
	contract, _ := payload["output_contract"].(string)
	hint := "Return ONLY a single minified JSON object. No markdown. No commentary. " +
		"Do NOT echo candidates/capabilities. "
	if minimal {
		hint += "Keep it VERY short. "
	}
	if addendum != "" {
		hint = "ADDENDUM:\n" + addendum + "\n\n" + hint
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal builder payload: %w", err)
	}
	return hint + "\nCONTRACT:\n" + contract + "\n\nINPUT_JSON:\n" + string(raw), nil
}

// CallBuilderJSON runs the builder escalation ladder: the full payload
// against the primary builder, then the minimal payload, then the fallback
// builder with a conservative addendum. The first parseable JSON object
// wins. Usage is aggregated across all attempts.
func CallBuilderJSON(ctx context.Context, client Client, primaryID, fallbackID string, payload, minimal map[string]interface{}, addendum string, trace *Trace) (map[string]interface{}, Usage, error) {
	var total Usage

	attempt := func(agentID string, p map[string]interface{}, min bool, add string) (map[string]interface{}, string) {
		if agentID == "" {
			return nil, "agent_id_not_set"
		}
		text, err := BuildRequestText(p, min, add)
		if err != nil {
			return nil, "payload_marshal"
		}
		res, err := client.Chat(ctx, agentID, text, "")
		total.InputTokens += res.Usage.InputTokens
		total.OutputTokens += res.Usage.OutputTokens
		if err != nil {
			return nil, "exception"
		}
		if LooksLikeBadOutput(res.Reply) {
			return nil, "bad_output"
		}
		parsed, ok := ParseJSONReply(res.Reply)
		if !ok {
			return nil, "invalid_json"
		}
		return parsed, ""
	}

	if err := ctx.Err(); err != nil {
		return nil, total, err
	}
	parsed, detail := attempt(primaryID, payload, false, "")
	if parsed != nil {
		trace.Record("builder", primaryID, true, "")
		return parsed, total, nil
	}
	logging.APIDebug("builder full attempt failed: %s", detail)

	if err := ctx.Err(); err != nil {
		return nil, total, err
	}
	parsed, detail = attempt(primaryID, minimal, true, "")
	if parsed != nil {
		trace.Record("builder", primaryID, true, "retry_minimal")
		return parsed, total, nil
	}
	logging.APIDebug("builder minimal attempt failed: %s", detail)

	if fallbackID != "" {
		if err := ctx.Err(); err != nil {
			return nil, total, err
		}
		parsed, detail = attempt(fallbackID, minimal, true, addendum)
		if parsed != nil {
			trace.Record("builder", fallbackID, true, "fallback")
			return parsed, total, nil
		}
		logging.APIDebug("fallback builder attempt failed: %s", detail)
	}

	trace.Record("builder", primaryID, false, detail)
	if err := ctx.Err(); err != nil {
		return nil, total, err
	}
	return nil, total, &fault.AgentError{Role: "builder", AgentID: primaryID, Op: "build", Detail: detail}
}
