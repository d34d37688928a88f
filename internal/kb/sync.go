package kb

import (
	"context"
	"strings"

	"autosmith/internal/agent"
)

const defaultSyncConfidence = 0.55

// Syncer asks the kb-sync helper role to review a learn note before it is
// committed: a short intent summary plus clarifying questions for the user.
// The regex preview never depends on it; a failed call degrades to an empty
// annotation.
type Syncer struct {
	agents        agent.Client
	agentID       string
	minConfidence float64
}

func NewSyncer(agents agent.Client, agentID string, minConfidence float64) *Syncer {
	if minConfidence <= 0 {
		minConfidence = defaultSyncConfidence
	}
	return &Syncer{agents: agents, agentID: agentID, minConfidence: minConfidence}
}

// Annotation carries the helper's read of a learn note.
type Annotation struct {
	IntentSummary string         `json:"intent_summary"`
	Questions     []string       `json:"questions"`
	Confidence    float64        `json:"confidence,omitempty"`
	AgentStatus   []agent.Status `json:"agent_status,omitempty"`
}

// Review sends the note, the document under discussion, and the capabilities
// subset to the kb-sync helper.
func (s *Syncer) Review(ctx context.Context, note, doc string, caps map[string]interface{}) Annotation {
	trace := agent.NewTrace()
	payload := map[string]interface{}{
		"user_request": note,
		"capabilities": caps,
	}
	if doc != "" {
		payload["current_yaml"] = doc
	}
	out, _ := agent.CallHelperJSON(ctx, s.agents, "kb_sync", s.agentID, payload,
		[]string{"questions"}, s.minConfidence, trace)

	ann := Annotation{AgentStatus: trace.Finish()}
	if out == nil {
		return ann
	}
	if v, ok := out["intent_summary"].(string); ok {
		ann.IntentSummary = strings.TrimSpace(v)
	}
	if list, ok := out["questions"].([]interface{}); ok {
		for _, raw := range list {
			if q, ok := raw.(string); ok && strings.TrimSpace(q) != "" {
				ann.Questions = append(ann.Questions, strings.TrimSpace(q))
			}
		}
	}
	if v, ok := out["confidence"].(float64); ok {
		ann.Confidence = v
	}
	return ann
}
