package dialog

import "strings"

// ActionKind tags one instruction from the dialog service.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionSpeak
	ActionHangup
)

// Action is one instruction from the dialog service. Text is only
// meaningful for ActionSpeak.
type Action struct {
	Kind ActionKind
	Text string
}

// TurnResult is the aggregated bot response for one dialog turn.
type TurnResult struct {
	Actions []Action
}

// Utterance joins the text of every speak action in sequence order,
// separated by a single space. An all-silent turn yields "".
func (r TurnResult) Utterance() string {
	var parts []string
	for _, a := range r.Actions {
		if a.Kind != ActionSpeak {
			continue
		}
		if t := strings.TrimSpace(a.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Hangup reports whether any action of the turn requests call termination.
func (r TurnResult) Hangup() bool {
	for _, a := range r.Actions {
		if a.Kind == ActionHangup {
			return true
		}
	}
	return false
}

// Empty reports a turn with no actions at all, which is what the fail-open
// path produces. Empty turns are not worth a missing-utterance warning.
func (r TurnResult) Empty() bool {
	return len(r.Actions) == 0
}

type wireAction struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireActions struct {
	Actions []wireAction `json:"actions"`
}

func (w wireActions) toTurnResult() TurnResult {
	result := TurnResult{}
	for _, a := range w.Actions {
		switch a.Type {
		case "text":
			result.Actions = append(result.Actions, Action{Kind: ActionSpeak, Text: a.Text})
		case "hangup":
			result.Actions = append(result.Actions, Action{Kind: ActionHangup})
		default:
			result.Actions = append(result.Actions, Action{Kind: ActionUnknown})
		}
	}
	return result
}
