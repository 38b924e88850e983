// Package escalate surfaces stalled assessments to a human operator.
package escalate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Notice describes one stall that needs a human decision: a deadlocked
// negotiation, or a pipeline halted at the gate. The negotiation fields are
// empty for gate-level notices.
type Notice struct {
	CaseID        string    `json:"case_id"`
	NegotiationID string    `json:"negotiation_id"`
	RiskID        string    `json:"risk_id"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// FileName is the marker file operators watch for in a workspace.
const FileName = "HUMAN_INTERVENTION_REQUIRED.txt"

// File appends notices to the workspace marker file. The file accumulates;
// resolving the case is the operator's cue to remove it.
type File struct {
	Workspace string
}

func (f File) path() string {
	ws := f.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, FileName)
}

func (f File) Notify(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open escalation file: %w", err)
	}
	defer fh.Close()
	line := fmt.Sprintf("%s case=%s negotiation=%s risk=%s reason=%s %s\n",
		n.At.UTC().Format(time.RFC3339), n.CaseID, n.NegotiationID, n.RiskID, n.Reason, n.Detail)
	if _, err := fh.WriteString(line); err != nil {
		return fmt.Errorf("write escalation: %w", err)
	}
	return nil
}

// Discard drops notices; used when the caller polls case status instead.
type Discard struct{}

func (Discard) Notify(context.Context, Notice) error { return nil }
