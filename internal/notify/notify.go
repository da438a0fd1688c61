// Package notify delivers assignment notices to clients, providers and firm
// admins.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/model"
)

// Dispatcher delivers notices. Callers treat delivery as best-effort: an
// error is retried or dead-lettered by the outbox relay, never surfaced to
// the assignment caller.
type Dispatcher interface {
	NotifyAssignment(ctx context.Context, n AssignmentNotice) error
	NotifyManualRequired(ctx context.Context, n ManualRequiredNotice) error
}

// AssignmentNotice tells the client and provider about a committed assignment.
// PreviousCAID is set when an override replaced another provider.
type AssignmentNotice struct {
	RequestID    string                 `json:"request_id"`
	ClientID     string                 `json:"client_id"`
	CAID         string                 `json:"ca_id"`
	PreviousCAID string                 `json:"previous_ca_id,omitempty"`
	Method       model.AssignmentMethod `json:"method"`
}

// ManualRequiredNotice asks a firm's admins to assign a request by hand.
type ManualRequiredNotice struct {
	FirmID    string   `json:"firm_id"`
	RequestID string   `json:"request_id"`
	Reason    string   `json:"reason"`
	AdminIDs  []string `json:"admin_ids"`
}

// Recipient roles.
const (
	RecipientClient           = "client"
	RecipientProvider         = "provider"
	RecipientPreviousProvider = "previous_provider"
	RecipientFirmAdmin        = "firm_admin"
)

// Recipient addresses one party of a notice.
type Recipient struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// Recipients lists who an assignment notice is for.
func (n AssignmentNotice) Recipients() []Recipient {
	out := []Recipient{
		{Role: RecipientClient, ID: n.ClientID},
		{Role: RecipientProvider, ID: n.CAID},
	}
	if n.PreviousCAID != "" && n.PreviousCAID != n.CAID {
		out = append(out, Recipient{Role: RecipientPreviousProvider, ID: n.PreviousCAID})
	}
	return out
}

// Recipients lists the admins a manual-required notice is for.
func (n ManualRequiredNotice) Recipients() []Recipient {
	out := make([]Recipient, 0, len(n.AdminIDs))
	for _, id := range n.AdminIDs {
		out = append(out, Recipient{Role: RecipientFirmAdmin, ID: id})
	}
	return out
}

// LogDispatcher writes notices to the log. It is used when no webhook is
// configured.
type LogDispatcher struct{}

// NotifyAssignment implements Dispatcher.
func (LogDispatcher) NotifyAssignment(_ context.Context, n AssignmentNotice) error {
	zap.L().Info("notify: assignment",
		zap.String("request_id", n.RequestID),
		zap.String("client_id", n.ClientID),
		zap.String("ca_id", n.CAID),
		zap.String("previous_ca_id", n.PreviousCAID),
		zap.String("method", string(n.Method)),
	)
	return nil
}

// NotifyManualRequired implements Dispatcher.
func (LogDispatcher) NotifyManualRequired(_ context.Context, n ManualRequiredNotice) error {
	zap.L().Info("notify: manual assignment required",
		zap.String("firm_id", n.FirmID),
		zap.String("request_id", n.RequestID),
		zap.String("reason", n.Reason),
		zap.Strings("admin_ids", n.AdminIDs),
	)
	return nil
}
