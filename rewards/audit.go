/*
audit.go - Submission and audit workflow for earn entries

PURPOSE:
  Members submit activities as pending earn entries. Admins move them
  through the audit state machine; every transition that applies or
  reverses points writes the entry, the balance and the training rollup
  in one store transaction.

STATE MACHINE:
  pending  -> approved   apply points (+), training add
  pending  -> rejected   no balance effect
  approved -> rejected   reverse points (-), training subtract (floor 0)
  rejected -> approved   apply points (+), training add

  Anything else fails with ConflictError(ErrInvalidTransition) and
  writes nothing.

AFTER APPROVAL:
  The eligibility check runs best-effort after the transaction commits.
  Its failure is logged and never rolls back or fails the approval.

SEE ALSO:
  - training.go: rollup contribution
  - eligibility.go: CheckAndAutoUnlock
*/
package rewards

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/metrics"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// auditTransitions lists the valid moves and their balance sign.
var auditTransitions = map[generic.EntryStatus]map[generic.EntryStatus]int{
	generic.StatusPending: {
		generic.StatusApproved: +1,
		generic.StatusRejected: 0,
	},
	generic.StatusApproved: {
		generic.StatusRejected: -1,
	},
	generic.StatusRejected: {
		generic.StatusApproved: +1,
	},
}

// AuditTransition returns the balance sign of from -> to, or an error
// if the move is not allowed.
func AuditTransition(from, to generic.EntryStatus) (int, error) {
	sign, ok := auditTransitions[from][to]
	if !ok {
		return 0, generic.Conflictf(generic.ErrInvalidTransition,
			"invalid state transition: %s -> %s", from, to)
	}
	return sign, nil
}

// =============================================================================
// WORKFLOW
// =============================================================================

type AuditWorkflow struct {
	Store       generic.TxStore
	Permissions Permissions
	Training    *TrainingAggregator
	Unlocker    Unlocker
	Clock       generic.Clock
	Log         logrus.FieldLogger
}

// SubmitEarnInput is a member's activity submission.
type SubmitEarnInput struct {
	AccountID generic.AccountID
	Category  generic.Category
	Points    int64
	Meta      json.RawMessage
}

// SubmitEarn records a pending earn entry and returns its id.
func (w *AuditWorkflow) SubmitEarn(ctx context.Context, in SubmitEarnInput) (generic.EntryID, error) {
	if in.AccountID == "" {
		return "", generic.Invalid("accountId", "is required")
	}
	if strings.TrimSpace(in.Category.Code) == "" && strings.TrimSpace(in.Category.Name) == "" {
		return "", generic.Invalid("category", "code or name is required")
	}
	if in.Points < 0 {
		return "", generic.Invalid("points", "must not be negative")
	}
	if len(in.Meta) > 0 && !json.Valid(in.Meta) {
		return "", generic.Invalid("activityMeta", "must be a JSON object")
	}
	if _, err := w.Store.GetAccount(ctx, in.AccountID); err != nil {
		return "", err
	}

	entry := generic.LedgerEntry{
		ID:          generic.EntryID(newID("earn")),
		AccountID:   in.AccountID,
		Kind:        generic.KindEarn,
		Points:      in.Points,
		Status:      generic.StatusPending,
		Category:    in.Category,
		Meta:        in.Meta,
		SubmittedAt: w.Clock.Now(),
		CreatedBy:   string(in.AccountID),
	}
	if err := w.Store.AppendEntry(ctx, entry); err != nil {
		return "", err
	}
	w.Log.WithFields(logrus.Fields{
		"account_id": in.AccountID,
		"entry_id":   entry.ID,
		"points":     in.Points,
	}).Info("earn entry submitted")
	return entry.ID, nil
}

// Audit moves an earn entry to status. reason is recorded on rejection.
func (w *AuditWorkflow) Audit(ctx context.Context, actor generic.AccountID, id generic.EntryID, status generic.EntryStatus, reason string) error {
	if err := w.Permissions.RequireAdmin(ctx, actor, "audit submissions"); err != nil {
		return err
	}
	if status != generic.StatusApproved && status != generic.StatusRejected {
		return generic.Invalid("status", "must be approved or rejected")
	}

	var (
		from    generic.EntryStatus
		applied generic.LedgerEntry
	)
	err := w.Store.WithTx(ctx, func(s generic.Store) error {
		entry, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if entry.Kind != generic.KindEarn {
			return generic.Conflictf(generic.ErrInvalidTransition,
				"%s entries are not audited", entry.Kind)
		}
		from = entry.Status
		sign, err := AuditTransition(entry.Status, status)
		if err != nil {
			return err
		}

		now := w.Clock.Now()
		updated := *entry
		updated.Status = status
		updated.AuditedAt = &now
		updated.AuditedBy = string(actor)
		updated.RejectReason = ""
		if status == generic.StatusRejected {
			updated.RejectReason = strings.TrimSpace(reason)
		}
		if err := s.UpdateEntryAudit(ctx, updated, entry.Status); err != nil {
			return err
		}

		if sign != 0 {
			if _, err := s.IncrementBalance(ctx, entry.AccountID, int64(sign)*entry.Points); err != nil {
				return err
			}
			if err := w.Training.ApplyEntry(ctx, s, updated, sign); err != nil {
				return err
			}
		}
		applied = updated
		return nil
	})
	if err != nil {
		return err
	}

	metrics.Audits.WithLabelValues(string(from), string(status)).Inc()
	fields := logrus.Fields{
		"account_id": applied.AccountID,
		"entry_id":   id,
		"from":       from,
		"to":         status,
		"actor":      actor,
	}
	w.Log.WithFields(fields).Info("earn entry audited")

	if status == generic.StatusApproved {
		bestEffort(ctx, w.Log, "auto_unlock", fields, func(ctx context.Context) error {
			_, err := w.Unlocker.CheckAndAutoUnlock(ctx, applied.AccountID)
			return err
		})
	}
	return nil
}

// BatchAuditResult is the per-entry outcome of AuditBatch.
type BatchAuditResult struct {
	EntryID generic.EntryID `json:"entryId"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
}

// AuditBatch audits each entry independently. One failure does not stop
// the rest; permission is checked once up front.
func (w *AuditWorkflow) AuditBatch(ctx context.Context, actor generic.AccountID, ids []generic.EntryID, status generic.EntryStatus, reason string) ([]BatchAuditResult, error) {
	if err := w.Permissions.RequireAdmin(ctx, actor, "audit submissions"); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, generic.Invalid("recordIds", "must not be empty")
	}
	results := make([]BatchAuditResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := w.Audit(ctx, actor, id, status, reason)
		r := BatchAuditResult{EntryID: id, OK: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// Pending lists submissions awaiting audit, oldest first.
func (w *AuditWorkflow) Pending(ctx context.Context, actor generic.AccountID, limit int) ([]generic.LedgerEntry, error) {
	if err := w.Permissions.RequireAdmin(ctx, actor, "list pending submissions"); err != nil {
		return nil, err
	}
	return w.Store.ListEntries(ctx, generic.EntryFilter{
		Kind:   generic.KindEarn,
		Status: generic.StatusPending,
		Limit:  limit,
	})
}
