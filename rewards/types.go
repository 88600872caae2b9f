/*
Package rewards implements the club reward economy on top of generic.

PURPOSE:
  Members earn points for audited activities, spend them on merchandise,
  and are gated from spending by membership and eligibility rules. Each
  engine in this package owns one workflow:

    AuditWorkflow       pending -> approved/rejected lifecycle of earn entries
    RedemptionEngine    atomic debit + stock decrement + order + ledger entry,
                        and the inverse on cancellation
    EligibilityEngine   admin lock/unlock and competition-based auto-unlock
    TrainingAggregator  incremental training-hour rollups and batch repair
    AccountService      registration, membership, admin point adjustments
    Catalog             product upserts

KEY DIFFERENCES FROM A GENERAL LEDGER:
  1. Single currency, integer points, no double entry
  2. Balance is materialized on the account and kept equal to the ledger
     sum by writing both in one store transaction
  3. Auto-unlock is driven by free-text classification (classifier.go)

AUTHORIZATION:
  Admin checks go through the Permissions port, never through a hidden
  lookup inside an engine.

SIDE EFFECTS:
  Eligibility checks triggered from approval and redemption are dispatched
  through bestEffort: failures are logged and never fail the caller.

SEE ALSO:
  - generic/: data model, errors, store ports
  - factory/: keyword table loading
  - api/: HTTP surface
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// PERMISSIONS PORT
// =============================================================================

// Permissions decides whether an actor may perform administrative actions.
type Permissions interface {
	RequireAdmin(ctx context.Context, actor generic.AccountID, action string) error
}

// AccountPermissions derives admin rights from the actor's account flag.
type AccountPermissions struct {
	Store generic.Store
}

func (p AccountPermissions) RequireAdmin(ctx context.Context, actor generic.AccountID, action string) error {
	if actor == "" {
		return generic.Forbidden("", action)
	}
	acct, err := p.Store.GetAccount(ctx, actor)
	if err != nil {
		if generic.KindOf(err) == generic.KindNotFound {
			return generic.Forbidden(string(actor), action)
		}
		return err
	}
	if !acct.IsAdmin {
		return generic.Forbidden(string(actor), action)
	}
	return nil
}

// AllowAll grants every actor admin rights. Used by scheduled jobs.
type AllowAll struct{}

func (AllowAll) RequireAdmin(context.Context, generic.AccountID, string) error { return nil }

// =============================================================================
// BEST-EFFORT DISPATCH
// =============================================================================

// bestEffort runs a side effect whose failure must not fail the caller.
// Errors and panics are logged and swallowed.
func bestEffort(ctx context.Context, log logrus.FieldLogger, name string, fields logrus.Fields, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).WithField("side_effect", name).
				Errorf("side effect panicked: %v", r)
		}
	}()
	if err := fn(ctx); err != nil {
		log.WithFields(fields).WithField("side_effect", name).WithError(err).
			Warn("side effect failed, ignoring")
	}
}

// =============================================================================
// ENGINE - Wires every workflow over one store
// =============================================================================

// Options configures New.
type Options struct {
	Store             generic.TxStore
	Permissions       Permissions // defaults to AccountPermissions
	Classifier        *Classifier // defaults to DefaultKeywordTable
	Clock             generic.Clock
	Log               logrus.FieldLogger
	NewAccountsLocked bool
	PointsFloor       int64 // defaults to generic.DefaultPointsFloor
}

// Engine bundles the workflows so handlers depend on one value.
type Engine struct {
	Store       generic.TxStore
	Permissions Permissions
	Ledger      *generic.Ledger
	Classifier  *Classifier
	Clock       generic.Clock
	Training    *TrainingAggregator
	Eligibility *EligibilityEngine
	Audit       *AuditWorkflow
	Redemption  *RedemptionEngine
	Accounts    *AccountService
	Catalog     *Catalog
}

func New(opts Options) *Engine {
	if opts.Permissions == nil {
		opts.Permissions = AccountPermissions{Store: opts.Store}
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(DefaultKeywordTable())
	}
	if opts.Clock == nil {
		opts.Clock = generic.NewSystemClock(nil)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.PointsFloor == 0 {
		opts.PointsFloor = generic.DefaultPointsFloor
	}

	training := &TrainingAggregator{
		Store:      opts.Store,
		Classifier: opts.Classifier,
		Clock:      opts.Clock,
		Log:        opts.Log.WithField("component", "training"),
	}
	eligibility := &EligibilityEngine{
		Store:       opts.Store,
		Permissions: opts.Permissions,
		Classifier:  opts.Classifier,
		Clock:       opts.Clock,
		Log:         opts.Log.WithField("component", "eligibility"),
	}
	return &Engine{
		Store:       opts.Store,
		Permissions: opts.Permissions,
		Ledger:      generic.NewLedger(opts.Store),
		Classifier:  opts.Classifier,
		Clock:       opts.Clock,
		Training:    training,
		Eligibility: eligibility,
		Audit: &AuditWorkflow{
			Store:       opts.Store,
			Permissions: opts.Permissions,
			Training:    training,
			Unlocker:    eligibility,
			Clock:       opts.Clock,
			Log:         opts.Log.WithField("component", "audit"),
		},
		Redemption: &RedemptionEngine{
			Store:       opts.Store,
			Permissions: opts.Permissions,
			Unlocker:    eligibility,
			Clock:       opts.Clock,
			Log:         opts.Log.WithField("component", "redemption"),
		},
		Accounts: &AccountService{
			Store:        opts.Store,
			Permissions:  opts.Permissions,
			Clock:        opts.Clock,
			Log:          opts.Log.WithField("component", "accounts"),
			LockOnCreate: opts.NewAccountsLocked,
			PointsFloor:  opts.PointsFloor,
		},
		Catalog: &Catalog{
			Store:       opts.Store,
			Permissions: opts.Permissions,
			Clock:       opts.Clock,
		},
	}
}

// Unlocker is the slice of the EligibilityEngine other workflows call.
type Unlocker interface {
	CheckAndAutoUnlock(ctx context.Context, id generic.AccountID) (UnlockResult, error)
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
