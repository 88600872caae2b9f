/*
training.go - Training statistics aggregator

PURPOSE:
  Maintains Account.TrainingStats (total, per-month, per-week hours)
  from approved training entries. Updates are incremental: approval adds
  the entry's contribution, reversal subtracts it (floored at zero).
  Recompute rebuilds every account from the ledger for repair.

HOURS (first match wins):
  1. explicit hours in the activity metadata, if positive
  2. durationMinutes / 60, rounded to 2 decimals
  3. points / 2

BUCKET DATE:
  activityDate from the metadata if parseable, else SubmittedAt,
  both in the club's time zone.

KEYS:
  month "YYYY-MM"; week "YYYY-Www" (ISO, see generic.WeekKey)

SEE ALSO:
  - audit.go: applies contributions inside the audit transaction
  - classifier.go: IsTraining decides which entries contribute
*/
package rewards

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/warp/points-engine/generic"
)

// Accepted metadata paths, in priority order.
var (
	hoursPaths   = []string{"hours", "trainingHours"}
	minutesPaths = []string{"durationMinutes", "duration"}
	datePaths    = []string{"activityDate", "date"}
)

var sixty = decimal.NewFromInt(60)

// =============================================================================
// CONTRIBUTION
// =============================================================================

// Contribution is what one entry adds to a rollup.
type Contribution struct {
	Hours    decimal.Decimal
	MonthKey string
	WeekKey  string
}

// ContributionOf computes the hours and bucket keys of an entry.
func ContributionOf(e generic.LedgerEntry, loc *time.Location) Contribution {
	at := bucketDate(e, loc)
	return Contribution{
		Hours:    entryHours(e),
		MonthKey: generic.MonthKey(at),
		WeekKey:  generic.WeekKey(at),
	}
}

func entryHours(e generic.LedgerEntry) decimal.Decimal {
	if len(e.Meta) > 0 && gjson.ValidBytes(e.Meta) {
		for _, p := range hoursPaths {
			if r := gjson.GetBytes(e.Meta, p); r.Exists() && r.Float() > 0 {
				return decimal.NewFromFloat(r.Float())
			}
		}
		for _, p := range minutesPaths {
			if r := gjson.GetBytes(e.Meta, p); r.Exists() && r.Float() > 0 {
				return decimal.NewFromFloat(r.Float()).Div(sixty).Round(2)
			}
		}
	}
	return decimal.NewFromInt(e.Points).Div(decimal.NewFromInt(2))
}

func bucketDate(e generic.LedgerEntry, loc *time.Location) time.Time {
	if len(e.Meta) > 0 && gjson.ValidBytes(e.Meta) {
		for _, p := range datePaths {
			if r := gjson.GetBytes(e.Meta, p); r.Exists() {
				if t, ok := generic.ParseActivityDate(r.String(), loc); ok {
					return t
				}
			}
		}
	}
	return e.SubmittedAt.In(loc)
}

// Apply adds c to stats. A negative sign subtracts, flooring each
// bucket and the total at zero. Buckets that reach zero are removed.
func Apply(stats generic.TrainingStats, c Contribution, sign int) generic.TrainingStats {
	out := stats.Clone()
	delta := c.Hours
	if sign < 0 {
		delta = delta.Neg()
	}
	out.TotalHours = floorZero(out.TotalHours.Add(delta))
	bump(out.ByMonth, c.MonthKey, delta)
	bump(out.ByWeek, c.WeekKey, delta)
	return out
}

func bump(m map[string]decimal.Decimal, key string, delta decimal.Decimal) {
	v := floorZero(m[key].Add(delta))
	if v.IsZero() {
		delete(m, key)
		return
	}
	m[key] = v
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type TrainingAggregator struct {
	Store      generic.TxStore
	Classifier *Classifier
	Clock      generic.Clock
	Log        logrus.FieldLogger
}

// ApplyEntry updates the entry owner's rollup through s (normally the
// audit transaction). sign is +1 on approval, -1 on reversal.
// Non-training entries are ignored.
func (a *TrainingAggregator) ApplyEntry(ctx context.Context, s generic.Store, e generic.LedgerEntry, sign int) error {
	if !a.Classifier.IsTraining(e) {
		return nil
	}
	acct, err := s.GetAccount(ctx, e.AccountID)
	if err != nil {
		return err
	}
	c := ContributionOf(e, a.Clock.Location())
	return s.SetTrainingStats(ctx, e.AccountID, Apply(acct.TrainingStats, c, sign))
}

// RecomputeResult summarizes a batch recompute.
type RecomputeResult struct {
	AccountsScanned int  `json:"accountsScanned"`
	EntriesReplayed int  `json:"entriesReplayed"`
	AccountsUpdated int  `json:"accountsUpdated"`
	DryRun          bool `json:"dryRun"`
}

// Recompute rebuilds every account's rollup by replaying its approved
// training entries in submission order and overwrites the stored value
// where it differs. Each account is read and written in one transaction
// so an approval committed meanwhile is never overwritten. With dryRun
// nothing is written.
func (a *TrainingAggregator) Recompute(ctx context.Context, dryRun bool) (RecomputeResult, error) {
	res := RecomputeResult{DryRun: dryRun}

	accounts, err := a.Store.ListAccounts(ctx)
	if err != nil {
		return res, err
	}
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		replayed, updated, err := a.recomputeAccount(ctx, acct.ID, dryRun)
		if err != nil {
			return res, err
		}
		res.AccountsScanned++
		res.EntriesReplayed += replayed
		if updated {
			res.AccountsUpdated++
		}
	}

	a.Log.WithFields(logrus.Fields{
		"accounts_scanned": res.AccountsScanned,
		"accounts_updated": res.AccountsUpdated,
		"entries_replayed": res.EntriesReplayed,
		"dry_run":          dryRun,
	}).Info("training stats recomputed")
	return res, nil
}

// recomputeAccount rebuilds one rollup inside a transaction and reports
// how many entries it replayed and whether the stored value drifted.
func (a *TrainingAggregator) recomputeAccount(ctx context.Context, id generic.AccountID, dryRun bool) (int, bool, error) {
	var (
		replayed int
		updated  bool
	)
	err := a.Store.WithTx(ctx, func(s generic.Store) error {
		acct, err := s.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		entries, err := s.ListEntries(ctx, generic.EntryFilter{
			AccountID: id,
			Kind:      generic.KindEarn,
			Status:    generic.StatusApproved,
		})
		if err != nil {
			return err
		}
		loc := a.Clock.Location()
		want := generic.NewTrainingStats()
		for _, e := range entries {
			if !a.Classifier.IsTraining(e) {
				continue
			}
			want = Apply(want, ContributionOf(e, loc), +1)
			replayed++
		}
		if acct.TrainingStats.Equal(want) {
			return nil
		}
		updated = true
		if dryRun {
			a.Log.WithField("account_id", id).Info("training stats drift detected (dry run)")
			return nil
		}
		return s.SetTrainingStats(ctx, id, want)
	})
	return replayed, updated, err
}
