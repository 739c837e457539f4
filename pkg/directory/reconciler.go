package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/omgate/pkg/observability"
)

// Directory is the create/check API the reconciler needs
type Directory interface {
	CreateUser(ctx context.Context, email string) (CreateStatus, error)
	TeamExists(ctx context.Context, name string) (bool, error)
	CreateTeam(ctx context.Context, name string) (CreateStatus, error)
}

// Identity is a verified user to reconcile
type Identity interface {
	Email() string
	Groups() []string
}

// GroupAction is what happened to one group during reconciliation
type GroupAction string

const (
	GroupExists  GroupAction = "exists"
	GroupCreated GroupAction = "created"
	GroupFailed  GroupAction = "failed"
	GroupSkipped GroupAction = "skipped"
)

// GroupOutcome is the per-group result. Failed and skipped outcomes are
// warnings: they never fail the reconciliation.
type GroupOutcome struct {
	Name   string
	Action GroupAction
	Err    error
}

// Result is the outcome of one reconciliation
type Result struct {
	UserCreated   bool
	GroupsCreated []string
	Groups        []GroupOutcome
}

// Warnings returns the outcomes that did not leave the group in place
func (r *Result) Warnings() []GroupOutcome {
	var out []GroupOutcome
	for _, g := range r.Groups {
		if g.Action == GroupFailed || g.Action == GroupSkipped {
			out = append(out, g)
		}
	}
	return out
}

// ReconcilerOptions configures the known-group cache. A zero size or TTL disables it.
type ReconcilerOptions struct {
	GroupCacheSize int
	GroupCacheTTL  time.Duration
}

// Reconciler makes the directory contain a verified user and its groups.
// Every write is create-if-absent, so reconciling again is harmless.
type Reconciler struct {
	dir     Directory
	known   *expirable.LRU[string, struct{}]
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// NewReconciler creates a reconciler
func NewReconciler(dir Directory, opts ReconcilerOptions, logger logrus.FieldLogger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Reconciler{
		dir:     dir,
		logger:  logger.WithField("component", "reconciler"),
		metrics: metrics,
	}
	if opts.GroupCacheSize > 0 && opts.GroupCacheTTL > 0 {
		r.known = expirable.NewLRU[string, struct{}](opts.GroupCacheSize, nil, opts.GroupCacheTTL)
	}
	return r
}

// Reconcile creates the user, then each missing group. A failed user write
// aborts with a *WriteError; group problems are recorded in the result.
func (r *Reconciler) Reconcile(ctx context.Context, identity Identity) (*Result, error) {
	email := identity.Email()
	if email == "" {
		return nil, fmt.Errorf("identity has no email")
	}
	log := observability.FromContext(ctx, r.logger).WithField("email", email)

	status, err := r.dir.CreateUser(ctx, email)
	if err != nil {
		return nil, err
	}

	result := &Result{
		UserCreated:   status == Created,
		GroupsCreated: []string{},
	}
	log.WithField("user", status.String()).Info("User reconciled")

	for _, name := range identity.Groups() {
		// Writes are idempotent, so stopping here leaves nothing to undo.
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome := r.reconcileGroup(ctx, name)
		r.metrics.ObserveGroupOutcome(string(outcome.Action))
		result.Groups = append(result.Groups, outcome)

		switch outcome.Action {
		case GroupCreated:
			result.GroupsCreated = append(result.GroupsCreated, name)
			log.WithField("group", name).Info("Group created")
		case GroupFailed, GroupSkipped:
			log.WithError(outcome.Err).WithFields(logrus.Fields{
				"group":  name,
				"action": outcome.Action,
			}).Warn("Group not reconciled")
		}
	}

	return result, nil
}

func (r *Reconciler) reconcileGroup(ctx context.Context, name string) GroupOutcome {
	if r.known != nil && r.known.Contains(name) {
		return GroupOutcome{Name: name, Action: GroupExists}
	}

	exists, err := r.dir.TeamExists(ctx, name)
	if err != nil {
		return GroupOutcome{Name: name, Action: GroupSkipped, Err: err}
	}
	if exists {
		r.remember(name)
		return GroupOutcome{Name: name, Action: GroupExists}
	}

	status, err := r.dir.CreateTeam(ctx, name)
	if err != nil {
		return GroupOutcome{Name: name, Action: GroupFailed, Err: err}
	}
	r.remember(name)

	if status == AlreadyExists {
		return GroupOutcome{Name: name, Action: GroupExists}
	}
	return GroupOutcome{Name: name, Action: GroupCreated}
}

func (r *Reconciler) remember(name string) {
	if r.known != nil {
		r.known.Add(name, struct{}{})
	}
}

// IsWriteError reports whether err is a failed directory write
func IsWriteError(err error) bool {
	var writeErr *WriteError
	return errors.As(err, &writeErr)
}
