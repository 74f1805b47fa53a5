package inbox

import (
	"context"
	"fmt"

	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/notifications"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
)

// Actions are the notification writes a dashboard offers.
type Actions interface {
	Create(ctx context.Context, sess *identity.Session, title, message string) (string, error)
	Trigger(ctx context.Context, sess *identity.Session, key string) (string, error)
	MarkRead(ctx context.Context, sess *identity.Session, id string) error
	MarkAllRead(ctx context.Context, sess *identity.Session, snapshot []notifications.Record) (int, error)
}

type signOuter interface {
	SignOut(ctx context.Context, sess *identity.Session) error
}

type DashboardParams struct {
	Sessions     SessionSource
	Navigator    Navigator
	Store        LiveStore
	Actions      Actions
	Identity     signOuter
	Observer     Observer
	SnapshotSize int
	Metrics      subscriptionMetrics
	Logger       *logger.Logger
	Synchronizer *Synchronizer
}

// Dashboard is one mounted inbox view: a gate, its synchronizer and the
// actions bound to the gate's session.
type Dashboard struct {
	gate     *Gate
	sync     *Synchronizer
	actions  Actions
	identity signOuter
}

func NewDashboard(params DashboardParams) (*Dashboard, error) {
	if params.Sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if params.Actions == nil {
		return nil, fmt.Errorf("actions are required")
	}
	if params.Identity == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	syncer := params.Synchronizer
	if syncer == nil {
		if params.Store == nil {
			return nil, fmt.Errorf("live store is required")
		}
		syncer = NewSynchronizer(SynchronizerParams{
			Store:    params.Store,
			Limit:    params.SnapshotSize,
			Observer: params.Observer,
			Metrics:  params.Metrics,
			Logger:   params.Logger,
		})
	}
	return &Dashboard{
		gate:     NewGate(params.Sessions, params.Navigator),
		sync:     syncer,
		actions:  params.Actions,
		identity: params.Identity,
	}, nil
}

// Mount starts listening for the session; live queries run under ctx.
func (d *Dashboard) Mount(ctx context.Context) error {
	d.sync.Bind(ctx)
	return d.gate.Mount(d.sync.SetSession)
}

// Unmount deregisters the session listener and cancels the subscription.
func (d *Dashboard) Unmount() {
	d.gate.Unmount()
	d.sync.Stop()
}

func (d *Dashboard) Session() *identity.Session {
	return d.gate.Session()
}

func (d *Dashboard) State() State {
	return d.sync.State()
}

func (d *Dashboard) Create(ctx context.Context, title, message string) (string, error) {
	return d.actions.Create(ctx, d.gate.Session(), title, message)
}

func (d *Dashboard) Trigger(ctx context.Context, key string) (string, error) {
	return d.actions.Trigger(ctx, d.gate.Session(), key)
}

func (d *Dashboard) MarkRead(ctx context.Context, id string) error {
	return d.actions.MarkRead(ctx, d.gate.Session(), id)
}

// MarkAllRead marks the unread records of the mirror as it is now.
func (d *Dashboard) MarkAllRead(ctx context.Context) (int, error) {
	return d.actions.MarkAllRead(ctx, d.gate.Session(), d.sync.Records())
}

// SignOut ends the session; the gate then tears the subscription down and
// redirects.
func (d *Dashboard) SignOut(ctx context.Context) error {
	return d.identity.SignOut(ctx, d.gate.Session())
}
