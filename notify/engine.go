package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/metrics"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

// Publisher receives every change to persisted notifications.
type Publisher interface {
	NotificationAdded(n Notification)
	NotificationUpdated(n Notification)
	NotificationsRemoved(accountID ledger.AccountID, ids []ID)
	NotificationsReset(accountID ledger.AccountID, ns []Notification)
}

// PreferenceSource resolves an account's notification preferences.
type PreferenceSource interface {
	PreferencesFor(ctx context.Context, accountID ledger.AccountID) (Preferences, error)
}

type Options struct {
	RepeatCooldown time.Duration // default 24h
	Retention      time.Duration // default 30 days; ExpiresAt = CreatedAt + Retention
	Publisher      Publisher
	Preferences    PreferenceSource
	Logger         logging.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
	NewID          func() string
}

type Engine struct {
	store          Store
	publisher      Publisher
	preferences    PreferenceSource
	repeatCooldown time.Duration
	retention      time.Duration
	log            logging.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	newID          func() string
}

func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:          store,
		publisher:      opts.Publisher,
		preferences:    opts.Preferences,
		repeatCooldown: opts.RepeatCooldown,
		retention:      opts.Retention,
		log:            logging.OrDiscard(opts.Logger),
		metrics:        opts.Metrics,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	if e.repeatCooldown <= 0 {
		e.repeatCooldown = 24 * time.Hour
	}
	if e.retention <= 0 {
		e.retention = 30 * 24 * time.Hour
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Attach subscribes the engine to bus.
func (e *Engine) Attach(bus *ledger.Bus) {
	bus.Subscribe(e.HandleBalanceChanged)
}

// =============================================================================
// EVENT HANDLING
// =============================================================================

// HandleBalanceChanged creates at most one notification for ev.
func (e *Engine) HandleBalanceChanged(ctx context.Context, ev ledger.BalanceChanged) error {
	_, err := e.Process(ctx, ev)
	return err
}

// Process is HandleBalanceChanged that also returns the created notification,
// if any.
func (e *Engine) Process(ctx context.Context, ev ledger.BalanceChanged) (*Notification, error) {
	if ev.Type != ledger.TxConsumption || ev.Force {
		return nil, nil
	}

	threshold := ev.Record.LowBalanceThreshold
	if ev.Record.AccountID == "" {
		// event carries no record
		threshold = ledger.DefaultLowBalanceThreshold
	}
	cand, ok := Evaluate(ev.PreviousBalance, ev.NewBalance, threshold)
	if !ok {
		return nil, nil
	}

	now := e.now().UTC()
	fields := logging.Fields{"key": ev.Key.String(), "type": cand.Type, "severity": cand.Severity}

	if e.preferences != nil {
		prefs, err := e.preferences.PreferencesFor(ctx, ev.Key.AccountID)
		if err != nil {
			e.log.WithError(err).WithFields(fields).Warn("failed to read preferences, using defaults")
			prefs = DefaultPreferences()
		}
		if !prefs.Allows(cand.Severity) {
			return nil, nil
		}
	}

	if !cand.Crossing {
		last, err := e.store.LatestNotification(ctx, ev.Key, cand.Type)
		switch {
		case err == nil && now.Sub(last.CreatedAt) < e.repeatCooldown:
			e.log.WithFields(fields).Debug("repeat notification suppressed")
			return nil, nil
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			return nil, err
		}
	}

	title, message := Render(cand, ev.Key.MeterID, ev.NewBalance, threshold, ev.Record.EstimatedDaysRemaining)
	expires := now.Add(e.retention)
	n := Notification{
		ID:             ID(e.newID()),
		AccountID:      ev.Key.AccountID,
		MeterID:        ev.Key.MeterID,
		Title:          title,
		Message:        message,
		Type:           cand.Type,
		Severity:       cand.Severity,
		RelatedBalance: ev.NewBalance,
		EstimatedDays:  ev.Record.EstimatedDaysRemaining,
		Metadata: map[string]string{
			"transaction_id":   string(ev.TransactionID),
			"previous_balance": ev.PreviousBalance.String(),
			"threshold":        threshold.String(),
		},
		CreatedAt: now,
		ExpiresAt: &expires,
	}
	if err := e.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	e.metrics.IncNotification(string(n.Severity))
	e.log.WithFields(fields).Info("notification created")

	if e.publisher != nil {
		e.publisher.NotificationAdded(n)
	}
	return &n, nil
}

// =============================================================================
// READ STATE
// =============================================================================

func (e *Engine) List(ctx context.Context, accountID ledger.AccountID, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return e.store.ListNotifications(ctx, accountID, limit)
}

func (e *Engine) MarkRead(ctx context.Context, id ID) (Notification, error) {
	if err := e.store.MarkNotificationRead(ctx, id); err != nil {
		return Notification{}, err
	}
	n, err := e.store.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if e.publisher != nil {
		e.publisher.NotificationUpdated(n)
	}
	return n, nil
}

func (e *Engine) MarkAllRead(ctx context.Context, accountID ledger.AccountID) (int, error) {
	count, err := e.store.MarkAllNotificationsRead(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.reset(ctx, accountID)
	}
	return count, nil
}

func (e *Engine) Delete(ctx context.Context, id ID) error {
	n, err := e.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteNotification(ctx, id); err != nil {
		return err
	}
	if e.publisher != nil {
		e.publisher.NotificationsRemoved(n.AccountID, []ID{id})
	}
	return nil
}

func (e *Engine) DeleteAllRead(ctx context.Context, accountID ledger.AccountID) (int, error) {
	count, err := e.store.DeleteReadNotifications(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.reset(ctx, accountID)
	}
	return count, nil
}

// PurgeExpired deletes notifications whose ExpiresAt is at or before now.
func (e *Engine) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	removed, err := e.store.DeleteExpiredNotifications(ctx, now)
	if err != nil {
		return 0, err
	}
	if e.publisher != nil && len(removed) > 0 {
		byAccount := make(map[ledger.AccountID][]ID)
		for _, n := range removed {
			byAccount[n.AccountID] = append(byAccount[n.AccountID], n.ID)
		}
		for accountID, ids := range byAccount {
			e.publisher.NotificationsRemoved(accountID, ids)
		}
	}
	return len(removed), nil
}

// reset pushes the full list after a bulk change.
func (e *Engine) reset(ctx context.Context, accountID ledger.AccountID) {
	if e.publisher == nil {
		return
	}
	ns, err := e.store.ListNotifications(ctx, accountID, DefaultListLimit)
	if err != nil {
		e.log.WithError(err).WithField("account_id", accountID).Warn("reload after bulk update failed")
		return
	}
	e.publisher.NotificationsReset(accountID, ns)
}
