package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relayhub/go-relay/pkg/database"
	"github.com/relayhub/go-relay/pkg/notifier"
	"github.com/rs/zerolog"
)

// SubscriptionStore keeps webhook subscriptions in SQLite.
type SubscriptionStore struct {
	log      zerolog.Logger
	sqliteDB *database.SQLiteDB
}

var _ notifier.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(sqliteDB *database.SQLiteDB) *SubscriptionStore {
	log := sqliteDB.Log.With().
		Str("component", "subscriptionstore").
		Logger()

	return &SubscriptionStore{
		log:      log,
		sqliteDB: sqliteDB,
	}
}

// Create registers a new active subscription.
func (s *SubscriptionStore) Create(
	ctx context.Context, url, secret, eventType string,
) (notifier.Subscription, error) {
	if eventType == "" {
		eventType = notifier.EventTypeAll
	}
	sub := notifier.Subscription{
		ID:        uuid.NewString(),
		URL:       url,
		Secret:    secret,
		EventType: eventType,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if _, err := s.sqliteDB.DB.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, secret, event_type, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		sub.ID, sub.URL, sub.Secret, sub.EventType, sub.CreatedAt.UnixMilli()); err != nil {
		return notifier.Subscription{}, fmt.Errorf("inserting subscription: %s", err)
	}
	return sub, nil
}

// ListActive returns every active subscription.
func (s *SubscriptionStore) ListActive(ctx context.Context) ([]notifier.Subscription, error) {
	rows, err := s.sqliteDB.DB.QueryContext(ctx, `
		SELECT id, url, secret, event_type, created_at
		FROM webhook_subscriptions WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %s", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing rows")
		}
	}()

	subs := make([]notifier.Subscription, 0)
	for rows.Next() {
		var sub notifier.Subscription
		var createdAt int64
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.EventType, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %s", err)
		}
		sub.Active = true
		sub.CreatedAt = time.UnixMilli(createdAt)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Deactivate revokes a subscription; it stops receiving deliveries but keeps
// its row for auditability.
func (s *SubscriptionStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.sqliteDB.DB.ExecContext(ctx,
		"UPDATE webhook_subscriptions SET active = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deactivating subscription: %s", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}
