package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/fhirsub/internal/platform/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type subscriptionRepoPG struct{ pool *pgxpool.Pool }

// NewSubscriptionRepoPG creates a new PostgreSQL-backed subscription repository.
func NewSubscriptionRepoPG(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepoPG{pool: pool}
}

func (r *subscriptionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const subCols = `id, fhir_id, status, reason, criteria, channel_type, channel_endpoint,
	channel_payload, channel_headers, end_time, error_text, version_id,
	created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.FHIRID, &s.Status, &s.Reason, &s.Criteria,
		&s.ChannelType, &s.ChannelEndpoint, &s.ChannelPayload, &s.ChannelHeaders,
		&s.EndTime, &s.ErrorText, &s.VersionID,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSubs(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func headersOrEmpty(h []string) []string {
	if h == nil {
		return []string{}
	}
	return h
}

func (r *subscriptionRepoPG) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	if sub.VersionID == 0 {
		sub.VersionID = 1
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO subscription (id, fhir_id, status, reason, criteria, channel_type, channel_endpoint,
			channel_payload, channel_headers, end_time, error_text, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		sub.ID, sub.FHIRID, sub.Status, sub.Reason, sub.Criteria,
		sub.ChannelType, sub.ChannelEndpoint, sub.ChannelPayload, headersOrEmpty(sub.ChannelHeaders),
		sub.EndTime, sub.ErrorText, sub.VersionID,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE id = $1`, id))
}

func (r *subscriptionRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE fhir_id = $1`, fhirID))
}

func (r *subscriptionRepoPG) Update(ctx context.Context, sub *Subscription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE subscription SET status=$2, reason=$3, criteria=$4, channel_type=$5, channel_endpoint=$6,
			channel_payload=$7, channel_headers=$8, end_time=$9, error_text=$10,
			version_id=$11, updated_at=NOW()
		WHERE id = $1
		RETURNING fhir_id, created_at, updated_at`,
		sub.ID, sub.Status, sub.Reason, sub.Criteria, sub.ChannelType, sub.ChannelEndpoint,
		sub.ChannelPayload, headersOrEmpty(sub.ChannelHeaders), sub.EndTime, sub.ErrorText,
		sub.VersionID,
	).Scan(&sub.FHIRID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// subscriptionSearchColumns maps search parameters to columns. criteria is a
// substring match; the others are exact with comma separated alternatives.
var subscriptionSearchColumns = map[string]string{
	"status":   "status",
	"type":     "channel_type",
	"criteria": "criteria",
	"url":      "channel_endpoint",
	"_id":      "fhir_id",
}

func buildSearchWhere(params map[string]string) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	for name, value := range params {
		col, ok := subscriptionSearchColumns[name]
		if !ok || value == "" {
			continue
		}
		if name == "criteria" {
			args = append(args, "%"+value+"%")
			clauses = append(clauses, fmt.Sprintf("%s LIKE $%d", col, len(args)))
			continue
		}
		args = append(args, strings.Split(value, ","))
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *subscriptionRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Subscription, int, error) {
	where, args := buildSearchWhere(params)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM subscription`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		return nil, total, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM subscription%s ORDER BY created_at DESC, fhir_id LIMIT $%d OFFSET $%d`,
		subCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSubs(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *subscriptionRepoPG) ListByStatus(ctx context.Context, status string) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscription WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

func (r *subscriptionRepoPG) ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscription
		WHERE status = 'active' AND end_time IS NOT NULL AND end_time < $1`, now)
	if err != nil {
		return nil, err
	}
	return collectSubs(rows)
}

// -- Delivery log --

const notifCols = `id, subscription_id, event_number, resource_type, resource_id, event_type,
	channel_type, status, last_error, duration_ms, created_at`

func scanNotif(row pgx.Row) (*SubscriptionNotification, error) {
	var n SubscriptionNotification
	err := row.Scan(&n.ID, &n.SubscriptionID, &n.EventNumber, &n.ResourceType, &n.ResourceID,
		&n.EventType, &n.ChannelType, &n.Status, &n.LastError, &n.DurationMS, &n.CreatedAt)
	return &n, err
}

func (r *subscriptionRepoPG) CreateNotification(ctx context.Context, n *SubscriptionNotification) error {
	n.ID = uuid.New()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO subscription_notification (id, subscription_id, event_number, resource_type,
			resource_id, event_type, channel_type, status, last_error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		n.ID, n.SubscriptionID, n.EventNumber, n.ResourceType,
		n.ResourceID, n.EventType, n.ChannelType, n.Status, n.LastError, n.DurationMS, n.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		// foreign_key_violation: the subscription is gone.
		return ErrNotFound
	}
	return err
}

func (r *subscriptionRepoPG) ListNotificationsBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*SubscriptionNotification, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM subscription_notification WHERE subscription_id = $1`, subscriptionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notifCols+` FROM subscription_notification
		WHERE subscription_id = $1 ORDER BY created_at DESC, event_number DESC LIMIT $2 OFFSET $3`,
		subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*SubscriptionNotification
	for rows.Next() {
		n, err := scanNotif(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *subscriptionRepoPG) DeleteOldNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscription_notification WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
