package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/yurtcord/realtime/internal/v1/types"
)

const pqUniqueViolation = "23505"

// isUniqueViolation checks if an error is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

// Postgres implements Repository over lib/pq. Attachment lists and reaction
// maps are stored as jsonb columns; everything the hubs filter on is a real
// column.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings a postgres connection.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the handle for health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

// --- Messages ---

func (p *Postgres) SaveMessage(ctx context.Context, m *types.ChatMessage) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}
	query := `
		INSERT INTO messages (id, channel, sender_id, sender_name, content, type, created_at, attachments, reactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = p.db.ExecContext(ctx, query,
		m.ID, m.Channel, nullableUser(m.SenderID), m.SenderName, m.Content, m.Type, m.Timestamp, attachments, reactions)
	if err != nil {
		if isUniqueViolation(err) {
			return types.ErrDuplicate
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func nullableUser(id types.UserID) sql.NullString {
	return sql.NullString{String: string(id), Valid: id != ""}
}

func (p *Postgres) scanMessage(row interface{ Scan(...any) error }) (*types.ChatMessage, error) {
	var (
		m           types.ChatMessage
		sender      sql.NullString
		editedAt    sql.NullTime
		attachments []byte
		reactions   []byte
	)
	err := row.Scan(&m.ID, &m.Channel, &sender, &m.SenderName, &m.Content, &m.Type, &m.Timestamp, &editedAt, &attachments, &reactions)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.SenderID = types.UserID(sender.String)
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reactions: %w", err)
		}
	}
	return &m, nil
}

const messageColumns = "id, channel, sender_id, sender_name, content, type, created_at, edited_at, attachments, reactions"

func (p *Postgres) GetMessage(ctx context.Context, id types.MessageID) (*types.ChatMessage, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE id = $1"
	return p.scanMessage(p.db.QueryRowContext(ctx, query, id))
}

func (p *Postgres) UpdateMessage(ctx context.Context, m *types.ChatMessage) error {
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}
	query := `
		UPDATE messages SET content = $2, edited_at = $3, reactions = $4 WHERE id = $1
	`
	res, err := p.db.ExecContext(ctx, query, m.ID, m.Content, m.EditedAt, reactions)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, id types.MessageID) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) ChannelHistory(ctx context.Context, channel string, limit int) ([]types.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE channel = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, query, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel history: %w", err)
	}
	defer rows.Close()

	messages := make([]types.ChatMessage, 0, limit)
	for rows.Next() {
		m, err := p.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel history: %w", err)
	}

	// Reverse the slice to get oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Reaction mutations re-read, mutate, and write the jsonb map inside a
// transaction holding a row lock, so concurrent reactions never lose updates.
func (p *Postgres) mutateReactions(ctx context.Context, id types.MessageID, mutate func(*types.ChatMessage)) (*types.ChatMessage, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT " + messageColumns + " FROM messages WHERE id = $1 FOR UPDATE"
	m, err := p.scanMessage(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	mutate(m)

	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE messages SET reactions = $2 WHERE id = $1", id, reactions); err != nil {
		return nil, fmt.Errorf("failed to update reactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reactions: %w", err)
	}
	return m, nil
}

func (p *Postgres) AddReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	return p.mutateReactions(ctx, id, func(m *types.ChatMessage) {
		if m.Reactions == nil {
			m.Reactions = make(map[string]types.Reaction)
		}
		r := m.Reactions[emoji]
		r.Emoji = emoji
		for _, uid := range r.UserIDs {
			if uid == user {
				return
			}
		}
		r.UserIDs = append(r.UserIDs, user)
		r.Count = len(r.UserIDs)
		m.Reactions[emoji] = r
	})
}

func (p *Postgres) RemoveReaction(ctx context.Context, id types.MessageID, emoji string, user types.UserID) (*types.ChatMessage, error) {
	return p.mutateReactions(ctx, id, func(m *types.ChatMessage) {
		r, ok := m.Reactions[emoji]
		if !ok {
			return
		}
		for i, uid := range r.UserIDs {
			if uid == user {
				r.UserIDs = append(r.UserIDs[:i], r.UserIDs[i+1:]...)
				break
			}
		}
		r.Count = len(r.UserIDs)
		if r.Count == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = r
		}
	})
}

// --- Friendships ---

func (p *Postgres) CreateFriendship(ctx context.Context, f *types.Friendship) error {
	// The partial unique index on (least(requester, addressee),
	// greatest(requester, addressee)) for non-terminal rows enforces the
	// one-active-friendship-per-pair invariant.
	query := `
		INSERT INTO friendships (id, requester_id, addressee_id, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`
	_, err := p.db.ExecContext(ctx, query, f.ID, f.RequesterID, f.AddresseeID, f.Status, f.Reason, f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.ErrDuplicate
		}
		return fmt.Errorf("failed to create friendship: %w", err)
	}
	return nil
}

func (p *Postgres) scanFriendship(row interface{ Scan(...any) error }) (*types.Friendship, error) {
	var f types.Friendship
	err := row.Scan(&f.ID, &f.RequesterID, &f.AddresseeID, &f.Status, &f.Reason, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan friendship: %w", err)
	}
	return &f, nil
}

const friendshipColumns = "id, requester_id, addressee_id, status, reason, created_at, updated_at"

func (p *Postgres) GetFriendship(ctx context.Context, id types.FriendshipID) (*types.Friendship, error) {
	query := "SELECT " + friendshipColumns + " FROM friendships WHERE id = $1"
	return p.scanFriendship(p.db.QueryRowContext(ctx, query, id))
}

func (p *Postgres) UpdateFriendship(ctx context.Context, f *types.Friendship) error {
	query := "UPDATE friendships SET status = $2, reason = $3, updated_at = now() WHERE id = $1"
	res, err := p.db.ExecContext(ctx, query, f.ID, f.Status, f.Reason)
	if err != nil {
		return fmt.Errorf("failed to update friendship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteFriendship(ctx context.Context, id types.FriendshipID) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM friendships WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete friendship: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) FriendshipsOf(ctx context.Context, user types.UserID) ([]types.Friendship, error) {
	query := `
		SELECT ` + friendshipColumns + `
		FROM friendships
		WHERE (requester_id = $1 OR addressee_id = $1)
		  AND status NOT IN ('declined', 'cancelled')
		ORDER BY created_at
	`
	rows, err := p.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query friendships: %w", err)
	}
	defer rows.Close()

	var out []types.Friendship
	for rows.Next() {
		f, err := p.scanFriendship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (p *Postgres) FriendshipBetween(ctx context.Context, a, b types.UserID) (*types.Friendship, error) {
	query := `
		SELECT ` + friendshipColumns + `
		FROM friendships
		WHERE ((requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1))
		  AND status NOT IN ('declined', 'cancelled')
		LIMIT 1
	`
	return p.scanFriendship(p.db.QueryRowContext(ctx, query, a, b))
}

func (p *Postgres) BlockedUserIDs(ctx context.Context, user types.UserID) ([]types.UserID, error) {
	query := "SELECT addressee_id FROM friendships WHERE requester_id = $1 AND status = 'blocked'"
	rows, err := p.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query block list: %w", err)
	}
	defer rows.Close()

	var out []types.UserID
	for rows.Next() {
		var id types.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan blocked id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- Direct Messages ---

func (p *Postgres) SaveDirectMessage(ctx context.Context, m *types.DirectMessage) error {
	query := `
		INSERT INTO direct_messages (id, sender_id, recipient_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.db.ExecContext(ctx, query, m.ID, m.SenderID, m.RecipientID, m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save direct message: %w", err)
	}
	return nil
}

func (p *Postgres) DMHistory(ctx context.Context, a, b types.UserID, limit int) ([]types.DirectMessage, error) {
	query := `
		SELECT id, sender_id, recipient_id, content, created_at, read_at
		FROM direct_messages
		WHERE (sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dm history: %w", err)
	}
	defer rows.Close()

	var out []types.DirectMessage
	for rows.Next() {
		var (
			m      types.DirectMessage
			readAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Timestamp, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan direct message: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (p *Postgres) Conversations(ctx context.Context, user types.UserID) ([]types.Conversation, error) {
	query := `
		SELECT partner, u.username, last_message, last_at, unread
		FROM (
			SELECT
				CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS partner,
				(array_agg(content ORDER BY created_at DESC))[1] AS last_message,
				max(created_at) AS last_at,
				count(*) FILTER (WHERE recipient_id = $1 AND read_at IS NULL) AS unread
			FROM direct_messages
			WHERE sender_id = $1 OR recipient_id = $1
			GROUP BY 1
		) t
		LEFT JOIN users u ON u.id = t.partner
		ORDER BY last_at DESC
	`
	rows, err := p.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var (
			c    types.Conversation
			name sql.NullString
		)
		if err := rows.Scan(&c.PartnerID, &name, &c.LastMessage, &c.LastAt, &c.Unread); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.PartnerName = name.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkRead(ctx context.Context, reader, partner types.UserID) (int, error) {
	query := `
		UPDATE direct_messages SET read_at = now()
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL
	`
	res, err := p.db.ExecContext(ctx, query, reader, partner)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Notifications ---

func (p *Postgres) SaveNotification(ctx context.Context, n *types.Notification) error {
	query := `
		INSERT INTO notifications (id, recipient_id, type, title, message, icon, action_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.ExecContext(ctx, query, n.ID, n.RecipientID, n.Type, n.Title, n.Message, n.Icon, n.ActionURL, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (p *Postgres) Notifications(ctx context.Context, user types.UserID, unreadOnly bool, page, pageSize int) ([]types.Notification, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}
	query := `
		SELECT id, recipient_id, type, title, message, icon, action_url, created_at, read_at
		FROM notifications
		WHERE recipient_id = $1 AND ($2 = false OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := p.db.QueryContext(ctx, query, user, unreadOnly, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []types.Notification
	for rows.Next() {
		var (
			n      types.Notification
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.Icon, &n.ActionURL, &n.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, user types.UserID, id types.NotificationID) error {
	query := "UPDATE notifications SET read_at = now() WHERE id = $1 AND recipient_id = $2 AND read_at IS NULL"
	res, err := p.db.ExecContext(ctx, query, id, user)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Row may exist but already be read; distinguish for NotFound.
		var exists bool
		if err := p.db.QueryRowContext(ctx, "SELECT true FROM notifications WHERE id = $1 AND recipient_id = $2", id, user).Scan(&exists); err != nil {
			return types.ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) MarkAllNotificationsRead(ctx context.Context, user types.UserID) (int, error) {
	res, err := p.db.ExecContext(ctx, "UPDATE notifications SET read_at = now() WHERE recipient_id = $1 AND read_at IS NULL", user)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) DeleteNotification(ctx context.Context, user types.UserID, id types.NotificationID) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = $1 AND recipient_id = $2", id, user)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *Postgres) UnreadNotificationCount(ctx context.Context, user types.UserID) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM notifications WHERE recipient_id = $1 AND read_at IS NULL", user).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// --- Users ---

func (p *Postgres) UpsertUser(ctx context.Context, u types.UserSnapshot) error {
	query := `
		INSERT INTO users (id, username, avatar_url, banner_url, role, rank, status_message, accent_color, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			avatar_url = EXCLUDED.avatar_url,
			banner_url = EXCLUDED.banner_url,
			role = EXCLUDED.role,
			rank = EXCLUDED.rank,
			status_message = EXCLUDED.status_message,
			accent_color = EXCLUDED.accent_color,
			updated_at = now()
	`
	_, err := p.db.ExecContext(ctx, query, u.ID, u.Username, u.AvatarURL, u.BannerURL, u.Role, u.Rank, u.StatusMessage, u.AccentColor)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (p *Postgres) SearchUsers(ctx context.Context, query string, limit int) ([]types.UserSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT id, username, avatar_url, banner_url, role, rank, status_message, accent_color, updated_at
		FROM users
		WHERE id = $1 OR username ILIKE '%' || $1 || '%'
		ORDER BY username
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, q, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var out []types.UserSnapshot
	for rows.Next() {
		var u types.UserSnapshot
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.BannerURL, &u.Role, &u.Rank, &u.StatusMessage, &u.AccentColor, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Catalog ---

func (p *Postgres) AuctionOwner(ctx context.Context, auctionID string) (types.UserID, error) {
	var owner types.UserID
	err := p.db.QueryRowContext(ctx, "SELECT seller_id FROM auctions WHERE id = $1", auctionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", types.ErrNotFound
		}
		return "", fmt.Errorf("failed to look up auction owner: %w", err)
	}
	return owner, nil
}
