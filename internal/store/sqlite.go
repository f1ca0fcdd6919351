package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"channelbot/internal/logx"
	"channelbot/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- channels ----

func (s *sqliteStore) InsertChannel(ctx context.Context, name, token, originID string) error {
	welcome := fmt.Sprintf("This is **%s** channel", name)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(name, token, origin_id, intro_text) VALUES(?,?,?,?)`,
		name, token, originID, welcome,
	)
	return err
}

func (s *sqliteStore) Channel(ctx context.Context, name string) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, token, origin_id, COALESCE(admin_id,''), COALESCE(intro_text,''), COALESCE(intro_pic,''), muted
		 FROM channels WHERE name = ?`, name)
	var ch model.Channel
	var muted int
	err := row.Scan(&ch.Name, &ch.Token, &ch.OriginID, &ch.AdminID, &ch.IntroText, &ch.IntroPicURL, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Muted = muted != 0
	return &ch, nil
}

func (s *sqliteStore) ChannelByAdmin(ctx context.Context, adminID string) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, token, origin_id, COALESCE(admin_id,''), COALESCE(intro_text,''), COALESCE(intro_pic,''), muted
		 FROM channels WHERE admin_id = ?`, adminID)
	var ch model.Channel
	var muted int
	err := row.Scan(&ch.Name, &ch.Token, &ch.OriginID, &ch.AdminID, &ch.IntroText, &ch.IntroPicURL, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Muted = muted != 0
	return &ch, nil
}

func (s *sqliteStore) Channels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, token, origin_id, COALESCE(admin_id,''), COALESCE(intro_text,''), COALESCE(intro_pic,''), muted
		 FROM channels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Channel
	for rows.Next() {
		var ch model.Channel
		var muted int
		if err := rows.Scan(&ch.Name, &ch.Token, &ch.OriginID, &ch.AdminID, &ch.IntroText, &ch.IntroPicURL, &muted); err != nil {
			return nil, err
		}
		ch.Muted = muted != 0
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteChannel(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM subscribers WHERE channel = ?`,
		`DELETE FROM moderation WHERE channel = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SetChannelAdmin(ctx context.Context, name, adminID string) error {
	return s.updateChannel(ctx, name, `UPDATE channels SET admin_id = ? WHERE name = ?`, adminID)
}

func (s *sqliteStore) SetChannelWelcome(ctx context.Context, name, text string) error {
	return s.updateChannel(ctx, name, `UPDATE channels SET intro_text = ? WHERE name = ?`, text)
}

func (s *sqliteStore) SetChannelIntroPic(ctx context.Context, name, url string) error {
	return s.updateChannel(ctx, name, `UPDATE channels SET intro_pic = ? WHERE name = ?`, url)
}

func (s *sqliteStore) SetChannelMuted(ctx context.Context, name string, muted bool) error {
	return s.updateChannel(ctx, name, `UPDATE channels SET muted = ? WHERE name = ?`, boolInt(muted))
}

func (s *sqliteStore) updateChannel(ctx context.Context, name, query string, v any) error {
	res, err := s.db.ExecContext(ctx, query, v, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- subscribers ----

func (s *sqliteStore) InsertSubscriber(ctx context.Context, sub model.Subscriber) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(bot_id, channel, handle, display_name, muted, cursor)
		 VALUES(?,?,?,?,?,?) ON CONFLICT(bot_id) DO NOTHING`,
		sub.BotID, sub.Channel, sub.Handle, sub.DisplayName, boolInt(sub.Muted), sub.Cursor,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) Subscriber(ctx context.Context, botID string) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bot_id, channel, handle, display_name, muted, cursor FROM subscribers WHERE bot_id = ?`, botID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *sqliteStore) Subscribers(ctx context.Context, channel string) ([]model.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT bot_id, channel, handle, display_name, muted, cursor FROM subscribers WHERE channel = ?`, channel)
}

func (s *sqliteStore) ActiveSubscribers(ctx context.Context, channel string) ([]model.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT bot_id, channel, handle, display_name, muted, cursor FROM subscribers WHERE channel = ? AND muted = 0`, channel)
}

func (s *sqliteStore) querySubscribers(ctx context.Context, query, channel string) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(r scanner) (*model.Subscriber, error) {
	var sub model.Subscriber
	var muted int
	if err := r.Scan(&sub.BotID, &sub.Channel, &sub.Handle, &sub.DisplayName, &muted, &sub.Cursor); err != nil {
		return nil, err
	}
	sub.Muted = muted != 0
	return &sub, nil
}

func (s *sqliteStore) RemoveSubscriber(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE bot_id = ?`, botID)
	return err
}

func (s *sqliteStore) SetSubscriberMuted(ctx context.Context, botID string, muted bool) error {
	return s.updateSubscriber(ctx, botID, `UPDATE subscribers SET muted = ? WHERE bot_id = ?`, boolInt(muted))
}

func (s *sqliteStore) SetSubscriberCursor(ctx context.Context, botID string, cursor int64) error {
	return s.updateSubscriber(ctx, botID, `UPDATE subscribers SET cursor = ? WHERE bot_id = ?`, cursor)
}

func (s *sqliteStore) updateSubscriber(ctx context.Context, botID, query string, v any) error {
	res, err := s.db.ExecContext(ctx, query, v, botID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SubscriberCount(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE channel = ?`, channel).Scan(&n)
	return n, err
}

// ---- moderation ----

func (s *sqliteStore) UpsertModeration(ctx context.Context, e model.ModerationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moderation(channel, handle, state) VALUES(?,?,?)
		 ON CONFLICT(channel, handle) DO UPDATE SET state = excluded.state`,
		e.Channel, e.Handle, int(e.State),
	)
	return err
}

func (s *sqliteStore) ModerationHandles(ctx context.Context, channel string, state model.ModerationState) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle FROM moderation WHERE channel = ? AND state = ?`, channel, int(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearModeration(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM moderation WHERE channel = ?`, channel)
	return err
}

// ---- broadcasts ----

func (s *sqliteStore) InsertBroadcast(ctx context.Context, b *model.Broadcast) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(b.Content)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(channel, message_id, content, created_at) VALUES(?,?,?,?)`,
		b.Channel, b.MessageID, string(payload), b.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.ID = id
	return id, nil
}

func (s *sqliteStore) BroadcastsAfter(ctx context.Context, channel string, afterID int64, limit int) ([]model.Broadcast, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, message_id, content, created_at FROM broadcasts
		 WHERE channel = ? AND id > ? AND deleted = 0 ORDER BY id ASC LIMIT ?`,
		channel, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Broadcast
	for rows.Next() {
		var b model.Broadcast
		var payload string
		var created int64
		if err := rows.Scan(&b.ID, &b.Channel, &b.MessageID, &payload, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &b.Content); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(created, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastBroadcastID(ctx context.Context, channel string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM broadcasts WHERE channel = ?`, channel).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (s *sqliteStore) TombstoneBroadcast(ctx context.Context, channel, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET deleted = 1 WHERE channel = ? AND message_id = ? AND deleted = 0`,
		channel, messageID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) BroadcastCount(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcasts WHERE channel = ? AND deleted = 0`, channel).Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeTombstones(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcasts WHERE deleted = 1 AND created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- inbound log ----

func (s *sqliteStore) AppendInbound(ctx context.Context, m model.InboundMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound(channel, bot_id, user_id, kind, text, mime_type, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		m.Channel, m.BotID, m.UserID, string(m.Kind), m.Text, m.MimeType, m.CreatedAt.Unix(),
	)
	return err
}

func (s *sqliteStore) InboundCount(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbound WHERE channel = ?`, channel).Scan(&n)
	return n, err
}

func (s *sqliteStore) TrimInbound(ctx context.Context, channel string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound WHERE channel = ? AND id NOT IN (
		   SELECT id FROM inbound WHERE channel = ? ORDER BY id DESC LIMIT ?)`,
		channel, channel, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
