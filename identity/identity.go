// Package identity owns the durable mapping from Discord account ids to
// Twitch logins. Links are created and removed only by explicit user action
// through the HTTP front end; the reconciliation engine is a reader.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Link is one Discord-to-Twitch mapping. TwitchLogin is stored lowercased.
type Link struct {
	DiscordID   string
	TwitchLogin string
	CreatedAt   time.Time
}

// Store reads and writes the identity_links table.
type Store struct {
	DB *sql.DB
}

// Link upserts a mapping. A Twitch login may be claimed by at most one
// Discord account: linking steals the login from any previous owner (last
// write wins), all inside one transaction.
func (s *Store) Link(ctx context.Context, discordID, twitchLogin string) error {
	discordID = strings.TrimSpace(discordID)
	login := strings.ToLower(strings.TrimSpace(twitchLogin))
	if discordID == "" || login == "" {
		return fmt.Errorf("discord id and twitch login are required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_links WHERE twitch_login=$1 AND discord_id<>$2`, login, discordID); err != nil {
		return fmt.Errorf("release previous owner: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO identity_links (discord_id, twitch_login, created_at) VALUES ($1,$2,NOW())
		ON CONFLICT(discord_id) DO UPDATE SET twitch_login=EXCLUDED.twitch_login, updated_at=NOW()`, discordID, login); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return tx.Commit()
}

// Unlink removes a mapping and reports whether one existed.
func (s *Store) Unlink(ctx context.Context, discordID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM identity_links WHERE discord_id=$1`, discordID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Status returns the link for a Discord account, or (nil, nil) when unlinked.
func (s *Store) Status(ctx context.Context, discordID string) (*Link, error) {
	var l Link
	err := s.DB.QueryRowContext(ctx, `SELECT discord_id, twitch_login, created_at FROM identity_links WHERE discord_id=$1`, discordID).
		Scan(&l.DiscordID, &l.TwitchLogin, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// All returns every link, ordered by creation for stable iteration.
func (s *Store) All(ctx context.Context) ([]Link, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT discord_id, twitch_login, created_at FROM identity_links ORDER BY created_at, discord_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.DiscordID, &l.TwitchLogin, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
