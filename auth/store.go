package auth

import (
	"context"
	"database/sql"

	dbpkg "github.com/subvertigo/rolebridge/db"
)

const providerTwitch = "twitch"

// DBStore persists the credential in the oauth_tokens table. The upsert in
// dbpkg.UpsertOAuthToken replaces the row atomically and handles at-rest
// encryption when configured.
type DBStore struct {
	DB *sql.DB
}

func (s *DBStore) Load(ctx context.Context) (Credential, bool, error) {
	access, refresh, expiry, scope, err := dbpkg.GetOAuthToken(ctx, s.DB, providerTwitch)
	if err != nil {
		return Credential{}, false, err
	}
	if access == "" && refresh == "" {
		return Credential{}, false, nil
	}
	return Credential{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiry, Scopes: scope}, true, nil
}

func (s *DBStore) Save(ctx context.Context, cred Credential) error {
	return dbpkg.UpsertOAuthToken(ctx, s.DB, providerTwitch, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Scopes)
}
