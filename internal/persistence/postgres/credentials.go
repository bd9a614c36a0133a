package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/carbonlens/internal/domain"
)

const credentialColumns = `COALESCE(user_id, ''), COALESCE(user_email, ''), family, access_token,
        COALESCE(refresh_token, ''), expires_at, COALESCE(scopes, '{}')`

// ResolveCredential finds the stored OAuth token for identity, matching emails as given and then lower-cased.
func (s *Store) ResolveCredential(ctx context.Context, identity, family string) (*domain.Credential, error) {
	if !strings.Contains(identity, "@") {
		return s.queryCredential(ctx, `SELECT `+credentialColumns+` FROM oauth_tokens WHERE user_id=$1 AND family=$2`, identity, family)
	}
	cred, err := s.queryCredential(ctx, `SELECT `+credentialColumns+` FROM oauth_tokens WHERE user_email=$1 AND family=$2
        ORDER BY updated_at DESC LIMIT 1`, identity, family)
	if err != nil || cred != nil {
		return cred, err
	}
	return s.queryCredential(ctx, `SELECT `+credentialColumns+` FROM oauth_tokens WHERE lower(user_email)=lower($1) AND family=$2
        ORDER BY updated_at DESC LIMIT 1`, identity, family)
}

func (s *Store) queryCredential(ctx context.Context, query string, args ...any) (*domain.Credential, error) {
	var (
		cred   domain.Credential
		expiry *time.Time
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(&cred.UserID, &cred.UserEmail, &cred.Family, &cred.AccessToken,
		&cred.RefreshToken, &expiry, &cred.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if expiry != nil {
		cred.Expiry = expiry.UTC()
	}
	return &cred, nil
}

// ListIdentities returns every user id holding a token for family.
func (s *Store) ListIdentities(ctx context.Context, family string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM oauth_tokens WHERE family=$1 AND user_id IS NOT NULL ORDER BY user_id`, family)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// PutCredential upserts a token for (user_id, family).
func (s *Store) PutCredential(ctx context.Context, cred domain.Credential) error {
	const stmt = `INSERT INTO oauth_tokens (user_id, user_email, family, access_token, refresh_token, expires_at, scopes, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,now())
        ON CONFLICT (user_id, family) DO UPDATE
            SET user_email=EXCLUDED.user_email,
                access_token=EXCLUDED.access_token,
                refresh_token=EXCLUDED.refresh_token,
                expires_at=EXCLUDED.expires_at,
                scopes=EXCLUDED.scopes,
                updated_at=now()`

	_, err := s.pool.Exec(ctx, stmt, cred.UserID, nullIfEmpty(cred.UserEmail), cred.Family, cred.AccessToken,
		nullIfEmpty(cred.RefreshToken), nullTime(cred.Expiry), cred.Scopes)
	if err != nil {
		return unavailable(err)
	}
	return nil
}
