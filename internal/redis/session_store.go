package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"financehub/internal/domain"
)

const (
	// Redis hash field names for session record keys.
	fieldAccountProfile = "account_profile_id"
	fieldKind           = "kind"
	fieldCredentialsRef = "credentials_ref"
	fieldState          = "state"
	fieldCreatedAt      = "created_at"
	fieldLastActivity   = "last_activity_at"
	fieldLastExtended   = "last_extended_at"
	fieldExtendCount    = "extend_count"
	fieldAccountsJSON   = "accounts_json"

	sessionIndexKey = "fh:sessions"
)

// SessionStore implements domain.SessionStore over Redis hashes, one hash per
// institution session plus a set indexing all known sessions.
type SessionStore struct {
	rdb *goredis.Client
}

func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{rdb: client.Underlying()}
}

var _ domain.SessionStore = (*SessionStore)(nil)

func sessionKey(institutionID string) string {
	return "fh:session:" + institutionID
}

func (s *SessionStore) Save(ctx context.Context, rec domain.SessionRecord) error {
	accountsJSON, err := json.Marshal(rec.CachedAccounts)
	if err != nil {
		return fmt.Errorf("failed to marshal cached accounts: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(rec.InstitutionID), map[string]any{
		fieldAccountProfile: rec.AccountProfileID,
		fieldKind:           rec.Kind.String(),
		fieldCredentialsRef: rec.CredentialsRef,
		fieldState:          string(rec.State),
		fieldCreatedAt:      rec.CreatedAt.UnixMilli(),
		fieldLastActivity:   rec.LastActivityAt.UnixMilli(),
		fieldLastExtended:   rec.LastExtendedAt.UnixMilli(),
		fieldExtendCount:    rec.ExtendCount,
		fieldAccountsJSON:   string(accountsJSON),
	})
	pipe.SAdd(ctx, sessionIndexKey, rec.InstitutionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *SessionStore) Get(ctx context.Context, institutionID string) (*domain.SessionRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(institutionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return recordFromFields(institutionID, fields)
}

func (s *SessionStore) Delete(ctx context.Context, institutionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionKey(institutionID))
	pipe.SRem(ctx, sessionIndexKey, institutionID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SessionStore) List(ctx context.Context) ([]domain.SessionRecord, error) {
	ids, err := s.rdb.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]domain.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				// Index entry outlived its hash; drop it.
				s.rdb.SRem(ctx, sessionIndexKey, id)
				continue
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func recordFromFields(institutionID string, fields map[string]string) (*domain.SessionRecord, error) {
	rec := &domain.SessionRecord{
		InstitutionID:    institutionID,
		AccountProfileID: fields[fieldAccountProfile],
		Kind:             domain.ParseInstitutionKind(fields[fieldKind]),
		CredentialsRef:   fields[fieldCredentialsRef],
		State:            domain.SessionState(fields[fieldState]),
	}

	var err error
	if rec.CreatedAt, err = parseMillis(fields[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if rec.LastActivityAt, err = parseMillis(fields[fieldLastActivity]); err != nil {
		return nil, err
	}
	if rec.LastExtendedAt, err = parseMillis(fields[fieldLastExtended]); err != nil {
		return nil, err
	}

	if v := fields[fieldExtendCount]; v != "" {
		if rec.ExtendCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("bad extend_count %q: %w", v, err)
		}
	}

	if v := fields[fieldAccountsJSON]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.CachedAccounts); err != nil {
			return nil, fmt.Errorf("bad accounts_json: %w", err)
		}
	}

	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
