package storage

import (
	"context"
	"database/sql"
	"time"
)

// Session is one authenticated login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CreateSession stores a new authentication session.
func (s *Storage) CreateSession(ctx context.Context, token string, expiresAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stmtInsertSession.ExecContext(ctx, token, expiresAt, time.Now())
	return err
}

// GetSession retrieves an authentication session by token. A missing
// session returns (nil, nil).
func (s *Storage) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.stmtGetSession.QueryRowContext(ctx, token)
	var sess Session
	var expiresStr, createdStr sql.NullString
	if err := row.Scan(&sess.Token, &expiresStr, &createdStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if expiresStr.Valid {
		sess.ExpiresAt = parseTimestamp(expiresStr.String)
	}
	if createdStr.Valid {
		sess.CreatedAt = parseTimestamp(createdStr.String)
	}
	return &sess, nil
}

// DeleteSession deletes an authentication session by token.
func (s *Storage) DeleteSession(ctx context.Context, token string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.stmtDeleteSession.ExecContext(ctx, token)
	return err
}

// CleanupExpiredSessions removes all expired sessions and reports how
// many were deleted.
func (s *Storage) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < datetime('now')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// parseTimestamp attempts to parse a timestamp string in the formats
// the sqlite driver emits.
func parseTimestamp(s string) time.Time {
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
