package auth

import (
	"context"
	"errors"
)

// IssueOption decorates the session started by Issue.
type IssueOption func(*Session)

// WithSessionClient records where the session was opened from.
func WithSessionClient(ip, userAgent string) IssueOption {
	return func(s *Session) {
		s.ClientIP = ip
		s.UserAgent = userAgent
	}
}

// Logout revokes raw and ends the session it belongs to, so the paired
// access or refresh token stops validating too. Expired tokens are a no-op.
func (ts *TokenService) Logout(ctx context.Context, raw string) error {
	claims, err := ts.codec.Decode(raw)
	if err != nil {
		if IsTokenExpiredError(err) {
			return nil
		}
		return err
	}

	if _, err := ts.revokeClaims(ctx, claims, RevocationReasonLogout); err != nil {
		return err
	}
	if claims.SessionID == "" {
		return nil
	}
	_, err = ts.endSession(ctx, claims.Subject(), claims.SessionID, RevocationReasonLogout)
	return err
}

// RevokeSession ends one session of accountID. A session owned by another
// account is reported as ErrNotFound.
func (ts *TokenService) RevokeSession(ctx context.Context, accountID, sessionID, reason string) error {
	session, err := ts.sessions.FindSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			ts.metrics.infraError("session_lookup")
		}
		return err
	}
	if session.AccountID != accountID {
		return ErrNotFound
	}
	if reason == "" {
		reason = RevocationReasonLogout
	}
	_, err = ts.endSession(ctx, accountID, sessionID, reason)
	return err
}

// LogoutOtherSessions ends every session of accountID except currentSessionID
// and returns how many were ended.
func (ts *TokenService) LogoutOtherSessions(ctx context.Context, accountID, currentSessionID string) (int, error) {
	if accountID == "" {
		return 0, newTokenError(TokenMalformed, errors.New("empty subject"))
	}

	n, err := ts.sessions.RevokeSessions(ctx, accountID, currentSessionID, RevocationReasonSessions, ts.codec.Now())
	if err != nil {
		ts.metrics.infraError("revoke_sessions")
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	ts.metrics.sessionRevoked(RevocationReasonSessions, n)
	ts.logger.Info("other sessions revoked", "subject", accountID, "kept", currentSessionID, "count", n)
	ts.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventSessionRevoked,
		Actor:     ActorRef{ID: accountID, Type: "account"},
		AccountID: accountID,
		Metadata: map[string]any{
			"kept_session": currentSessionID,
			"count":        n,
			"reason":       RevocationReasonSessions,
		},
	})
	return n, nil
}

// Sessions lists the active sessions of accountID, newest first.
func (ts *TokenService) Sessions(ctx context.Context, accountID string) ([]*Session, error) {
	sessions, err := ts.sessions.ListSessions(ctx, accountID, ts.codec.Now())
	if err != nil {
		ts.metrics.infraError("list_sessions")
		return nil, err
	}
	return sessions, nil
}

func (ts *TokenService) endSession(ctx context.Context, accountID, sessionID, reason string) (bool, error) {
	ended, err := ts.sessions.RevokeSession(ctx, sessionID, reason, ts.codec.Now())
	if err != nil {
		ts.metrics.infraError("revoke_session")
		return false, err
	}
	if !ended {
		return false, nil
	}

	ts.metrics.sessionRevoked(reason, 1)
	ts.logger.Info("session revoked", "subject", accountID, "session_id", sessionID, "reason", reason)
	ts.recorder().record(ctx, ActivityEvent{
		EventType: ActivityEventSessionRevoked,
		AccountID: accountID,
		Metadata: map[string]any{
			"session_id": sessionID,
			"reason":     reason,
		},
	})
	return true, nil
}
