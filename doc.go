// Package auth verifies account credentials, issues and revokes signed
// tokens, and authorizes requests against a role table.
//
// Login:
//   - Authenticator normalizes the identifier, loads the account through the
//     Accounts store and checks the password. Unknown identifiers and wrong
//     passwords share the INVALID_CREDENTIALS code so callers cannot enumerate
//     accounts.
//   - Repeated failures lock the account. Lock expiry is evaluated at login
//     time and by the lock release task, never by a refresh.
//
// Account lifecycle:
//   - AccountStateMachine owns the status graph (PENDING_VERIFICATION, ACTIVE,
//     LOCKED, DISABLED, DELETED). DELETED is terminal. Every write is a
//     conditional update on the account version and retries on conflict.
//
// Tokens:
//   - TokenService mints access and refresh JWTs through TokenCodec, which
//     selects verification keys by "kid" so signing keys can rotate.
//   - Revocation is either per token (logout, refresh rotation) or per subject
//     (every token issued up to a point in time).
//
// Activity sinks:
//   - ActivitySink receives login, lockout, revocation and access events.
//     Sinks are best effort: failures are logged and never block the request.
package auth
