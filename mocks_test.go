package auth_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	auth "github.com/goliatone/go-authcore"
)

// MockAccounts implements auth.Accounts
type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) FindByIdentifier(ctx context.Context, identifier string) (*auth.Account, error) {
	args := m.Called(ctx, identifier)
	if acc, ok := args.Get(0).(*auth.Account); ok {
		return acc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccounts) FindByID(ctx context.Context, id uuid.UUID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	if acc, ok := args.Get(0).(*auth.Account); ok {
		return acc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccounts) Create(ctx context.Context, account *auth.Account) (*auth.Account, error) {
	args := m.Called(ctx, account)
	if acc, ok := args.Get(0).(*auth.Account); ok {
		return acc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccounts) Update(ctx context.Context, account *auth.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockAccounts) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]*auth.Account, error) {
	args := m.Called(ctx, now, limit)
	if list, ok := args.Get(0).([]*auth.Account); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// memAccounts is a versioned in-memory credential store.
type memAccounts struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*auth.Account
	// beforeUpdate runs inside Update before the version check.
	beforeUpdate func(stored *auth.Account)
	updates      int
	conflicts    int
}

func newMemAccounts(accounts ...*auth.Account) *memAccounts {
	m := &memAccounts{byID: map[uuid.UUID]*auth.Account{}}
	for _, a := range accounts {
		m.put(a)
	}
	return m
}

func (m *memAccounts) put(a *auth.Account) *auth.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := a.Clone()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	c.EnsureStatus()
	m.byID[c.ID] = c
	return c.Clone()
}

func (m *memAccounts) get(id uuid.UUID) *auth.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Clone()
}

func (m *memAccounts) FindByIdentifier(_ context.Context, identifier string) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.Identifier == identifier {
			return a.Clone(), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memAccounts) FindByID(_ context.Context, id uuid.UUID) (*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *memAccounts) Create(_ context.Context, account *auth.Account) (*auth.Account, error) {
	return m.put(account), nil
}

func (m *memAccounts) Update(_ context.Context, account *auth.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[account.ID]
	if !ok {
		return auth.ErrNotFound
	}
	if m.beforeUpdate != nil {
		hook := m.beforeUpdate
		m.beforeUpdate = nil
		hook(stored)
	}
	if stored.Version != account.Version {
		m.conflicts++
		return auth.ErrVersionConflict
	}
	account.Version++
	m.byID[account.ID] = account.Clone()
	m.updates++
	return nil
}

func (m *memAccounts) ListExpiredLocks(_ context.Context, now time.Time, limit int) ([]*auth.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.Account
	for _, a := range m.byID {
		if a.Status == auth.AccountStatusLocked && a.LockedUntil != nil && !a.LockedUntil.After(now) {
			out = append(out, a.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// memRevocations is an in-memory revocation store.
type memRevocations struct {
	mu       sync.Mutex
	tokens   map[string]auth.RevokedToken
	subjects map[string]auth.SubjectRevocation
	err      error
}

func newMemRevocations() *memRevocations {
	return &memRevocations{
		tokens:   map[string]auth.RevokedToken{},
		subjects: map[string]auth.SubjectRevocation{},
	}
}

func (m *memRevocations) Revoke(_ context.Context, token auth.RevokedToken) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.tokens[token.TokenID]; ok {
		return false, nil
	}
	m.tokens[token.TokenID] = token
	return true, nil
}

func (m *memRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.tokens[tokenID]
	return ok, nil
}

func (m *memRevocations) RevokeSubject(_ context.Context, marker auth.SubjectRevocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if cur, ok := m.subjects[marker.Subject]; ok && cur.RevokedAt.After(marker.RevokedAt) {
		return nil
	}
	m.subjects[marker.Subject] = marker
	return nil
}

func (m *memRevocations) SubjectRevokedAt(_ context.Context, subject string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return time.Time{}, false, m.err
	}
	s, ok := m.subjects[subject]
	return s.RevokedAt, ok, nil
}

func (m *memRevocations) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.tokens {
		if v.ExpiresAt.Before(now) {
			delete(m.tokens, k)
			n++
		}
	}
	for k, v := range m.subjects {
		if v.ExpiresAt.Before(now) {
			delete(m.subjects, k)
			n++
		}
	}
	return n, nil
}

func (m *memRevocations) Stats(_ context.Context, now time.Time) (auth.RevocationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := auth.RevocationStats{Total: len(m.tokens)}
	for _, v := range m.tokens {
		if v.ExpiresAt.Before(now) {
			s.Expired++
		}
	}
	s.Active = s.Total - s.Expired
	return s, nil
}

// memSessions is an in-memory session store.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*auth.Session
	err      error
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]*auth.Session{}}
}

func (m *memSessions) CreateSession(_ context.Context, session *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *memSessions) FindSession(_ context.Context, id string) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memSessions) TouchSession(_ context.Context, id string, seenAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	s, ok := m.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	s.LastSeenAt = seenAt
	if expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
	}
	return nil
}

func (m *memSessions) ListSessions(_ context.Context, accountID string, now time.Time) ([]*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.Session
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.Active(now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memSessions) RevokeSession(_ context.Context, id, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	s.RevokedAt = &at
	s.RevokeReason = reason
	return true, nil
}

func (m *memSessions) RevokeSessions(_ context.Context, accountID, keep, reason string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for id, s := range m.sessions {
		if s.AccountID != accountID || id == keep || s.RevokedAt != nil {
			continue
		}
		s.RevokedAt = &at
		s.RevokeReason = reason
		n++
	}
	return n, nil
}

func (m *memSessions) PurgeSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// recordingSink captures activity events.
type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (r *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) types() []auth.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *recordingSink) count(typ auth.ActivityEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == typ {
			n++
		}
	}
	return n
}

func (r *recordingSink) last() auth.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// newTestServer returns a fiber backed router whose escaping errors render
// through the default error handler.
func newTestServer() router.Server[*fiber.App] {
	logger := auth.NopLogger()
	return router.NewFiberAdapter(func(*fiber.App) *fiber.App {
		return fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          auth.FiberErrorHandler(auth.DefaultErrorHandler(logger), logger),
		})
	})
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCodec(clock *testClock) *auth.TokenCodec {
	codec, err := auth.NewTokenCodec(auth.CodecConfig{
		ActiveKeyID: "k1",
		Keys:        []auth.SigningKey{{ID: "k1", Algorithm: "HS256", Key: []byte(testSecret)}},
		Issuer:      "authcore-test",
		Audience:    []string{"authcore"},
		Clock:       clock.Now,
	})
	if err != nil {
		panic(err)
	}
	return codec
}

var testVerifier = auth.NewBcryptVerifier(4)

func mustHash(password string) string {
	h, err := testVerifier.HashPassword(password)
	if err != nil {
		panic(err)
	}
	return h
}

// fixture wires the core services over in-memory stores.
type fixture struct {
	clock       *testClock
	accounts    *memAccounts
	revocations *memRevocations
	sessions    *memSessions
	sink        *recordingSink
	machine     *auth.AccountStateMachine
	authn       *auth.Authenticator
	codec       *auth.TokenCodec
	tokens      *auth.TokenService
	account     *auth.Account
}

func newFixture(opts ...auth.TokenServiceOption) *fixture {
	f := &fixture{
		clock:       newTestClock(),
		revocations: newMemRevocations(),
		sessions:    newMemSessions(),
		sink:        &recordingSink{},
	}
	f.accounts = newMemAccounts()
	f.account = f.accounts.put(&auth.Account{
		Identifier:   "ada@example.com",
		PasswordHash: mustHash("correct-horse"),
		Roles:        []string{auth.RoleCustomer},
		Status:       auth.AccountStatusActive,
	})

	f.machine = auth.NewAccountStateMachine(f.accounts,
		auth.WithStateMachineClock(f.clock.Now),
		auth.WithStateMachineActivitySink(f.sink),
		auth.WithStateMachineLogger(auth.NopLogger()),
	)
	f.authn = auth.NewAuthenticator(f.accounts, f.machine).
		WithClock(f.clock.Now).
		WithLogger(auth.NopLogger()).
		WithActivitySink(f.sink).
		WithPasswordVerifier(testVerifier)
	f.codec = newTestCodec(f.clock)

	base := []auth.TokenServiceOption{
		auth.WithTokenStateMachine(f.machine),
		auth.WithTokenLogger(auth.NopLogger()),
		auth.WithTokenActivitySink(f.sink),
	}
	f.tokens = auth.NewTokenService(f.codec, f.revocations, f.sessions, f.accounts, append(base, opts...)...)
	return f
}

func (f *fixture) login() (*auth.Principal, auth.TokenPair) {
	p, err := f.authn.Authenticate(context.Background(), "ada@example.com", "correct-horse")
	if err != nil {
		panic(err)
	}
	pair, err := f.tokens.Issue(context.Background(), p)
	if err != nil {
		panic(err)
	}
	return p, pair
}
