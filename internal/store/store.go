package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/google/uuid"
)

// DefaultResolvedTTL is how long a resolved token is remembered for duplicate detection.
const DefaultResolvedTTL = 24 * time.Hour

// Store holds requests awaiting a decision. Enqueue and Resolve are atomic with
// respect to each other; a token moves out of pending at most once.
type Store interface {
	Enqueue(ctx context.Context, req rpc.Request, origin string) (Token, error)
	Resolve(ctx context.Context, token Token, outcome Status, mutated rpc.Request) (Resolution, error)
	List(ctx context.Context) ([]Record, error)
}

type MemoryStore struct {
	mu          sync.Mutex
	session     string
	seq         uint64
	records     map[Token]Record
	order       []Token
	resolved    map[Token]tombstone
	resolvedTTL time.Duration
	now         func() time.Time
}

type tombstone struct {
	status   Status
	expireAt time.Time
}

// NewMemoryStore creates an in-process store. An empty session gets a random one.
func NewMemoryStore(session string, resolvedTTL time.Duration) *MemoryStore {
	if session == "" {
		session = uuid.NewString()
	}
	if resolvedTTL <= 0 {
		resolvedTTL = DefaultResolvedTTL
	}
	return &MemoryStore{
		session:     session,
		records:     make(map[Token]Record),
		resolved:    make(map[Token]tombstone),
		resolvedTTL: resolvedTTL,
		now:         time.Now,
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, req rpc.Request, origin string) (Token, error) {
	if req == nil {
		return "", ErrNilRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	token := Token(fmt.Sprintf("%s-%d", m.session, m.seq))
	m.records[token] = Record{
		Token:     token,
		Request:   req,
		Status:    StatusPending,
		Origin:    origin,
		CreatedAt: m.now(),
	}
	m.order = append(m.order, token)
	return token, nil
}

func (m *MemoryStore) Resolve(_ context.Context, token Token, outcome Status, mutated rpc.Request) (Resolution, error) {
	if err := validOutcome(outcome); err != nil {
		return Resolution{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[token]
	if !ok {
		if ts, seen := m.resolved[token]; seen && now.Before(ts.expireAt) {
			return Resolution{}, &AlreadyResolvedError{Token: token, Status: ts.status}
		}
		return Resolution{}, &UnknownTokenError{Token: token}
	}
	res, err := resolution(rec, outcome, mutated)
	if err != nil {
		return Resolution{}, err
	}

	delete(m.records, token)
	for i, t := range m.order {
		if t == token {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.pruneLocked(now)
	m.resolved[token] = tombstone{status: outcome, expireAt: now.Add(m.resolvedTTL)}
	return res, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, token := range m.order {
		out = append(out, m.records[token])
	}
	return out, nil
}

func (m *MemoryStore) pruneLocked(now time.Time) {
	for token, ts := range m.resolved {
		if !now.Before(ts.expireAt) {
			delete(m.resolved, token)
		}
	}
}
