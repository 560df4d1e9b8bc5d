package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// ErrUnavailable is the failure injected by FailBegin/FailCommits.
var ErrUnavailable = errors.New("store: unavailable")

type tokenKey struct {
	slotID string
	number uint64
}

// Memory is a process-local Store.  It backs STORE_DRIVER=memory and the
// tests; FailBegin and FailCommits simulate an unavailable database.
type Memory struct {
	mu           sync.Mutex
	slots        map[string]model.Slot
	reservations map[string]model.Reservation
	bookings     map[string]model.Booking
	tokens       map[string]model.Token
	numbers      map[tokenKey]string

	failBegin   int
	failCommits int
	commits     int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		slots:        make(map[string]model.Slot),
		reservations: make(map[string]model.Reservation),
		bookings:     make(map[string]model.Booking),
		tokens:       make(map[string]model.Token),
		numbers:      make(map[tokenKey]string),
	}
}

// FailBegin makes the next n calls to Begin fail with ErrUnavailable.
func (m *Memory) FailBegin(n int) {
	m.mu.Lock()
	m.failBegin = n
	m.mu.Unlock()
}

// FailCommits makes the next n commits fail with ErrUnavailable.
func (m *Memory) FailCommits(n int) {
	m.mu.Lock()
	m.failCommits = n
	m.mu.Unlock()
}

// Commits returns the number of successful commits so far.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Slot returns the persisted copy of a slot.
func (m *Memory) Slot(id string) (model.Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

// Token returns the persisted copy of a token.
func (m *Memory) Token(id string) (model.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	return t, ok
}

// Begin opens a buffered transaction.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBegin > 0 {
		m.failBegin--
		return nil, ErrUnavailable
	}
	return &memoryTx{m: m}, nil
}

// Load returns a copy of everything committed so far, ordered for replay.
func (m *Memory) Load(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st State
	for _, s := range m.slots {
		st.Slots = append(st.Slots, s)
	}
	for _, r := range m.reservations {
		st.Reservations = append(st.Reservations, r)
	}
	for _, b := range m.bookings {
		st.Bookings = append(st.Bookings, b)
	}
	for _, t := range m.tokens {
		st.Tokens = append(st.Tokens, t)
	}
	sort.Slice(st.Tokens, func(i, j int) bool {
		if st.Tokens[i].SlotID != st.Tokens[j].SlotID {
			return st.Tokens[i].SlotID < st.Tokens[j].SlotID
		}
		return st.Tokens[i].Number < st.Tokens[j].Number
	})
	return st, nil
}

type memoryTx struct {
	m    *Memory
	ops  []func()
	done bool

	tokens []model.Token
}

func (tx *memoryTx) SaveSlot(_ context.Context, s model.Slot) error {
	tx.ops = append(tx.ops, func() { tx.m.slots[s.ID] = s })
	return nil
}

func (tx *memoryTx) SaveReservation(_ context.Context, r model.Reservation) error {
	tx.ops = append(tx.ops, func() { tx.m.reservations[r.ID] = r })
	return nil
}

func (tx *memoryTx) SaveBooking(_ context.Context, b model.Booking) error {
	tx.ops = append(tx.ops, func() { tx.m.bookings[b.ID] = b })
	return nil
}

func (tx *memoryTx) SaveToken(_ context.Context, t model.Token) error {
	tx.m.mu.Lock()
	owner, taken := tx.m.numbers[tokenKey{t.SlotID, t.Number}]
	tx.m.mu.Unlock()
	if taken && owner != t.ID {
		return ErrConflict
	}
	tx.tokens = append(tx.tokens, t)
	tx.ops = append(tx.ops, func() {
		tx.m.tokens[t.ID] = t
		tx.m.numbers[tokenKey{t.SlotID, t.Number}] = t.ID
	})
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return errors.New("store: transaction already finished")
	}
	tx.done = true
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if tx.m.failCommits > 0 {
		tx.m.failCommits--
		return ErrUnavailable
	}
	for _, t := range tx.tokens {
		if owner, taken := tx.m.numbers[tokenKey{t.SlotID, t.Number}]; taken && owner != t.ID {
			return ErrConflict
		}
	}
	for _, op := range tx.ops {
		op()
	}
	tx.m.commits++
	return nil
}

func (tx *memoryTx) Rollback() error {
	tx.done = true
	tx.ops = nil
	return nil
}
