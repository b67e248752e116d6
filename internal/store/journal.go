// Package store journals submission attempts so receipts can be looked up by
// user operation hash after the request that produced them has returned.
package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

var ErrNotFound = errors.New("not found")

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeBroadcast Outcome = "broadcast"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is one submission of a user operation by a relayer.
type Attempt struct {
	ID          string    `json:"id"`
	UserOpHash  string    `json:"userOpHash"`
	ChainID     uint64    `json:"chainId"`
	RelayerID   uint64    `json:"relayerId"`
	Nonce       uint64    `json:"nonce"`
	BumpPercent uint64    `json:"bumpPercent"`
	Mode        string    `json:"mode"`
	TxHash      string    `json:"txHash,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Receipt     string    `json:"receipt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Journal interface {
	Append(a Attempt) error
	// List returns the attempts for a user operation, oldest first.
	List(userOpHash string) ([]Attempt, error)
	// Latest returns the newest attempt that reached the chain.
	Latest(userOpHash string) (Attempt, error)
	Close() error
}

func NewAttemptID() string {
	return ulid.Make().String()
}

func normalizeHash(h string) string {
	return strings.ToLower(h)
}

func latestBroadcast(attempts []Attempt) (Attempt, error) {
	broadcast := lo.Filter(attempts, func(a Attempt, _ int) bool { return a.TxHash != "" && a.Outcome != OutcomeFailed })
	if len(broadcast) == 0 {
		return Attempt{}, ErrNotFound
	}
	return broadcast[len(broadcast)-1], nil
}

// Memory is a process-local Journal.
type Memory struct {
	mu       sync.RWMutex
	attempts map[string][]Attempt
}

func NewMemory() *Memory {
	return &Memory{attempts: map[string][]Attempt{}}
}

func (m *Memory) Append(a Attempt) error {
	if a.ID == "" {
		a.ID = NewAttemptID()
	}
	key := normalizeHash(a.UserOpHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key] = append(m.attempts[key], a)
	return nil
}

func (m *Memory) List(userOpHash string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Attempt(nil), m.attempts[normalizeHash(userOpHash)]...), nil
}

func (m *Memory) Latest(userOpHash string) (Attempt, error) {
	attempts, _ := m.List(userOpHash)
	return latestBroadcast(attempts)
}

func (m *Memory) Close() error {
	return nil
}
