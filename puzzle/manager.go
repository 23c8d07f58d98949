package puzzle

import (
	"fmt"
	"time"

	"github.com/opd-ai/ghostlink/crypto"
	"github.com/sirupsen/logrus"
)

// Manager issues server nonces and verifies puzzle solutions. It keeps the
// current and the previous epoch so a client that started solving just
// before a refresh is still accepted. A Manager belongs to the dispatcher
// that owns it and is not safe for concurrent use.
type Manager struct {
	difficulty   uint32
	current      crypto.Nonce
	last         crypto.Nonce
	currentTable *nonceTable
	lastTable    *nonceTable
	lastUpdate   time.Time
	timeProvider crypto.TimeProvider
}

// NewManager returns a manager using the default time provider.
func NewManager() (*Manager, error) {
	return NewManagerWithTimeProvider(nil)
}

// NewManagerWithTimeProvider returns a manager driven by tp. Pass nil for the
// default time provider.
func NewManagerWithTimeProvider(tp crypto.TimeProvider) (*Manager, error) {
	current, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to create server nonce: %w", err)
	}
	last, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to create server nonce: %w", err)
	}
	tp = crypto.ProviderOrDefault(tp)
	return &Manager{
		difficulty:   InitialDifficulty,
		current:      current,
		last:         last,
		currentTable: newNonceTable(),
		lastTable:    newNonceTable(),
		lastUpdate:   tp.Now(),
		timeProvider: tp,
	}, nil
}

// Tick rotates the epoch once RefreshInterval has passed since the last
// rotation: the current nonce and table become the previous ones, and a fresh
// nonce with an empty table becomes current.
func (m *Manager) Tick() {
	now := m.timeProvider.Now()
	if now.Sub(m.lastUpdate) <= RefreshInterval {
		return
	}
	next, err := crypto.GenerateNonce()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Tick",
			"error":    err.Error(),
		}).Error("Failed to rotate server nonce")
		return
	}

	m.lastUpdate = now
	m.last = m.current
	m.lastTable, m.currentTable = m.currentTable, m.lastTable
	m.currentTable.reset()
	m.current = next

	logrus.WithFields(logrus.Fields{
		"function":      "Tick",
		"redeemed_last": m.lastTable.len(),
		"difficulty":    m.difficulty,
	}).Debug("Rotated puzzle epoch")
}

// CurrentNonce returns the server nonce handed out in challenge responses.
func (m *Manager) CurrentNonce() crypto.Nonce {
	return m.current
}

// Difficulty returns the difficulty handed out in challenge responses.
func (m *Manager) Difficulty() uint32 {
	return m.difficulty
}

// SetDifficulty changes the issued difficulty, clamped to MaxDifficulty.
// Solutions at the old difficulty are rejected from then on.
func (m *Manager) SetDifficulty(d uint32) {
	if d > MaxDifficulty {
		d = MaxDifficulty
	}
	m.difficulty = d
}

// CheckSolution validates a solution. The checks run in order: difficulty,
// server nonce epoch, the puzzle itself, then replay of the client nonce.
// Only a Success result records the client nonce.
func (m *Manager) CheckSolution(solution uint32, clientNonce, serverNonce crypto.Nonce, difficulty, identity uint32) ErrorCode {
	if difficulty != m.difficulty {
		return InvalidPuzzleDifficulty
	}
	var table *nonceTable
	switch serverNonce {
	case m.current:
		table = m.currentTable
	case m.last:
		table = m.lastTable
	default:
		return InvalidServerNonce
	}
	if !CheckOneSolution(solution, clientNonce, serverNonce, difficulty, identity) {
		return InvalidSolution
	}
	if !table.checkAdd(clientNonce) {
		logrus.WithFields(logrus.Fields{
			"function":     "CheckSolution",
			"client_nonce": clientNonce.String(),
		}).Warn("Puzzle solution replayed")
		return InvalidClientNonce
	}
	return Success
}
