package puzzle

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/opd-ai/ghostlink/crypto"
)

const (
	// RefreshInterval is how long a server nonce stays current.
	RefreshInterval = 30 * time.Second
	// InitialDifficulty is the number of leading zero bits required by default.
	InitialDifficulty = 17
	// MaxDifficulty bounds SetDifficulty.
	MaxDifficulty = 26
	// SolveSlice bounds the wall time spent in one Solve call.
	SolveSlice = 30 * time.Millisecond
	// SolveIterations is the number of candidates tried between clock checks.
	SolveIterations = 50000

	minTableSize = 127
	maxTableSize = 387
)

// ErrorCode is the outcome of Manager.CheckSolution.
type ErrorCode int

const (
	// Success means the solution was accepted and its client nonce recorded.
	Success ErrorCode = iota
	// InvalidSolution means the hash did not have enough leading zero bits.
	InvalidSolution
	// InvalidServerNonce means the server nonce is neither the current nor the previous one.
	InvalidServerNonce
	// InvalidClientNonce means the client nonce already redeemed a solution.
	InvalidClientNonce
	// InvalidPuzzleDifficulty means the difficulty is not the one being issued.
	InvalidPuzzleDifficulty
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidSolution:
		return "invalid solution"
	case InvalidServerNonce:
		return "invalid server nonce"
	case InvalidClientNonce:
		return "invalid client nonce"
	case InvalidPuzzleDifficulty:
		return "invalid puzzle difficulty"
	default:
		return "unknown"
	}
}

// CheckOneSolution reports whether SHA-256(solution || identity || clientNonce
// || serverNonce) starts with difficulty zero bits. Integers are big-endian.
func CheckOneSolution(solution uint32, clientNonce, serverNonce crypto.Nonce, difficulty, identity uint32) bool {
	if difficulty > sha256.Size*8 {
		return false
	}
	var buf [8 + 2*crypto.NonceSize]byte
	binary.BigEndian.PutUint32(buf[0:], solution)
	binary.BigEndian.PutUint32(buf[4:], identity)
	copy(buf[8:], clientNonce[:])
	copy(buf[8+crypto.NonceSize:], serverNonce[:])
	hash := sha256.Sum256(buf[:])

	index := 0
	for difficulty > 8 {
		if hash[index] != 0 {
			return false
		}
		index++
		difficulty -= 8
	}
	mask := byte(0xFF << (8 - difficulty))
	return hash[index]&mask == 0
}

// Solve searches for a solution starting at start. It tries SolveIterations
// candidates at a time and gives up once clock reports that SolveSlice has
// passed, returning the next candidate to try and false. Call it again with
// that value on the next tick to continue. A nil clock uses the default time
// provider.
func Solve(clock crypto.TimeProvider, start uint32, clientNonce, serverNonce crypto.Nonce, difficulty, identity uint32) (uint32, bool) {
	clock = crypto.ProviderOrDefault(clock)
	began := clock.Now()
	value := start
	for {
		end := value + SolveIterations
		for ; value != end; value++ {
			if CheckOneSolution(value, clientNonce, serverNonce, difficulty, identity) {
				return value, true
			}
		}
		if clock.Since(began) > SolveSlice {
			return value, false
		}
	}
}
