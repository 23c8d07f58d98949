package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
	"sync"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownClass is returned for an id or name that was never registered.
	ErrUnknownClass = errors.New("unknown class")
	// ErrDuplicateClass is returned when a name is registered twice.
	ErrDuplicateClass = errors.New("class already registered")
	// ErrVersionOrder is returned when a class is registered with a lower
	// version than the class before it.
	ErrVersionOrder = errors.New("class versions must not decrease")
)

type class[T any] struct {
	name    string
	version uint32
	ctor    func() T
}

// Registry maps stable numeric class ids to constructors. Ids are assigned in
// registration order, so both peers must register the same classes in the
// same order. Versions must be non-decreasing; a peer with fewer classes can
// still talk to a newer one as long as its count ends on a version border.
//
// A Registry is built once at startup and read-mostly afterwards.
type Registry[T any] struct {
	mu      sync.RWMutex
	group   string
	classes []class[T]
	byName  map[string]uint32
}

// New returns an empty registry. group names the registry in logs.
func New[T any](group string) *Registry[T] {
	return &Registry[T]{
		group:  group,
		byName: make(map[string]uint32),
	}
}

// Register adds a class and returns its id.
func (r *Registry[T]) Register(name string, version uint32, ctor func() T) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return 0, fmt.Errorf("%s: %w", name, ErrDuplicateClass)
	}
	if n := len(r.classes); n > 0 && r.classes[n-1].version > version {
		return 0, fmt.Errorf("%s version %d after %d: %w", name, version, r.classes[n-1].version, ErrVersionOrder)
	}
	id := uint32(len(r.classes))
	r.classes = append(r.classes, class[T]{name: name, version: version, ctor: ctor})
	r.byName[name] = id

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"group":    r.group,
		"class":    name,
		"id":       id,
		"version":  version,
	}).Debug("Registered net class")
	return id, nil
}

// MustRegister is like Register but panics on error. It is meant for
// package-level registration at startup.
func (r *Registry[T]) MustRegister(name string, version uint32, ctor func() T) uint32 {
	id, err := r.Register(name, version, ctor)
	if err != nil {
		panic(err)
	}
	return id
}

// Count returns the number of registered classes.
func (r *Registry[T]) Count() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint32(len(r.classes))
}

// ID returns the id registered for name.
func (r *Registry[T]) ID(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Name returns the name of class id, or "" if there is none.
func (r *Registry[T]) Name(id uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id >= uint32(len(r.classes)) {
		return ""
	}
	return r.classes[id].name
}

// Create constructs a new instance of class id.
func (r *Registry[T]) Create(id uint32) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id >= uint32(len(r.classes)) {
		var zero T
		return zero, fmt.Errorf("%s class id %d: %w", r.group, id, ErrUnknownClass)
	}
	return r.classes[id].ctor(), nil
}

// CreateByName constructs a new instance of the named class.
func (r *Registry[T]) CreateByName(name string) (T, error) {
	id, ok := r.ID(name)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s class %q: %w", r.group, name, ErrUnknownClass)
	}
	return r.Create(id)
}

// IsVersionBorderCount reports whether the first count classes form a
// complete set of versions: either all classes, or a prefix whose last
// class has a lower version than the next one.
func (r *Registry[T]) IsVersionBorderCount(count uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := uint32(len(r.classes))
	if count == n {
		return true
	}
	return count > 0 && count < n && r.classes[count].version != r.classes[count-1].version
}

// BitSize returns the number of bits needed to write any class id.
func (r *Registry[T]) BitSize() int {
	return ClassIDBits(r.Count())
}

// ClassIDBits returns the number of bits needed to write ids in [0, count).
func ClassIDBits(count uint32) int {
	if count <= 1 {
		return 0
	}
	return bits.Len32(count - 1)
}

// CRC returns a checksum over the ordered class names and versions. Peers
// compare it during the handshake to detect mismatched class tables.
func (r *Registry[T]) CRC() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := crc32.NewIEEE()
	var v [4]byte
	for _, c := range r.classes {
		h.Write([]byte(c.name))
		binary.LittleEndian.PutUint32(v[:], c.version)
		h.Write(v[:])
	}
	return h.Sum32()
}

// WriteClassID writes id using count ids' worth of bits.
func WriteClassID(bs *bitstream.BitStream, id, count uint32) {
	bs.WriteInt(id, ClassIDBits(count))
}

// ReadClassID reads an id written by WriteClassID and checks it is below count.
func ReadClassID(bs *bitstream.BitStream, count uint32) (uint32, error) {
	id := bs.ReadInt(ClassIDBits(count))
	if id >= count {
		return 0, fmt.Errorf("class id %d of %d: %w", id, count, ErrUnknownClass)
	}
	return id, nil
}
