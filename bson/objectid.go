package bson

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ObjectId is the 12-byte primary key of §3: 4-byte big-endian unix
// timestamp, 3-byte machine id, 2-byte process id, 3-byte monotonic counter.
type ObjectId [12]byte

// machineID is derived once per process from a random UUID rather than a
// hostname hash, so two engines started on the same host within the same
// second still get distinct ids (the generator only promises uniqueness
// across processes on a best-effort basis, per §3).
var machineID = func() [3]byte {
	u := uuid.New()
	return [3]byte{u[0], u[1], u[2]}
}()

// Generator produces monotonically increasing ObjectIds within a process.
// One Generator is held per Database instance (§9 "no process-wide mutable
// state"); it must not be shared across Database instances.
type Generator struct {
	mu      sync.Mutex
	counter uint32 // low 24 bits used; high byte always zero
	pid     uint16
}

// NewGenerator creates a fresh ObjectId generator seeded from a random
// starting counter so that restarting a process doesn't restart the counter
// at zero (harmless for uniqueness but avoids an easily-guessable sequence).
func NewGenerator() *Generator {
	var seed [3]byte
	copy(seed[:], uuid.New()[3:6])
	start := uint32(seed[0])<<16 | uint32(seed[1])<<8 | uint32(seed[2])
	return &Generator{
		counter: start,
		pid:     uint16(os.Getpid()),
	}
}

// Next returns the next ObjectId. Monotonic within the process (§3).
func (g *Generator) Next() ObjectId {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id ObjectId
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], machineID[:])
	binary.BigEndian.PutUint16(id[7:9], g.pid)

	g.counter = (g.counter + 1) & 0x00FFFFFF
	id[9] = byte(g.counter >> 16)
	id[10] = byte(g.counter >> 8)
	id[11] = byte(g.counter)
	return id
}

// Hex returns the lowercase hex encoding of the id.
func (id ObjectId) Hex() string { return hex.EncodeToString(id[:]) }

// Compare orders two ObjectIds byte-wise (timestamp-major, per §3 layout).
func (id ObjectId) Compare(other ObjectId) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ObjectIdFromHex parses a hex-encoded ObjectId.
func ObjectIdFromHex(s string) (ObjectId, error) {
	var id ObjectId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != 12 {
		return id, errInvalidObjectIdLength
	}
	copy(id[:], b)
	return id, nil
}

var errInvalidObjectIdLength = &invalidObjectIdLenErr{}

type invalidObjectIdLenErr struct{}

func (e *invalidObjectIdLenErr) Error() string { return "bson: objectid must be 12 bytes" }
