// Package tsid generates time-sorted 64-bit identifiers encoded as
// 13-character Crockford Base32 strings. Because the alphabet is in
// ascending ASCII order, ids minted in a later millisecond compare
// greater as plain strings, so rows ordered by id are also ordered by
// creation time.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Layout: 42 bits of milliseconds since 2020-01-01T00:00:00Z in the high
// bits, 22 random bits below.
const (
	epochMillis = 1577836800000
	randomBits  = 22
	encodedLen  = 13

	// Low random bits replaced by a counter within one millisecond.
	counterMask = 0xFFFF
)

const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ErrInvalid is returned when parsing a malformed identifier.
var ErrInvalid = errors.New("tsid: invalid identifier")

var decodeTable = buildDecodeTable()

func buildDecodeTable() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		t[c] = int8(i)
		if c >= 'A' && c <= 'Z' {
			t[c+'a'-'A'] = int8(i)
		}
	}
	// Crockford aliases for easily confused characters.
	for _, c := range []byte{'O', 'o'} {
		t[c] = 0
	}
	for _, c := range []byte{'I', 'i', 'L', 'l'} {
		t[c] = 1
	}
	t['U'], t['u'] = 27, 27
	return t
}

// Generator produces identifiers that sort by generation time. Safe for
// concurrent use. The zero value is ready.
type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint32
}

// NewGenerator creates an independent generator.
func NewGenerator() *Generator {
	return &Generator{}
}

var defaultGenerator Generator

// Generate returns a new identifier from the process-wide generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate returns a new identifier.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & (1<<randomBits - 1)

	// Within one millisecond a counter takes over the low random bits so
	// ids stay unique under bursts.
	if ms == g.lastMs {
		g.counter++
		random = random&^counterMask | g.counter&counterMask
	} else {
		g.lastMs = ms
		g.counter = 0
	}

	return encode(uint64(ms)<<randomBits | uint64(random))
}

// Timestamp extracts the creation time embedded in an identifier.
func Timestamp(id string) (time.Time, error) {
	v, err := decode(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v>>randomBits) + epochMillis), nil
}

func encode(v uint64) string {
	var out [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out[:])
}

func decode(s string) (uint64, error) {
	if len(s) != encodedLen {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}
