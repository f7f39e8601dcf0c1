// Package snowflake generates and parses the 63-bit sortable ids used as
// primary keys for every stator-managed entity.
package snowflake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// Epoch is 2022-01-01T07:00:00Z, matching the reference implementation this
// id scheme was ported from. IDs embed milliseconds since this instant, not
// since the Unix epoch, so they stay well inside 41 bits for decades.
const Epoch int64 = 1641020400

// Type tags occupy the low 3 bits of every id.
type Type uint8

const (
	TypePost        Type = 0b000
	TypeInteraction Type = 0b001
	TypeIdentity    Type = 0b010
	TypeReport      Type = 0b011
	TypeFollow      Type = 0b100
)

// Generate returns a new snowflake id of the given type. IDs are not
// strictly monotonic — the middle 19 bits are random, not a sequence — so
// a collision is possible (about 1% chance at 100 generations within the
// same millisecond) and must be handled as an insert failure by the caller.
func Generate(t Type) int64 {
	now := time.Now().UnixMilli() - Epoch*1000
	return (now << 22) | (randBits19() << 3) | int64(t)
}

func GeneratePost() int64        { return Generate(TypePost) }
func GenerateInteraction() int64 { return Generate(TypeInteraction) }
func GenerateIdentity() int64    { return Generate(TypeIdentity) }
func GenerateReport() int64      { return Generate(TypeReport) }
func GenerateFollow() int64      { return Generate(TypeFollow) }

// GetType extracts the type tag embedded in id.
func GetType(id int64) (Type, error) {
	if id < (1 << 22) {
		return 0, fmt.Errorf("snowflake: %d is not a valid id", id)
	}
	return Type(id & 0b111), nil
}

// GetTime returns the generation time embedded in id.
func GetTime(id int64) (time.Time, error) {
	if id < (1 << 22) {
		return time.Time{}, fmt.Errorf("snowflake: %d is not a valid id", id)
	}
	ms := (id >> 22) + Epoch*1000
	return time.UnixMilli(ms).UTC(), nil
}

func randBits19() int64 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// a time-derived value rather than panicking the caller.
		return time.Now().UnixNano() & 0x7FFFF
	}
	v := binary.BigEndian.Uint32(buf[:])
	return int64(v) & 0x7FFFF // 19 bits
}
