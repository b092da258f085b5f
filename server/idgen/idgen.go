// Package idgen generates envelope identifiers.
//
// Identifiers are 12 bytes encoded as 20 base32 characters:
//   - 4 bytes: timestamp (seconds since epoch, truncated)
//   - 3 bytes: node ID chosen at startup
//   - 2 bytes: per-process sequence
//   - 3 bytes: random data
//
// They sort roughly by creation time and are safe to use as file names.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"
)

var (
	nodeID   [3]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err == nil {
		return
	}
	// Fall back to the hostname when the random source fails
	if hostname, err := os.Hostname(); err == nil {
		copy(nodeID[:], hostname)
		return
	}
	binary.BigEndian.PutUint16(nodeID[:2], uint16(time.Now().UnixNano()))
}

// New returns a fresh envelope identifier.
func New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], nodeID[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		nanos := time.Now().UnixNano()
		id[9], id[10], id[11] = byte(nanos>>16), byte(nanos>>8), byte(nanos)
	}
	return encoding.EncodeToString(id[:])
}
