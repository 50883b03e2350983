// Package cid encodes the engine's client order ids. Every order pairhedge
// places carries one, so exchange records, journal rows, and logs can be
// correlated back to the cycle, account, and dispatch that produced them.
package cid

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/howeyc/crc16"
)

// Role states why an order was placed within its cycle.
type Role byte

const (
	RolePrimary    Role = 'P' // primary LIMIT leg
	RoleHedge      Role = 'H' // streaming hedge dispatch on a helper
	RoleCorrective Role = 'C' // post-fill shortfall correction
	RoleForce      Role = 'F' // force-close after exhausted rehangs
	RoleUnwind     Role = 'U' // position close at cycle end or shutdown
	RoleReconcile  Role = 'R' // reconciler balancing order
)

const (
	version = 0x01
	prefix  = "ph"
	rawLen  = 14
	encLen  = len(prefix) + rawLen*2
)

// ID identifies one order the engine placed. Binance caps client order ids at
// 36 characters; the encoded form is 30.
type ID struct {
	CreatedAt time.Time // stored at day resolution, UTC
	Cycle     uint32
	Account   uint8
	Role      Role
	Attempt   uint8
	Seq       uint16
}

// New builds an ID stamped with the current day.
func New(now time.Time, cycle uint32, account uint8, role Role, attempt uint8, seq uint16) ID {
	return ID{
		CreatedAt: now.UTC().Truncate(24 * time.Hour),
		Cycle:     cycle,
		Account:   account,
		Role:      role,
		Attempt:   attempt,
		Seq:       seq,
	}
}

// String renders the wire form sent as newClientOrderId.
func (id ID) String() string {
	return prefix + hex.EncodeToString(id.encode())
}

// encode returns the 14 byte binary form, all fields BigEndian:
// 1 byte version, 2 bytes days since epoch, 4 bytes cycle sequence,
// 1 byte account index, 1 byte role, 1 byte attempt, 2 bytes dispatch
// sequence, then a CRC16 of the preceding bytes.
func (id ID) encode() []byte {
	out := make([]byte, 0, rawLen)
	out = append(out, version)
	out = binary.BigEndian.AppendUint16(out, uint16(id.CreatedAt.UTC().Unix()/86400))
	out = binary.BigEndian.AppendUint32(out, id.Cycle)
	out = append(out, id.Account, byte(id.Role), id.Attempt)
	out = binary.BigEndian.AppendUint16(out, id.Seq)
	out = binary.BigEndian.AppendUint16(out, crc16.Checksum(out, crc16.IBMTable))
	return out
}

var (
	ErrNotOurs           = errors.New("client order id does not carry the pairhedge prefix")
	ErrBadVersion        = errors.New("unknown client order id version")
	ErrIncorrectChecksum = errors.New("client order id checksum does not match")
)

// Parse decodes a client order id previously produced by String. The checksum
// must verify; ids minted by other systems fail with ErrNotOurs.
func Parse(s string) (ID, error) {
	if len(s) != encLen || !strings.HasPrefix(s, prefix) {
		return ID{}, ErrNotOurs
	}
	raw, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return ID{}, fmt.Errorf("decoding client order id: %w", err)
	}
	if crc16.Checksum(raw[:rawLen-2], crc16.IBMTable) != binary.BigEndian.Uint16(raw[rawLen-2:]) {
		return ID{}, ErrIncorrectChecksum
	}
	if raw[0] != version {
		return ID{}, ErrBadVersion
	}
	days := binary.BigEndian.Uint16(raw[1:3])
	return ID{
		CreatedAt: time.Unix(int64(days)*86400, 0).UTC(),
		Cycle:     binary.BigEndian.Uint32(raw[3:7]),
		Account:   raw[7],
		Role:      Role(raw[8]),
		Attempt:   raw[9],
		Seq:       binary.BigEndian.Uint16(raw[10:12]),
	}, nil
}
