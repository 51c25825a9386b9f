package utils

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// CalculateHash generates a quoted CRC32 hash of the data, usable as an ETag
func CalculateHash(data []byte) string {
	table := crc32.MakeTable(crc32.IEEE)
	return fmt.Sprintf("\"%08x\"", crc32.Checksum(data, table))
}

// NewEntityID generates an id for a node or edge
func NewEntityID() string {
	return uuid.NewString()
}

// NewSessionID generates the origin id a sync session stamps on its broadcasts
func NewSessionID() string {
	return uuid.NewString()
}

// NewOrderedID generates a time ordered id, used for deltas and subscriptions
func NewOrderedID() string {
	return ulid.Make().String()
}
