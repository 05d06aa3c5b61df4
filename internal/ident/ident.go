// Package ident derives stable local identifiers from connector-scoped
// external identifiers. Two servers (or two syncs) mapping the same
// (connector, external id) pair always agree on the local id without a
// coordination round-trip.
package ident

import (
	"hash/fnv"
	"strconv"
)

// LocalID maps a connector-scoped external id to a stable positive int64.
// Pure function: same inputs yield the same id across process restarts.
func LocalID(connectorID int64, externalID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(connectorID, 10)))
	h.Write([]byte{'/'})
	h.Write([]byte(externalID))
	return int64(h.Sum64() &^ (1 << 63))
}

// LocalIDInt is LocalID for connectors that hand out numeric external
// ids. "42" and 42 on the wire map to the same row.
func LocalIDInt(connectorID, externalNum int64) int64 {
	return LocalID(connectorID, strconv.FormatInt(externalNum, 10))
}
