package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
	// connectors address users by "00"-prefixed numbers
	return strings.Replace(p, "+", "00", 1)
}

func NewFlowID() string {
	// ULID is sortable (nice for logs and dashboards)
	t := time.Now().UTC()
	return "flow_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
