package protocol

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var requestSeq atomic.Uint64

// NewRequestID returns an id that is unique for the lifetime of the process:
// a nanosecond timestamp, a process-wide sequence number and a random suffix.
func NewRequestID() string {
	seq := requestSeq.Add(1)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("req_%d_%d_%s", time.Now().UnixNano(), seq, suffix)
}
