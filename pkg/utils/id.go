package utils

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idSeq uint64

// GenMsgID returns a sortable message id built from the current time and a
// process-local counter to avoid collisions within one nanosecond.
func GenMsgID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}

// GenThreadID returns a sortable thread id.
func GenThreadID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("thread-%d-%d", n, s)
}

// GenGuestID returns a stable random guest identifier.
func GenGuestID() string { return "guest-" + uuid.NewString() }
