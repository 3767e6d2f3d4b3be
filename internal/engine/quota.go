package engine

import (
	"errors"
	"fmt"
	"sync"
)

// MessageQuota caps how many component messages each scene may send per
// frame. Scenes that flood the reconciler get an error for the excess
// instead of starving other scenes of host-loop time.
//
// Check is called from sandbox goroutines; Reset from the host loop at
// the start of every frame.
type MessageQuota struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewMessageQuota creates a quota. A limit of zero or less disables it.
func NewMessageQuota(limit int) *MessageQuota {
	return &MessageQuota{limit: limit, used: make(map[string]int)}
}

// Check records n messages for scene and fails if that would exceed the
// limit. A failed check records nothing.
func (q *MessageQuota) Check(scene string, n int) error {
	if q.limit <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used[scene]+n > q.limit {
		return &QuotaExceededError{Scene: scene, Messages: q.used[scene] + n, Limit: q.limit}
	}
	q.used[scene] += n
	return nil
}

// Reset starts a new frame.
func (q *MessageQuota) Reset() {
	q.mu.Lock()
	clear(q.used)
	q.mu.Unlock()
}

// Used returns how many messages scene has sent this frame.
func (q *MessageQuota) Used(scene string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[scene]
}

// Limit returns the per-frame limit.
func (q *MessageQuota) Limit() int {
	return q.limit
}

// QuotaExceededError is returned to a scene whose send would exceed its
// per-frame message quota. The rejected messages are dropped; earlier
// sends in the frame stand.
type QuotaExceededError struct {
	Scene    string
	Messages int
	Limit    int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("scene %s exceeded message quota: %d messages > %d per frame",
		e.Scene, e.Messages, e.Limit)
}

// IsQuotaExceededError reports whether err is a QuotaExceededError.
func IsQuotaExceededError(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
