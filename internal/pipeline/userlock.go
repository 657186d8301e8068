package pipeline

import (
	"hash/fnv"
	"sync"
)

const userLockStripes = 64

// userLocks serializes Create per user so the rate limit and duplicate
// checks see every notification recorded before them. Users share a stripe
// when their ids hash alike; callers never hold two stripes at once.
type userLocks struct {
	stripes [userLockStripes]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &l.stripes[h.Sum32()%userLockStripes]
	m.Lock()
	return m.Unlock
}
