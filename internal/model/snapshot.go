package model

import "time"

// Snapshot is a cached output for a topic's default inputs.
type Snapshot struct {
	TopicID      string         `json:"topic_id"`
	InputsHash   string         `json:"inputs_hash"`
	Output       OutputDocument `json:"output"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ExpiresEpoch int64          `json:"expires_epoch"`
	LockID       string         `json:"lock_id,omitempty"`
	LockUntil    *time.Time     `json:"lock_until,omitempty"`
}

// Fresh reports whether the snapshot has not yet expired at now.
func (s Snapshot) Fresh(now time.Time) bool {
	return s.Output.Output != nil && now.Before(s.ExpiresAt)
}

// Locked reports whether a generation lock is held at now.
func (s Snapshot) Locked(now time.Time) bool {
	return s.LockID != "" && s.LockUntil != nil && now.Before(*s.LockUntil)
}
