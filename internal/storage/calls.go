package storage

import (
	"fmt"
	"time"
)

// CallEntry is one finished call.
type CallEntry struct {
	CallID    string    `json:"callId"`
	PeerID    string    `json:"peerId"`
	Role      string    `json:"role"`
	SessionID string    `json:"sessionId,omitempty"`
	Reason    string    `json:"reason"`
	Connected bool      `json:"connected"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Duration is the time between start and end.
func (e CallEntry) Duration() time.Duration {
	if e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// RecordCall stores a finished call. A second record for the same call id
// replaces the first.
func (d *DB) RecordCall(e CallEntry) error {
	if e.CallID == "" {
		return fmt.Errorf("record call: empty call id")
	}
	conn := 0
	if e.Connected {
		conn = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _calls (call_id, peer_id, role, session_id, reason, connected, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			peer_id    = excluded.peer_id,
			role       = excluded.role,
			session_id = excluded.session_id,
			reason     = excluded.reason,
			connected  = excluded.connected,
			started_at = excluded.started_at,
			ended_at   = excluded.ended_at`,
		e.CallID, e.PeerID, e.Role, e.SessionID, e.Reason, conn,
		e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// RecentCalls returns up to n calls, newest first.
func (d *DB) RecentCalls(n int) ([]CallEntry, error) {
	if n <= 0 {
		n = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT call_id, peer_id, role, session_id, reason, connected, started_at, ended_at
		FROM _calls ORDER BY ended_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallEntry
	for rows.Next() {
		var e CallEntry
		var conn int
		var started, ended int64
		if err := rows.Scan(&e.CallID, &e.PeerID, &e.Role, &e.SessionID, &e.Reason, &conn, &started, &ended); err != nil {
			return nil, err
		}
		e.Connected = conn != 0
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}
