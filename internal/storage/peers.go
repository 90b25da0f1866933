package storage

import (
	"database/sql"
	"errors"
	"time"
)

// PeerStatus is the last presence status seen for a peer. It survives
// restarts so a freshly watched peer starts from its last known state.
type PeerStatus struct {
	PeerID   string
	Status   string
	LastSeen time.Time
}

// UpsertPeerStatus stores or replaces the status for a peer.
func (d *DB) UpsertPeerStatus(p PeerStatus) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_status (peer_id, status, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			status    = excluded.status,
			last_seen = excluded.last_seen`,
		p.PeerID, p.Status, p.LastSeen.UnixMilli(),
	)
	return err
}

// GetPeerStatus returns the stored status for a peer, or false if unknown.
func (d *DB) GetPeerStatus(peerID string) (PeerStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p := PeerStatus{PeerID: peerID}
	var seen int64
	err := d.db.QueryRow(
		`SELECT status, last_seen FROM _peer_status WHERE peer_id = ?`, peerID,
	).Scan(&p.Status, &seen)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warnf("peer status %s: %v", peerID, err)
		}
		return PeerStatus{}, false
	}
	p.LastSeen = time.UnixMilli(seen)
	return p, true
}
