package topology

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"firestige.xyz/weft/internal/proto"
)

// StoredPeer is one persisted peer cache record.
type StoredPeer struct {
	Address   proto.Address
	Identity  string // public identity in text form
	Endpoints []proto.Endpoint
	LastSeen  time.Time
}

// Store is the persistent peer cache consulted on in-memory lookup
// misses. Load returns (nil, nil) for an absent record.
type Store interface {
	Load(addr proto.Address) (*StoredPeer, error)
	Save(rec *StoredPeer) error
	DeleteOlderThan(cutoff time.Time) (int, error)
	Close() error
}

// sqliteStore backs the peer cache with a single-table SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the peer cache database at path.
func OpenStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}
	// The store is touched from lookup misses on many goroutines; one
	// connection serializes writes below SQLite's own locking.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS peers (
	address   INTEGER PRIMARY KEY,
	identity  TEXT NOT NULL,
	endpoints BLOB,
	last_seen INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise peer store: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(addr proto.Address) (*StoredPeer, error) {
	row := s.db.QueryRow(`SELECT identity, endpoints, last_seen FROM peers WHERE address = ?`, int64(addr))
	var rec StoredPeer
	var blob []byte
	var lastSeen int64
	if err := row.Scan(&rec.Identity, &blob, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.Address = addr
	rec.LastSeen = time.UnixMilli(lastSeen)
	for len(blob) > 0 {
		ep, n, err := proto.UnmarshalEndpoint(blob)
		if err != nil {
			// A corrupt endpoint list does not invalidate the identity.
			break
		}
		rec.Endpoints = append(rec.Endpoints, ep)
		blob = blob[n:]
	}
	return &rec, nil
}

func (s *sqliteStore) Save(rec *StoredPeer) error {
	var blob []byte
	var err error
	for _, ep := range rec.Endpoints {
		if blob, err = ep.Marshal(blob); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(
		`INSERT INTO peers (address, identity, endpoints, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET identity = excluded.identity,
		 endpoints = excluded.endpoints, last_seen = excluded.last_seen`,
		int64(rec.Address), rec.Identity, blob, rec.LastSeen.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM peers WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
