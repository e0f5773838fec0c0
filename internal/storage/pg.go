package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgNotifyChannel = "buslane_state"

// PGStore keeps records in postgres. Shared kiosk deployments use it so a
// logout at one counter is observed by every other counter: writes emit a
// pg_notify on a well-known channel and watchers hold a dedicated LISTEN
// connection. Notification payloads carry only the key; watchers re-read
// the value, which keeps them under the postgres payload ceiling.
type PGStore struct {
	db     *sql.DB
	dsn    string
	origin string
}

type pgEvent struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin"`
}

// OpenPG opens the store and ensures its table exists.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)

	s := &PGStore{db: db, dsn: dsn, origin: uuid.NewString()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		create table if not exists client_state(
			key        text primary key,
			value      bytea not null,
			origin     text not null,
			updated_at timestamptz not null default now()
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStoreFromDB wraps an existing pool; used by tests.
func NewPGStoreFromDB(db *sql.DB) *PGStore {
	return &PGStore{db: db, origin: uuid.NewString()}
}

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `select value from client_state where key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *PGStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, `
		insert into client_state(key, value, origin, updated_at)
		values ($1,$2,$3,now())
		on conflict (key) do update
		set value = excluded.value, origin = excluded.origin, updated_at = now()
	`, key, value, s.origin); err != nil {
		return err
	}
	return s.announce(ctx, pgEvent{Key: key, Origin: s.origin})
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `delete from client_state where key=$1`, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	return s.announce(ctx, pgEvent{Key: key, Deleted: true, Origin: s.origin})
}

func (s *PGStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select key from client_state where key like $1 || '%' order by key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PGStore) announce(ctx context.Context, evt pgEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `select pg_notify($1, $2)`, pgNotifyChannel, string(payload))
	return err
}

// Watch holds a dedicated LISTEN connection and forwards changes made by
// other clients. The connection is re-established after failures.
func (s *PGStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			if err := s.listen(ctx, ch); err != nil && ctx.Err() == nil {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}

// resolveEvent turns a notification into a store event. Set notifications
// re-read the value; when the record has vanished before the re-read the
// event is dropped, since the delete that removed it notifies on its own.
func (s *PGStore) resolveEvent(ctx context.Context, evt pgEvent) (Event, bool) {
	out := Event{Key: evt.Key, Origin: evt.Origin}
	if evt.Deleted {
		return out, true
	}
	value, err := s.Get(ctx, evt.Key)
	if err != nil {
		return Event{}, false
	}
	out.Value = value
	return out, true
}

func (s *PGStore) listen(ctx context.Context, ch chan<- Event) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `listen `+pgNotifyChannel); err != nil {
		return err
	}

	for {
		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var evt pgEvent
		if err := json.Unmarshal([]byte(note.Payload), &evt); err != nil {
			continue
		}
		if evt.Origin == s.origin {
			continue
		}
		out, ok := s.resolveEvent(ctx, evt)
		if !ok {
			continue
		}
		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
