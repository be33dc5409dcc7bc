package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	pgChannel        = "walletcore_state_changed"
	pgReconnectDelay = 2 * time.Second
)

// Postgres is the multi-process adapter: the shared state lives in one
// relation and LISTEN/NOTIFY carries the change feed across processes.
// Notifications carry only the key; each subscriber re-reads the row, so the
// store remains the source of truth even when notifications coalesce.
type Postgres struct {
	pool   *pgxpool.Pool
	feed   *feed
	log    zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func OpenPostgres(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) (*Postgres, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS walletcore_state(
  key text PRIMARY KEY,
  value bytea NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`)
	if err != nil {
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:   pool,
		feed:   newFeed(),
		log:    log.With().Str("component", "statestore").Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listen(listenCtx)
	return p, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM walletcore_state WHERE key=$1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
INSERT INTO walletcore_state(key,value) VALUES($1,$2)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
`, key, value); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1,$2)`, pgChannel, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM walletcore_state WHERE key=$1`, key); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1,$2)`, pgChannel, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx, `SELECT key,value FROM walletcore_state WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Postgres) Subscribe(fn func(Event)) (cancel func()) {
	return p.feed.subscribe(fn)
}

func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	return nil
}

// listen holds a dedicated connection on LISTEN and republishes every
// notification as a change event after re-reading the row.
func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.listenOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("change feed connection lost, reconnecting")
			select {
			case <-time.After(pgReconnectDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `LISTEN `+pgChannel); err != nil {
		return err
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		key := n.Payload
		v, found, err := p.Get(ctx, key)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("re-read after notification failed")
			continue
		}
		p.feed.publish(Event{Key: key, Value: v, Deleted: !found})
	}
}
