package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-liveroom/internal/types"
)

const (
	DefaultChannel = "liveroom_relay"

	// the server rejects NOTIFY payloads of 8000 bytes or more
	maxPayloadBytes = 7999

	// larger messages go through relay_payloads and the notification carries
	// spillPrefix followed by the row id
	spillPrefix    = "@"
	spillRetention = 5 * time.Minute

	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresRelay publishes with pg_notify and receives through a dedicated
// LISTEN connection. Notifications sent while the listener is reconnecting
// are lost; affected clients see a sequence gap and catch up by listing.
type PostgresRelay struct {
	dsn      string
	db       *sql.DB
	channel  string
	log      *log.Logger
	listener *pq.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPostgresRelay publishes through db and listens on a connection of its
// own opened from dsn.
func NewPostgresRelay(dsn string, db *sql.DB, logger *log.Logger) *PostgresRelay {
	return &PostgresRelay{
		dsn:     dsn,
		db:      db,
		channel: DefaultChannel,
		log:     logger,
		done:    make(chan struct{}),
	}
}

func (r *PostgresRelay) Publish(ctx context.Context, msg types.RelayMessage) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	notice := string(payload)
	if len(payload) > maxPayloadBytes {
		if notice, err = r.spill(ctx, notice); err != nil {
			return err
		}
	}

	if _, err := r.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", r.channel, notice); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (r *PostgresRelay) spill(ctx context.Context, payload string) (string, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "INSERT INTO relay_payloads (payload) VALUES ($1) RETURNING id", payload).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("spill relay payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, "DELETE FROM relay_payloads WHERE created_at < $1", time.Now().Add(-spillRetention))
	if err != nil {
		r.log.Println("relay: expire spilled payloads:", err)
	}

	return spillPrefix + strconv.FormatInt(id, 10), nil
}

// spillId reports the relay_payloads row a notification refers to.
func spillId(notice string) (int64, bool) {
	rest, ok := strings.CutPrefix(notice, spillPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Listen starts delivering notifications to h until Close.
func (r *PostgresRelay) Listen(h Handler) error {
	r.listener = pq.NewListener(r.dsn, minReconnectInterval, maxReconnectInterval, r.logEvent)
	if err := r.listener.Listen(r.channel); err != nil {
		r.listener.Close()
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}

	r.wg.Add(1)
	go r.run(h)
	return nil
}

func (r *PostgresRelay) run(h Handler) {
	defer r.wg.Done()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case n, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// sent after a reconnect
				r.log.Println("relay: listener reconnected, notifications may have been missed")
				continue
			}
			r.dispatch(h, n.Extra)
		case <-ticker.C:
			go func() {
				if err := r.listener.Ping(); err != nil {
					r.log.Println("relay: ping:", err)
				}
			}()
		}
	}
}

func (r *PostgresRelay) dispatch(h Handler, notice string) {
	payload := notice
	if id, ok := spillId(notice); ok {
		err := r.db.QueryRow("SELECT payload FROM relay_payloads WHERE id = $1", id).Scan(&payload)
		if err != nil {
			r.log.Printf("relay: load spilled payload %d: %v", id, err)
			return
		}
	}

	msg, err := decode([]byte(payload))
	if err != nil {
		r.log.Println("relay:", err)
		return
	}
	h(context.Background(), msg)
}

func (r *PostgresRelay) logEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		r.log.Println("relay: listener disconnected:", err)
	case pq.ListenerEventConnectionAttemptFailed:
		r.log.Println("relay: listener connection attempt failed:", err)
	}
}

func (r *PostgresRelay) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.listener != nil {
			err = r.listener.Close()
		}
	})
	return err
}
