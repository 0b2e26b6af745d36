package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultMirrorPort is the default TCP port for the embedded NATS server
// backing the durability mirror.
const DefaultMirrorPort = 4222

const mirrorSubjectPrefix = "invalidations."

// Mirror is an optional, best-effort replay log for invalidation events,
// backed by an embedded NATS JetStream server. spec.md §4.5 requires only
// at-most-once, best-effort delivery over the store's pub/sub; this
// mirror is a pure enrichment so operators can replay missed
// invalidations for diagnostics (see cmd/schoold's doctor subcommand) —
// it is never consulted by the read path and its failure is never fatal.
type Mirror struct {
	ns   *server.Server
	conn *nats.Conn
	js   nats.JetStreamContext
	port int
}

// MirrorConfig configures the embedded JetStream mirror.
type MirrorConfig struct {
	Port     int
	StoreDir string
}

// StartMirror boots an embedded NATS server with JetStream enabled and
// creates (or reuses) a stream capturing every invalidation event for
// replay.
func StartMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMirrorPort
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("broadcast: create mirror store dir: %w", err)
	}

	opts := &server.Options{
		ServerName:         "school-display-mirror",
		Host:               "127.0.0.1",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: 64 << 20,
		JetStreamMaxStore:  256 << 20,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broadcast: create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("broadcast: embedded NATS server did not become ready")
	}

	nc, err := connectWithRetry(cfg.Port)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("broadcast: connect to embedded NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("broadcast: open JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "INVALIDATIONS",
		Subjects:  []string{mirrorSubjectPrefix + ">"},
		MaxAge:    24 * time.Hour,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("broadcast: create invalidations stream: %w", err)
	}

	return &Mirror{ns: ns, conn: nc, js: js, port: cfg.Port}, nil
}

// connectWithRetry dials the just-started embedded server. ReadyForConnections
// only confirms the listener is up, not that it will accept the very first
// dial under load, so the connect itself gets a short bounded retry instead
// of failing StartMirror on a single transient refusal.
func connectWithRetry(port int) (*nats.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	var nc *nats.Conn
	operation := func() error {
		conn, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port), nats.Name("school-display-mirror"))
		if err != nil {
			return err
		}
		nc = conn
		return nil
	}
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return nc, nil
}

// Record publishes event to the durable stream. Used only as a
// best-effort side channel from Broadcaster.Broadcast; never on the read
// path.
func (m *Mirror) Record(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broadcast: mirror marshal: %w", err)
	}
	subject := fmt.Sprintf("%s%d", mirrorSubjectPrefix, event.SchoolID)
	_, err = m.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("broadcast: mirror publish: %w", err)
	}
	return nil
}

// Replay reads up to limit of the most recent invalidation events
// recorded for schoolID, oldest first. Used by operator tooling
// (cmd/schoold doctor) to diagnose a gap a display reported after
// reconnecting; never consulted by the serving path.
func (m *Mirror) Replay(schoolID int64, limit int) ([]Event, error) {
	subject := fmt.Sprintf("%s%d", mirrorSubjectPrefix, schoolID)
	sub, err := m.js.PullSubscribe(subject, "", nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("broadcast: mirror replay subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	var msgs []*nats.Msg
	for {
		batch, err := sub.Fetch(256, nats.MaxWait(2*time.Second))
		msgs = append(msgs, batch...)
		if err != nil || len(batch) == 0 {
			break
		}
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Port reports the TCP port the embedded server listens on.
func (m *Mirror) Port() int { return m.port }

// Shutdown drains the connection and stops the embedded server.
func (m *Mirror) Shutdown() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
	if m.ns != nil {
		m.ns.Shutdown()
		m.ns.WaitForShutdown()
	}
}
