package events

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// NATSPublisher publishes build events to a JetStream stream and optionally
// mirrors the latest event per project into a key/value bucket.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	kv      jetstream.KeyValue
	subject string
}

// New returns a NATSPublisher when cfg names a server, a NoopPublisher otherwise.
func New(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return NoopPublisher{}, nil
	}
	return NewNATSPublisher(ctx, cfg)
}

// NewNATSPublisher connects to cfg.NATSURL and makes sure the stream (and KV
// bucket, when configured) exist.
func NewNATSPublisher(ctx context.Context, cfg config.EventsConfig) (*NATSPublisher, error) {
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("repobuilder"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to connect to NATS").
			WithContext("url", cfg.NATSURL).
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create JetStream context").Build()
	}

	p := &NATSPublisher{conn: conn, js: js, subject: cfg.Subject}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.Stream != "" {
		_, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
			Name:        cfg.Stream,
			Description: "repobuilder build results",
			Subjects:    []string{cfg.Subject},
			MaxAge:      30 * 24 * time.Hour,
		})
		if err != nil {
			conn.Close()
			return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create event stream").
				WithContext("stream", cfg.Stream).
				Build()
		}
	}

	if cfg.KVBucket != "" {
		kv, err := js.KeyValue(setupCtx, cfg.KVBucket)
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(setupCtx, jetstream.KeyValueConfig{
				Bucket:      cfg.KVBucket,
				Description: "Latest build result per project",
				History:     1,
			})
		}
		if err != nil {
			conn.Close()
			return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to open KV bucket").
				WithContext("bucket", cfg.KVBucket).
				Build()
		}
		p.kv = kv
	}

	slog.Info("NATS event publisher initialized",
		logfields.URL(cfg.NATSURL),
		slog.String("subject", cfg.Subject),
		slog.String("stream", cfg.Stream))
	return p, nil
}

// Publish sends ev to the configured subject. With a stream configured the
// publish waits for the JetStream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, ev BuildEvent) error {
	data, err := ev.Marshal()
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal event").Build()
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.js.Publish(pubCtx, p.subject, data); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to publish event").
			WithContext("subject", p.subject).
			Retryable().
			Build()
	}
	if p.kv != nil {
		if _, err := p.kv.Put(pubCtx, kvKey(ev.Project), data); err != nil {
			slog.Warn("Failed to store latest build result", logfields.Project(ev.Project), logfields.Error(err))
		}
	}

	slog.Debug("Published build event",
		logfields.Commit(ev.Project, ev.CommitHash, ev.DistroHash),
		logfields.Status(ev.Status))
	return nil
}

// Latest returns the latest stored event of project, or nil when the KV
// bucket is not configured or holds nothing for it.
func (p *NATSPublisher) Latest(ctx context.Context, project string) ([]byte, error) {
	if p.kv == nil {
		return nil, nil
	}
	entry, err := p.kv.Get(ctx, kvKey(project))
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to read latest build result").Build()
	}
	return entry.Value(), nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// kvKey maps a project name onto the KV key alphabet.
func kvKey(project string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, project)
}
