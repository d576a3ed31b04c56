// Package notify fans committed notifications and audit events out over
// NATS. The database stays the source of truth; publishing is best effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"dracanus/internal/domain"
	"dracanus/internal/logging"
)

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	logger = logging.OrNop(logger)
	nc, err := nats.Connect(url,
		nats.Name("dracanus"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// NotificationSubject is where notifications for owner are published.
func NotificationSubject(prefix, owner string) string {
	return prefix + ".notifications." + token(owner)
}

// EventSubject is where relayed audit events of type evtType are published.
// Event types are dotted, so each segment becomes a subject token.
func EventSubject(prefix, evtType string) string {
	parts := strings.Split(evtType, ".")
	for i, p := range parts {
		parts[i] = token(p)
	}
	return prefix + ".events." + strings.Join(parts, ".")
}

// NATSPublisher publishes notifications. A nil publisher drops them.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) PublishNotification(_ context.Context, n domain.Notification) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := nats.NewMsg(NotificationSubject(p.prefix, n.OwnerID))
	msg.Data = data
	msg.Header.Set("Dracanus-Notification", n.Type)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.ID, err)
	}
	return nil
}
