// Package queuebridge is the queue context bridge (C11): carries a
// request context snapshot across a RabbitMQ message boundary so a
// consumer can rebuild the same tenant-scoped transaction a handler
// would have run inside.
package queuebridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	apperrors "github.com/smallbiznis/tenantroute/internal/apperrors"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	"github.com/smallbiznis/tenantroute/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Envelope is the wire shape of a published context snapshot -- claims
// only, never a DB handle, per spec.
type Envelope struct {
	CompanyID    *uuid.UUID `json:"companyId,omitempty"`
	BranchID     *uuid.UUID `json:"branchId,omitempty"`
	UserID       uuid.UUID  `json:"userId"`
	ActorType    string     `json:"actorType"`
	IsSuperAdmin bool       `json:"isSuperAdmin"`
	RoleName     string     `json:"roleName,omitempty"`
	Permissions  []string   `json:"permissions,omitempty"`
}

func envelopeFrom(rc reqctx.RequestContext) Envelope {
	return Envelope{
		CompanyID:    rc.CompanyID,
		BranchID:     rc.BranchID,
		UserID:       rc.UserID,
		ActorType:    string(rc.ActorType),
		IsSuperAdmin: rc.IsSuperAdmin,
		RoleName:     rc.RoleName,
		Permissions:  rc.Permissions,
	}
}

func (e Envelope) requestContext() reqctx.RequestContext {
	return reqctx.RequestContext{
		CompanyID:    e.CompanyID,
		BranchID:     e.BranchID,
		UserID:       e.UserID,
		ActorType:    reqctx.ActorType(e.ActorType),
		IsSuperAdmin: e.IsSuperAdmin,
		RoleName:     e.RoleName,
		Permissions:  e.Permissions,
	}
}

// Publisher serializes the calling request's context snapshot into a
// message envelope and publishes it to a durable queue on the default
// exchange.
type Publisher struct {
	conn *amqp.Connection
}

func NewPublisher(conn *amqp.Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends body alongside the snapshot of ctx's request context on
// queueName. The queue is declared durable and idempotently.
func (p *Publisher) Publish(ctx context.Context, queueName string, body any) error {
	rc, ok := reqctx.From(ctx)
	if !ok {
		return apperrors.New(apperrors.Internal, "queuebridge: publish requires a request context")
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	payload := struct {
		Context Envelope `json:"context"`
		Body    any      `json:"body"`
	}{
		Context: envelopeFrom(rc.Snapshot()),
		Body:    body,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	return ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         raw,
	})
}

// Handler processes one message's body under the rebuilt request
// context.
type Handler func(ctx context.Context, body json.RawMessage) error

// Consumer rebuilds C5's bind phase from an envelope instead of a
// verified token, since the transport itself is internal and trusted.
type Consumer struct {
	conn *amqp.Connection
	db   *gorm.DB
	log  *zap.Logger
}

func NewConsumer(conn *amqp.Connection, db *gorm.DB, log *zap.Logger) *Consumer {
	return &Consumer{conn: conn, db: db, log: log}
}

// Consume runs handler for every message on queueName until ctx is
// cancelled. Each message gets its own BEGIN/SET LOCAL ROLE/bind/COMMIT
// or ROLLBACK cycle, mirroring C5.
func (c *Consumer) Consume(ctx context.Context, queueName string, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, more := <-deliveries:
			if !more {
				return apperrors.New(apperrors.Internal, "queuebridge: deliveries channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				c.log.Warn("queuebridge: message handling failed", zap.String("queue", queueName), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) error {
	var payload struct {
		Context Envelope        `json:"context"`
		Body    json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return apperrors.Wrap(apperrors.Internal, err)
	}

	rc := payload.Context.requestContext()

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.SwitchRole(tx); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		if err := rls.SetSuperAdmin(tx, rc.IsSuperAdmin); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}
		companyID := ""
		if rc.CompanyID != nil {
			companyID = rc.CompanyID.String()
		}
		if err := rls.SetCompanyID(tx, companyID); err != nil {
			return apperrors.Wrap(apperrors.Internal, err)
		}

		handlerCtx := reqctx.WithDB(reqctx.With(ctx, rc), tx)
		return handler(handlerCtx, payload.Body)
	})
}
