package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store

	Outbox      *OutboxStore
	Cursors     *CursorStore
	Jobs        *JobStore
	Tokens      *TokenStore
	Schedules   *ScheduleStore
	Usage       *UsageStore
	Attachments *AttachmentStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:       persistence.NewStore(pool),
		Outbox:      NewOutboxStore(pool),
		Cursors:     NewCursorStore(pool),
		Jobs:        NewJobStore(pool),
		Tokens:      NewTokenStore(pool),
		Schedules:   NewScheduleStore(pool),
		Usage:       NewUsageStore(pool),
		Attachments: NewAttachmentStore(pool),
	}
}
