// Package admin implements the privileged control surface: health
// snapshots, forced conversation resets and test sends. Every operation
// bypasses the conversation engine.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clinivia/agendabot/internal/cache"
	"github.com/clinivia/agendabot/internal/conversation"
	"github.com/clinivia/agendabot/internal/messaging"
	"github.com/clinivia/agendabot/internal/resilience"
	"github.com/clinivia/agendabot/pkg/logging"
)

// Status is the read-only system health snapshot.
type Status struct {
	Breakers            []resilience.Snapshot `json:"breakers"`
	ActiveConversations int                   `json:"active_conversations"`
	CacheEntries        int                   `json:"cache_entries"`
	QueueDepth          int                   `json:"queue_depth"`
	GeneratedAt         time.Time             `json:"generated_at"`
}

// QueueInspector reports pending event backlog.
type QueueInspector interface {
	Depth() int
}

// Service wires the admin operations to their collaborators.
type Service struct {
	store     *conversation.Store
	exec      *resilience.Executor
	cache     *cache.Cache
	messenger conversation.Messenger
	queue     QueueInspector
	logger    *logging.Logger
}

// NewService builds the admin control service.
func NewService(store *conversation.Store, exec *resilience.Executor, resultCache *cache.Cache, messenger conversation.Messenger, queue QueueInspector, logger *logging.Logger) *Service {
	if store == nil {
		panic("admin: store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:     store,
		exec:      exec,
		cache:     resultCache,
		messenger: messenger,
		queue:     queue,
		logger:    logger,
	}
}

// Snapshot gathers the current health view. Collaborator failures degrade
// single fields rather than failing the whole snapshot.
func (s *Service) Snapshot(ctx context.Context) Status {
	st := Status{GeneratedAt: time.Now()}

	if s.exec != nil {
		st.Breakers = s.exec.Snapshots()
	}
	if n, err := s.store.Count(ctx); err == nil {
		st.ActiveConversations = n
	} else {
		s.logger.Warn("failed to count conversations", "error", err)
	}
	if s.cache != nil {
		if n, err := s.cache.Size(ctx); err == nil {
			st.CacheEntries = n
		} else {
			s.logger.Warn("failed to size cache", "error", err)
		}
	}
	if s.queue != nil {
		st.QueueDepth = s.queue.Depth()
	}
	return st
}

// StatusText renders the snapshot for a WhatsApp reply. Implements
// conversation.AdminControl.
func (s *Service) StatusText(ctx context.Context) (string, error) {
	st := s.Snapshot(ctx)

	var b strings.Builder
	b.WriteString("*Status do sistema*\n\n")
	for _, br := range st.Breakers {
		fmt.Fprintf(&b, "Circuito %s: %s (%d falhas recentes, %d chamadas)\n",
			br.Name, br.State, br.RecentFailures, br.Total)
	}
	if len(st.Breakers) == 0 {
		b.WriteString("Circuitos: sem chamadas registradas\n")
	}
	fmt.Fprintf(&b, "Conversas ativas: %d\n", st.ActiveConversations)
	fmt.Fprintf(&b, "Entradas em cache: %d\n", st.CacheEntries)
	fmt.Fprintf(&b, "Fila de eventos: %d", st.QueueDepth)
	return b.String(), nil
}

// Reset discards a phone's conversation unconditionally, bypassing the
// version check. Implements conversation.AdminControl.
func (s *Service) Reset(ctx context.Context, phone string) error {
	normalized, err := messaging.NormalizePhone(phone)
	if err != nil {
		return fmt.Errorf("admin: invalid phone: %w", err)
	}
	if err := s.store.Delete(ctx, normalized); err != nil {
		return fmt.Errorf("admin: reset failed: %w", err)
	}
	s.logger.Info("conversation reset by admin", "phone", messaging.MaskPhone(normalized))
	return nil
}

// SendTest delivers a message directly through the messaging client.
// Implements conversation.AdminControl.
func (s *Service) SendTest(ctx context.Context, phone, text string) error {
	if s.messenger == nil {
		return fmt.Errorf("admin: no messenger configured")
	}
	if _, err := s.messenger.SendText(ctx, phone, text); err != nil {
		return fmt.Errorf("admin: test send failed: %w", err)
	}
	s.logger.Info("test message sent by admin", "phone", messaging.MaskPhone(phone))
	return nil
}

var _ conversation.AdminControl = (*Service)(nil)
