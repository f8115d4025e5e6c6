package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler closes the gap created by downtime: it walks provider history
// from each conversation's checkpoint forward and applies it idempotently.
// A failed conversation is logged and skipped, leaving its checkpoint
// unchanged so the next run retries it.
type Reconciler struct {
	db      *store.DB
	engine  *Engine
	history provider.HistorySource
	logger  *zap.Logger
	source  string

	batchSize    int
	perChatLimit int
	concurrency  int
}

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Conversations int
	Applied       int
	Failed        int
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, engine *Engine, history provider.HistorySource, batchSize, perChatLimit, concurrency int, logger *zap.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Reconciler{
		db:           db,
		engine:       engine,
		history:      history,
		logger:       logger,
		source:       provider.SourceWhatsApp,
		batchSize:    batchSize,
		perChatLimit: perChatLimit,
		concurrency:  concurrency,
	}
}

// Run reconciles the stalest syncable conversations, bounded to the startup
// batch size. Conversations are processed concurrently up to the configured
// limit to respect provider rate limits.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	convs, err := r.db.ListStaleSyncable(ctx, r.source, r.batchSize)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list stale conversations: %w", err)
	}

	var applied, failed int64
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i := range convs {
		conv := convs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := r.reconcile(ctx, &conv)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				if r.logger != nil {
					r.logger.Warn("conversation reconcile failed",
						zap.String("chat_id", conv.ExternalChatID),
						zap.Int64("checkpoint", conv.LastSyncedMessageID),
						zap.Error(err))
				}
				return
			}
			atomic.AddInt64(&applied, int64(n))
		}()
	}
	wg.Wait()

	stats := ReconcileStats{
		Conversations: len(convs),
		Applied:       int(applied),
		Failed:        int(failed),
	}
	if r.logger != nil {
		r.logger.Info("reconciliation pass complete",
			zap.Int("conversations", stats.Conversations),
			zap.Int("applied", stats.Applied),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

// ReconcileOne reconciles a single conversation by its provider chat id.
// Used by the per-conversation syncer process.
func (r *Reconciler) ReconcileOne(ctx context.Context, externalChatID string) (int, error) {
	conv, err := r.db.GetConversationByExternalID(ctx, r.source, externalChatID)
	if err != nil {
		return 0, fmt.Errorf("resolve conversation: %w", err)
	}
	if conv == nil {
		return 0, fmt.Errorf("unknown conversation %q", externalChatID)
	}
	if conv.SyncDisabled {
		return 0, fmt.Errorf("sync disabled for conversation %q", externalChatID)
	}
	return r.reconcile(ctx, conv)
}

func (r *Reconciler) reconcile(ctx context.Context, conv *store.Conversation) (int, error) {
	msgs, err := r.history.FetchHistory(ctx, conv.ExternalChatID, conv.LastSyncedMessageID, r.perChatLimit)
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := r.engine.ApplyHistory(ctx, conv, msgs); err != nil {
		return 0, fmt.Errorf("apply history: %w", err)
	}
	return len(msgs), nil
}
