package wa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/provider"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// fetchTimeout bounds how long FetchHistory waits for the phone to answer
// an on-demand history sync request.
const fetchTimeout = 30 * time.Second

// historyWaiter correlates on-demand history sync responses with pending
// FetchHistory calls by chat JID.
type historyWaiter struct {
	mu      sync.Mutex
	pending map[string]chan []provider.MessageEvent
}

func newHistoryWaiter() *historyWaiter {
	return &historyWaiter{pending: make(map[string]chan []provider.MessageEvent)}
}

func (w *historyWaiter) wait(chatID string) chan []provider.MessageEvent {
	ch := make(chan []provider.MessageEvent, 1)
	w.mu.Lock()
	w.pending[chatID] = ch
	w.mu.Unlock()
	return ch
}

func (w *historyWaiter) done(chatID string) {
	w.mu.Lock()
	delete(w.pending, chatID)
	w.mu.Unlock()
}

// handle resolves pending fetches from on-demand history sync payloads.
// Registered as a whatsmeow event handler by the adapter.
func (w *historyWaiter) handle(rawEvt any) {
	evt, ok := rawEvt.(*events.HistorySync)
	if !ok || evt.Data == nil {
		return
	}
	if evt.Data.GetSyncType() != waHistorySync.HistorySync_ON_DEMAND {
		return
	}
	for _, conv := range evt.Data.GetConversations() {
		chatID := conv.GetID()
		w.mu.Lock()
		ch, waiting := w.pending[chatID]
		w.mu.Unlock()
		if !waiting {
			continue
		}
		msgs := parseHistoryConversation(conv)
		select {
		case ch <- msgs:
		default:
		}
	}
}

// FetchHistory requests chat history from the provider and returns items
// strictly newer than afterOrdinal, capped at limit. The request is an
// on-demand history sync answered asynchronously by the paired phone.
func (a *Adapter) FetchHistory(ctx context.Context, chatID string, afterOrdinal int64, limit int) ([]provider.MessageEvent, error) {
	chatJID, err := types.ParseJID(chatID)
	if err != nil {
		return nil, fmt.Errorf("parse JID %q: %w", chatID, err)
	}
	if a.client.Store.ID == nil {
		return nil, fmt.Errorf("no device identity")
	}

	ch := a.history.wait(chatID)
	defer a.history.done(chatID)

	// Anchor the request at the checkpoint so the phone sends only newer
	// history. An ordinal of zero anchors at the epoch.
	anchor := &types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chatJID},
		Timestamp:     time.UnixMilli(afterOrdinal),
	}
	req := a.client.BuildHistorySyncRequest(anchor, limit)
	_, err = a.client.SendMessage(ctx, a.client.Store.ID.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return nil, fmt.Errorf("request history sync: %w", err)
	}

	timer := time.NewTimer(fetchTimeout)
	defer timer.Stop()
	select {
	case msgs := <-ch:
		return filterNewer(msgs, afterOrdinal, limit), nil
	case <-timer.C:
		return nil, fmt.Errorf("history sync request timed out for %s", chatID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// filterNewer keeps items strictly newer than afterOrdinal, bounded to
// limit. The provider delivers history newest-first, so the cap must keep
// the OLDEST items: the checkpoint advances to the maximum applied ordinal,
// and a cap that kept the newest items would advance it past everything
// dropped, making those messages unreachable on every later pass. Keeping
// the oldest items instead means the next pass resumes exactly where this
// one stopped.
func filterNewer(msgs []provider.MessageEvent, afterOrdinal int64, limit int) []provider.MessageEvent {
	var out []provider.MessageEvent
	for _, m := range msgs {
		if m.Ordinal > afterOrdinal {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
