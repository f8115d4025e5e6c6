package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/store"
	intsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/wa"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, sessionName, *jsonFlag)
	case "locks":
		cmdLocks(ctx, sessionName, *jsonFlag)
	case "sync":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wppsyncctl sync <all|chat-id>")
			os.Exit(1)
		}
		cmdSync(ctx, sessionName, args[1])
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wppsyncctl send <chat-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, sessionName, args[1], args[2])
	case "react":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: wppsyncctl react <chat-id> <message-id> <emoji>")
			os.Exit(1)
		}
		cmdReact(ctx, sessionName, args[1], args[2], args[3])
	case "outbox":
		cmdOutbox(ctx, sessionName, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, sessionName, *jsonFlag)
	case "auth":
		cmdAuth(ctx, sessionName)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wppsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show listener health")
	fmt.Fprintln(os.Stderr, "  locks                         List lease rows")
	fmt.Fprintln(os.Stderr, "  sync all                      Batch-reconcile the stalest conversations")
	fmt.Fprintln(os.Stderr, "  sync <chat-id>                Reconcile one conversation")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>         Queue an outgoing message")
	fmt.Fprintln(os.Stderr, "  react <chat-id> <msg> <emoji> Queue an outgoing reaction")
	fmt.Fprintln(os.Stderr, "  outbox                        List recent outbox entries")
	fmt.Fprintln(os.Stderr, "  conversations                 List synced conversations")
	fmt.Fprintln(os.Stderr, "  auth                          Pair with WhatsApp via QR code")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func openStore(sessionName string) *store.DB {
	if err := session.EnsureDir(sessionName); err != nil {
		fatal("%v", err)
	}
	db, err := store.Open(session.AppDBPath(sessionName))
	if err != nil {
		fatal("open store: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		fatal("migrate store: %v", err)
	}
	return db
}

func loadConfig() *config.Config {
	cfg, _ := config.Load(session.ConfigPath())
	return cfg
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func cmdStatus(ctx context.Context, sessionName string, jsonOut bool) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()
	cfg := loadConfig()

	state, err := db.GetListenerState(ctx)
	if err != nil {
		fatal("%v", err)
	}
	if state == nil {
		fmt.Println("No listener has run yet.")
		return
	}

	// A row claiming "running" with a stale heartbeat means the process
	// died without a graceful stop.
	observed := state.Status
	staleAfter := 3 * cfg.HeartbeatInterval()
	if state.Status == store.ListenerRunning &&
		time.Since(time.UnixMilli(state.LastHeartbeat)) > staleAfter {
		observed = store.ListenerCrashed
	}

	if jsonOut {
		outputJSON(map[string]any{
			"status":            observed,
			"pid":               state.PID,
			"hostname":          state.Hostname,
			"started_at":        state.StartedAt,
			"last_heartbeat":    state.LastHeartbeat,
			"last_message_at":   state.LastMessageAt,
			"messages_received": state.MessagesReceived,
		})
		return
	}
	fmt.Printf("Listener:  %s (pid %d on %s)\n", observed, state.PID, state.Hostname)
	fmt.Printf("Heartbeat: %s\n", time.UnixMilli(state.LastHeartbeat).Format(time.RFC3339))
	fmt.Printf("Messages:  %d received, last at %s\n",
		state.MessagesReceived, time.UnixMilli(state.LastMessageAt).Format(time.RFC3339))
}

func cmdLocks(ctx context.Context, sessionName string, jsonOut bool) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	leases, err := db.ListLeases(ctx)
	if err != nil {
		fatal("%v", err)
	}
	if jsonOut {
		outputJSON(leases)
		return
	}
	if len(leases) == 0 {
		fmt.Println("No leases held.")
		return
	}
	now := time.Now().UnixMilli()
	for _, l := range leases {
		state := "held"
		if l.ExpiresAt < now {
			state = "expired"
		}
		fmt.Printf("%-12s %-24s %s  pid %d on %s, expires %s\n",
			l.LockType, l.LockKey, state, l.PID, l.Hostname,
			time.UnixMilli(l.ExpiresAt).Format(time.RFC3339))
	}
}

// cmdSync runs the batch syncer ("all") or the per-conversation syncer.
// Both coordinate with the daemon purely through the lease table.
func cmdSync(ctx context.Context, sessionName, target string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()
	cfg := loadConfig()

	// Defer to a live listener: it holds the provider session and already
	// performs catch-up. The check covers both a heartbeating listener and
	// one still starting up (lease held, no heartbeat yet); connecting a
	// second session on the same credentials would replace its stream.
	reason, err := intsync.ListenerActive(ctx, db, 3*cfg.HeartbeatInterval())
	if err != nil {
		fatal("%v", err)
	}
	if reason != "" {
		fatal("%s; it already reconciles on startup and ingests live events", reason)
	}

	logger := zap.NewNop()
	locks := lock.NewManager(db, cfg.LeaseDuration(), cfg.HeartbeatInterval(), logger)

	lockType, lockKey := store.LockTypeConversation, target
	if target == "all" {
		lockType, lockKey = store.LockTypeGlobal, "sync"
	}
	if err := locks.AcquireOrExplain(ctx, lockType, lockKey); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fatal("%v", held)
		}
		fatal("%v", err)
	}
	defer func() { _ = locks.ReleaseAll(context.Background()) }()
	locks.Run(ctx)
	defer locks.Stop()

	b := bus.New()
	adapter, err := wa.NewAdapter(ctx, sessionName, b, logger)
	if err != nil {
		fatal("%v", err)
	}
	if !adapter.IsLoggedIn() {
		fatal("provider session not paired; run wppsyncctl auth first")
	}
	if err := adapter.Connect(); err != nil {
		fatal("connect: %v", err)
	}
	defer adapter.Disconnect()

	engine := intsync.NewEngine(db, b, logger)
	reconciler := intsync.NewReconciler(db, engine, adapter,
		cfg.Sync.StartupBatchSize, cfg.Sync.PerChatHistoryLimit, cfg.Sync.Concurrency, logger)

	if target == "all" {
		stats, err := reconciler.Run(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Reconciled %d conversations: %d messages applied, %d failed\n",
			stats.Conversations, stats.Applied, stats.Failed)
		return
	}
	n, err := reconciler.ReconcileOne(ctx, target)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Applied %d messages to %s\n", n, target)
}

func cmdSend(ctx context.Context, sessionName, chatID, text string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	conv, err := db.GetConversationByExternalID(ctx, provider.SourceWhatsApp, chatID)
	if err != nil {
		fatal("%v", err)
	}
	if conv == nil {
		fatal("unknown conversation %q", chatID)
	}
	clientID := uuid.NewString()
	if err := db.QueueOutboxMessage(ctx, clientID, conv.ID, text); err != nil {
		fatal("queue message: %v", err)
	}
	fmt.Printf("Queued %s (the daemon's dispatcher will deliver it)\n", clientID)
}

func cmdReact(ctx context.Context, sessionName, chatID, messageID, emoji string) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	conv, err := db.GetConversationByExternalID(ctx, provider.SourceWhatsApp, chatID)
	if err != nil {
		fatal("%v", err)
	}
	if conv == nil {
		fatal("unknown conversation %q", chatID)
	}
	clientID := uuid.NewString()
	if err := db.QueueOutboxReaction(ctx, clientID, conv.ID, messageID, emoji); err != nil {
		fatal("queue reaction: %v", err)
	}
	fmt.Printf("Queued %s\n", clientID)
}

func cmdOutbox(ctx context.Context, sessionName string, jsonOut bool) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	entries, err := db.ListOutboxMessages(ctx, 50)
	if err != nil {
		fatal("%v", err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Outbox is empty.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-36s %-8s attempts=%d", e.ClientID, e.Status, e.Attempts)
		if e.ErrorMessage != "" {
			line += " error=" + e.ErrorMessage
		}
		fmt.Println(line)
	}
}

func cmdConversations(ctx context.Context, sessionName string, jsonOut bool) {
	db := openStore(sessionName)
	defer func() { _ = db.Close() }()

	convs, err := db.ListConversations(ctx, 50)
	if err != nil {
		fatal("%v", err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	for _, c := range convs {
		sync := fmt.Sprintf("checkpoint=%d", c.LastSyncedMessageID)
		if c.SyncDisabled {
			sync = "sync disabled"
		}
		fmt.Printf("%-40s unread=%-3d %s\n", c.ExternalChatID, c.UnreadCount, sync)
	}
}

func cmdAuth(ctx context.Context, sessionName string) {
	if err := session.EnsureDir(sessionName); err != nil {
		fatal("%v", err)
	}
	logger := zap.NewNop()
	adapter, err := wa.NewAdapter(ctx, sessionName, bus.New(), logger)
	if err != nil {
		fatal("%v", err)
	}
	if adapter.IsLoggedIn() {
		fmt.Printf("Already paired as +%s\n", adapter.PhoneNumber())
		return
	}

	events, err := adapter.StartQRAuth(ctx)
	if err != nil {
		fatal("%v", err)
	}
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			qr, err := qrcode.New(evt.QRCode, qrcode.Low)
			if err != nil {
				fatal("render QR: %v", err)
			}
			fmt.Println("Scan with WhatsApp on your phone:")
			fmt.Println(qr.ToSmallString(false))
		case wa.AuthEventAuthenticated:
			fmt.Println("Paired successfully.")
			adapter.Disconnect()
			return
		case wa.AuthEventTimeout:
			fatal("QR code timed out, try again")
		case wa.AuthEventAuthFailed:
			fatal("pairing failed: %s", evt.Message)
		}
	}
}
