package store

// Lock types coordinated through the leases table.
const (
	LockTypeGlobal       = "global"
	LockTypeConversation = "conversation"
	LockTypeListener     = "listener"
)

// ListenerLockKey is the key of the singleton listener lease.
const ListenerLockKey = "singleton"

// Lease is a time-bounded exclusive claim on a named resource.
type Lease struct {
	LockType    string
	LockKey     string
	HolderID    string
	PID         int
	Hostname    string
	AcquiredAt  int64
	ExpiresAt   int64
	HeartbeatAt int64
}

// Listener status values persisted in listener_state.
const (
	ListenerRunning = "running"
	ListenerStopped = "stopped"
	ListenerCrashed = "crashed"
)

// ListenerState is the singleton health record of the live listener.
type ListenerState struct {
	Status           string
	PID              int
	Hostname         string
	StartedAt        int64
	LastHeartbeat    int64
	LastMessageAt    int64
	MessagesReceived int64
}

// Conversation is a synced chat with its sync checkpoint.
type Conversation struct {
	ID                  int64
	Source              string
	ExternalChatID      string
	Name                string
	IsGroup             bool
	UnreadCount         int
	LastMessagePreview  string
	LastSyncedMessageID int64
	LastSyncedAt        int64
	SyncDisabled        bool
	UpdatedAt           int64
}

// Contact is a locally-known sender identity.
type Contact struct {
	ID         int64
	ExternalID string
	Name       string
	PushName   string
}

// Sender identifies who sent a message: either resolved to a local contact
// or retained as raw provider metadata for display fallback.
type Sender struct {
	ContactID  int64 // 0 when unresolved
	RawName    string
	ExternalID string
}

// Resolved reports whether the sender maps to a local contact.
func (s Sender) Resolved() bool { return s.ContactID != 0 }

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is a stored chat message. Identity is (Source, ExternalMessageID).
type Message struct {
	ID                int64
	ConversationID    int64
	Source            string
	ExternalMessageID string
	Direction         string
	Sender            Sender
	Body              string
	MessageType       string
	Status            string
	Ordinal           int64
	SentAt            int64
}

// Outbox statuses. Sent and failed are terminal.
const (
	OutboxPending = "pending"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxMessage is a locally-queued outgoing text message.
type OutboxMessage struct {
	ID              int64
	ClientID        string
	ConversationID  int64
	Body            string
	Status          string
	Attempts        int
	ErrorMessage    string
	ServerMessageID string
	NextAttemptAt   int64
	CreatedAt       int64
	SentAt          int64
}

// OutboxReaction is a locally-queued outgoing reaction.
type OutboxReaction struct {
	ID              int64
	ClientID        string
	ConversationID  int64
	TargetMessageID string
	Emoji           string
	Status          string
	Attempts        int
	ErrorMessage    string
	NextAttemptAt   int64
	CreatedAt       int64
	SentAt          int64
}
