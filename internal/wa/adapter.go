package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and implements the provider boundary:
// event subscription, on-demand history fetch, and the send APIs.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	session   string
	history   *historyWaiter
}

// NewAdapter creates a new WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WPPSync", [3]uint32{0, 1, 0})

	dbPath := session.SessionDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)

	a := &Adapter{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger,
		session:   sessionName,
		history:   newHistoryWaiter(),
	}
	client.AddEventHandler(a.history.handle)
	return a, nil
}

// Client returns the underlying whatsmeow client.
func (a *Adapter) Client() *whatsmeow.Client {
	return a.client
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// SendText sends a text message to the given chat. Returns the
// provider-assigned message ID.
func (a *Adapter) SendText(ctx context.Context, chatID string, text string) (string, error) {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse JID %q: %w", chatID, provider.ErrPermanent)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", classify(err))
	}
	return resp.ID, nil
}

// SendReaction sends an emoji reaction to an existing message.
func (a *Adapter) SendReaction(ctx context.Context, chatID string, targetMessageID string, emoji string) error {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID %q: %w", chatID, provider.ErrPermanent)
	}
	if a.client.Store.ID == nil {
		return fmt.Errorf("no device identity: %w", provider.ErrPermanent)
	}
	sender := a.client.Store.ID.ToNonAD()
	msg := a.client.BuildReaction(to, sender, types.MessageID(targetMessageID), emoji)
	if _, err := a.client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("send reaction: %w", classify(err))
	}
	return nil
}

// classify wraps errors whatsmeow reports for conditions that cannot
// succeed on retry, so the outbox fails them without burning attempts.
func classify(err error) error {
	switch {
	case err == whatsmeow.ErrNotLoggedIn:
		return fmt.Errorf("%v: %w", err, provider.ErrPermanent)
	default:
		return err
	}
}

// Contacts returns all contacts from the whatsmeow device store, used to
// seed local sender resolution.
func (a *Adapter) Contacts(ctx context.Context) []store.Contact {
	allContacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}
	var contacts []store.Contact
	for jid, info := range allContacts {
		contacts = append(contacts, store.Contact{
			ExternalID: jid.ToNonAD().String(),
			Name:       info.FullName,
			PushName:   info.PushName,
		})
	}
	return contacts
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// GetQRChannel returns the QR channel for pairing. Must be called before Connect.
func (a *Adapter) GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	ch, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}
	return ch, nil
}
