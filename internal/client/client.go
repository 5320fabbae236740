package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/vicentereig/whatsapp-stickerbot/internal/logging"
	"github.com/vicentereig/whatsapp-stickerbot/internal/session"
	bottypes "github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// ErrNotConnected is returned by Send when the socket is down.
var ErrNotConnected = errors.New("not connected to WhatsApp")

// OpenDeviceStore opens the whatsmeow device database. The container outlives
// individual transports so a rebuilt session resumes with stored credentials.
func OpenDeviceStore(ctx context.Context, dbPath string, log zerolog.Logger) (*sqlstore.Container, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), logging.WhatsApp(log, "Database"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return container, nil
}

// Options tune a Transport.
type Options struct {
	// MaxDownloadBytes rejects attachments whose declared length is larger.
	MaxDownloadBytes int64
}

// Transport is one whatsmeow session. It implements session.Transport and
// is discarded on every disconnect.
type Transport struct {
	client          *whatsmeow.Client
	opts            Options
	log             zerolog.Logger
	onMessage       func(bottypes.InboundMessage)
	contactLookup   func(ctx context.Context, user types.JID) (types.ContactInfo, error)
	groupInfoLookup func(ctx context.Context, jid types.JID) (*types.GroupInfo, error)

	mu        sync.Mutex
	emit      func(session.Signal)
	handlerID uint32
	closed    bool
}

// New builds an unstarted transport on the first device in container.
func New(ctx context.Context, container *sqlstore.Container, opts Options, log zerolog.Logger, onMessage func(bottypes.InboundMessage)) (*Transport, error) {
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			deviceStore = container.NewDevice()
		} else {
			return nil, fmt.Errorf("failed to get device: %w", err)
		}
	}
	if deviceStore == nil {
		deviceStore = container.NewDevice()
	}

	client := whatsmeow.NewClient(deviceStore, logging.WhatsApp(log, "Client"))
	// recovery is owned by the session supervisor
	client.EnableAutoReconnect = false

	return &Transport{
		client:          client,
		opts:            opts,
		log:             log.With().Str("component", "transport").Logger(),
		onMessage:       onMessage,
		contactLookup:   contactLookupFunc(client),
		groupInfoLookup: groupInfoLookupFunc(client),
	}, nil
}

func (t *Transport) IsAuthenticated() bool {
	return t.client.Store.ID != nil
}

// Start connects and reports lifecycle events through emit. Without stored
// credentials a QR pairing flow is started.
func (t *Transport) Start(ctx context.Context, emit func(session.Signal)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport already torn down")
	}
	t.emit = emit
	t.handlerID = t.client.AddEventHandler(t.handleEvent)
	t.mu.Unlock()

	if t.IsAuthenticated() {
		t.signal(session.Signal{Event: session.EventResuming})
		if err := t.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, err := t.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	go t.watchQR(qrChan)
	return nil
}

func (t *Transport) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			t.signal(session.Signal{Event: session.EventCredentialAvailable, Code: item.Code})
		case "success":
			t.signal(session.Signal{Event: session.EventAuthenticated})
		case "timeout":
			t.signal(session.Signal{Event: session.EventAuthFailed, Reason: "pairing timed out"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("%s: %v", item.Event, item.Error)
			}
			t.signal(session.Signal{Event: session.EventAuthFailed, Reason: reason})
		}
	}
}

func (t *Transport) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if t.onMessage != nil {
			msg := ToInbound(v)
			msg.ChatName = t.ResolveChatName(context.Background(), msg.ChatJID, v)
			t.onMessage(msg)
		}
	case *events.PairSuccess:
		t.signal(session.Signal{Event: session.EventAuthenticated})
	case *events.Connected:
		t.signal(session.Signal{Event: session.EventReady})
	case *events.Disconnected:
		t.signal(session.Signal{Event: session.EventDisconnected, Reason: "connection closed"})
	case *events.StreamReplaced:
		t.signal(session.Signal{Event: session.EventDisconnected, Reason: "stream replaced by another client"})
	case *events.KeepAliveTimeout:
		if v.ErrorCount >= 3 {
			t.signal(session.Signal{Event: session.EventDisconnected, Reason: fmt.Sprintf("%d keepalive timeouts", v.ErrorCount)})
		}
	case *events.LoggedOut:
		t.signal(session.Signal{Event: session.EventAuthFailed, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.ConnectFailure:
		t.signal(session.Signal{Event: session.EventAuthFailed, Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.TemporaryBan:
		t.signal(session.Signal{Event: session.EventAuthFailed, Reason: fmt.Sprintf("temporary ban %v, expires in %v", v.Code, v.Expire)})
	case *events.ClientOutdated:
		t.signal(session.Signal{Event: session.EventAuthFailed, Reason: "client outdated"})
	}
}

func (t *Transport) signal(sig session.Signal) {
	t.mu.Lock()
	emit, closed := t.emit, t.closed
	t.mu.Unlock()
	if closed || emit == nil {
		return
	}
	emit(sig)
}

// Teardown disconnects and detaches all handlers. It is idempotent.
func (t *Transport) Teardown() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.emit = nil
	handlerID := t.handlerID
	t.mu.Unlock()

	if handlerID != 0 {
		t.client.RemoveEventHandler(handlerID)
	}
	t.client.Disconnect()
	return nil
}

// SendPresence marks the account available.
func (t *Transport) SendPresence(ctx context.Context) error {
	if !t.client.IsConnected() {
		return ErrNotConnected
	}
	return t.client.SendPresence(ctx, types.PresenceAvailable)
}

// Download fetches and decrypts an attachment.
func (t *Transport) Download(ctx context.Context, att bottypes.Attachment) ([]byte, error) {
	req := att.Download
	if strings.TrimSpace(req.DirectPath) == "" {
		return nil, fmt.Errorf("media direct path is empty")
	}
	if t.opts.MaxDownloadBytes > 0 && req.FileLength > uint64(t.opts.MaxDownloadBytes) {
		return nil, fmt.Errorf("media is %d bytes, limit is %d", req.FileLength, t.opts.MaxDownloadBytes)
	}
	mediaType, err := mediaTypeFromString(req.MediaType)
	if err != nil {
		return nil, err
	}

	length := -1
	if req.FileLength > 0 && req.FileLength < math.MaxInt32 {
		length = int(req.FileLength)
	}

	data, err := t.client.DownloadMediaWithPath(ctx, req.DirectPath, req.FileEncSHA256, req.FileSHA256, req.MediaKey, length, mediaType, "")
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

func contactLookupFunc(cli *whatsmeow.Client) func(ctx context.Context, user types.JID) (types.ContactInfo, error) {
	if cli == nil || cli.Store == nil || cli.Store.Contacts == nil {
		return nil
	}
	return func(ctx context.Context, user types.JID) (types.ContactInfo, error) {
		return cli.Store.Contacts.GetContact(ctx, user)
	}
}

func groupInfoLookupFunc(cli *whatsmeow.Client) func(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	if cli == nil {
		return nil
	}
	return func(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
		return cli.GetGroupInfo(ctx, jid)
	}
}

func bestContactName(info types.ContactInfo) string {
	if !info.Found {
		return ""
	}
	if name := strings.TrimSpace(info.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(info.FirstName); name != "" {
		return name
	}
	if name := strings.TrimSpace(info.BusinessName); name != "" {
		return name
	}
	if name := strings.TrimSpace(info.PushName); name != "" && name != "-" {
		return name
	}
	if name := strings.TrimSpace(info.RedactedPhone); name != "" {
		return name
	}
	return ""
}

func (t *Transport) ResolveChatName(ctx context.Context, chatJID string, msg *events.Message) string {
	if chatJID == "" && msg != nil {
		chatJID = msg.Info.Chat.String()
	}
	fallback := chatJID

	parsed, err := types.ParseJID(chatJID)
	if err == nil {
		// Group chats
		if parsed.Server == types.GroupServer || parsed.IsBroadcastList() {
			if t.groupInfoLookup != nil {
				if info, err := t.groupInfoLookup(ctx, parsed); err == nil && info != nil {
					if name := strings.TrimSpace(info.GroupName.Name); name != "" {
						return name
					}
				}
			}
		} else {
			if t.contactLookup != nil {
				if info, err := t.contactLookup(ctx, parsed.ToNonAD()); err == nil {
					if name := bestContactName(info); name != "" {
						return name
					}
				}
			}
		}
	}

	if msg != nil {
		if name := strings.TrimSpace(msg.Info.PushName); name != "" && name != "-" {
			return name
		}
	}

	return fallback
}

func parseJID(recipient string) (types.JID, error) {
	// If already a JID, parse it
	if strings.Contains(recipient, "@") {
		return types.ParseJID(recipient)
	}

	// Otherwise, assume it's a phone number
	return types.JID{
		User:   strings.TrimPrefix(recipient, "+"),
		Server: types.DefaultUserServer,
	}, nil
}

func mediaTypeFromString(mediaType string) (whatsmeow.MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image":
		return whatsmeow.MediaImage, nil
	case "video":
		return whatsmeow.MediaVideo, nil
	case "audio":
		return whatsmeow.MediaAudio, nil
	case "document":
		return whatsmeow.MediaDocument, nil
	case "sticker":
		return whatsmeow.MediaImage, nil
	default:
		return "", fmt.Errorf("unsupported media type: %s", mediaType)
	}
}
