package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	FromName  string
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Keyboard describes an inline keyboard as data; the adapter converts it
	// to the platform-native markup. Rows of buttons, each with a label and
	// callback data.
	Keyboard [][]Button
}

type Button struct {
	Label string
	Data  string
}

// Adapter is the message I/O boundary. Implementations must be safe for
// concurrent use; every caller treats failures as non-fatal.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface adapters can implement to
// update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
