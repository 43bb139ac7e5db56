package envelope

import (
	"encoding/json"
	"time"
)

// Kind is the envelope variant tag carried in the "type" field.
type Kind string

const (
	KindInit      Kind = "init"
	KindPing      Kind = "ping"
	KindMessage   Kind = "message"
	KindBroadcast Kind = "broadcast"
	KindRedirect  Kind = "redirect"
	KindNotify    Kind = "notify"
)

// Defaults applied when the caller leaves an optional field empty.
const (
	DefaultContentType = "text"
	DefaultTarget      = "all"
	DefaultPersonality = "polaris"
	DefaultFormat      = "Markdown"
)

// Extra holds free-form formatting options forwarded to the platform.
type Extra map[string]interface{}

// DefaultExtra returns a fresh {"format": "Markdown"} map.
func DefaultExtra() Extra {
	return Extra{"format": DefaultFormat}
}

// User is the bot account presented to the platform.
type User struct {
	ID        string  `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  *string `json:"lastName"`
	Username  string  `json:"username"`
	IsBot     bool    `json:"isBot"`
}

// Conversation identifies a chat. It has no lifecycle of its own.
type Conversation struct {
	ID string `json:"id"`
}

// Header is the part shared by every envelope.
type Header struct {
	Bot      string `json:"bot"`
	Platform string `json:"platform"`
	Type     Kind   `json:"type"`
}

// Kind returns the envelope variant.
func (h Header) Kind() Kind {
	return h.Type
}

// Message is the full message body used by the "message" envelope.
type Message struct {
	ID           int          `json:"id"`
	Conversation Conversation `json:"conversation"`
	Sender       User         `json:"sender"`
	Content      string       `json:"content"`
	Type         string       `json:"type"`
	Date         float64      `json:"date"`
	Reply        *Message     `json:"reply"`
	Extra        Extra        `json:"extra"`
}

// Body is the reduced message body used by broadcast, redirect and notify.
type Body struct {
	Conversation Conversation `json:"conversation"`
	Content      string       `json:"content"`
	Type         string       `json:"type"`
	Extra        Extra        `json:"extra"`
}

// InitEnvelope announces the bot and its configuration after connecting.
type InitEnvelope struct {
	Header
	User   User            `json:"user"`
	Config json.RawMessage `json:"config"`
}

// PingEnvelope is the heartbeat frame.
type PingEnvelope struct {
	Header
}

// MessageEnvelope carries a message the platform will reply to.
type MessageEnvelope struct {
	Header
	Message Message `json:"message"`
}

// BroadcastEnvelope is used for both broadcast and redirect.
type BroadcastEnvelope struct {
	Header
	Target  string `json:"target"`
	Message Body   `json:"message"`
}

// NotifyEnvelope delivers content to a user through a personality.
type NotifyEnvelope struct {
	Header
	UserID      string `json:"userId"`
	Personality string `json:"personality"`
	Message     Body   `json:"message"`
}

// Envelope is implemented by every variant.
type Envelope interface {
	Kind() Kind
}

var (
	_ Envelope = InitEnvelope{}
	_ Envelope = PingEnvelope{}
	_ Envelope = MessageEnvelope{}
	_ Envelope = BroadcastEnvelope{}
	_ Envelope = NotifyEnvelope{}
)

// Identity is who the gateway claims to be on the wire.
type Identity struct {
	Bot      string
	Platform string
	User     User
}

// DefaultIdentity returns the stock REST bot identity for the given platform.
func DefaultIdentity(platform string) Identity {
	user := User{
		ID:        "rest",
		FirstName: "rest",
		Username:  "restful",
		IsBot:     true,
	}
	return Identity{
		Bot:      user.Username,
		Platform: platform,
		User:     user,
	}
}

// Builder constructs envelopes for one identity.
type Builder struct {
	Identity Identity
	// Now stamps the "date" of message envelopes. Defaults to time.Now.
	Now func() time.Time
}

// NewBuilder returns a builder using the wall clock.
func NewBuilder(id Identity) *Builder {
	return &Builder{Identity: id, Now: time.Now}
}

func (b *Builder) header(kind Kind) Header {
	return Header{
		Bot:      b.Identity.Bot,
		Platform: b.Identity.Platform,
		Type:     kind,
	}
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// Init builds the handshake frame. config is sent verbatim.
func (b *Builder) Init(config json.RawMessage) InitEnvelope {
	return InitEnvelope{
		Header: b.header(KindInit),
		User:   b.Identity.User,
		Config: config,
	}
}

// Ping builds a heartbeat frame.
func (b *Builder) Ping() PingEnvelope {
	return PingEnvelope{Header: b.header(KindPing)}
}

// Message builds a correlated message for chatID.
func (b *Builder) Message(chatID, content, contentType string, extra Extra) MessageEnvelope {
	return MessageEnvelope{
		Header: b.header(KindMessage),
		Message: Message{
			ID:           0,
			Conversation: Conversation{ID: chatID},
			Sender:       b.Identity.User,
			Content:      content,
			Type:         orDefault(contentType, DefaultContentType),
			Date:         unixSeconds(b.now()),
			Reply:        nil,
			Extra:        extraOrDefault(extra),
		},
	}
}

// Broadcast builds a broadcast to target ("all" when empty).
func (b *Builder) Broadcast(chatID, content, contentType string, extra Extra, target string) BroadcastEnvelope {
	return b.broadcast(KindBroadcast, chatID, content, contentType, extra, target)
}

// Redirect is Broadcast tagged as "redirect".
func (b *Builder) Redirect(chatID, content, contentType string, extra Extra, target string) BroadcastEnvelope {
	return b.broadcast(KindRedirect, chatID, content, contentType, extra, target)
}

func (b *Builder) broadcast(kind Kind, chatID, content, contentType string, extra Extra, target string) BroadcastEnvelope {
	return BroadcastEnvelope{
		Header: b.header(kind),
		Target: orDefault(target, DefaultTarget),
		Message: Body{
			Conversation: Conversation{ID: chatID},
			Content:      content,
			Type:         orDefault(contentType, DefaultContentType),
			Extra:        extraOrDefault(extra),
		},
	}
}

// Notify builds a notification for userID spoken by personality
// ("polaris" when empty). The conversation is the user's private chat.
func (b *Builder) Notify(userID, personality, content, contentType string, extra Extra) NotifyEnvelope {
	return NotifyEnvelope{
		Header:      b.header(KindNotify),
		UserID:      userID,
		Personality: orDefault(personality, DefaultPersonality),
		Message: Body{
			Conversation: Conversation{ID: userID},
			Content:      content,
			Type:         orDefault(contentType, DefaultContentType),
			Extra:        extraOrDefault(extra),
		},
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func extraOrDefault(extra Extra) Extra {
	if extra == nil {
		return DefaultExtra()
	}
	return extra
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
