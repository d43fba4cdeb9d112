package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pelusa-v/espresso-chat/internal/store"
)

// MaxContentLength is counted in characters after trimming.
const MaxContentLength = 2000

// Inbound action tags.
const (
	ActionSendMessage = "send_message"
	ActionJoinChat    = "join_chat"
	ActionLeaveChat   = "leave_chat"
)

// frame is the JSON shape of one inbound frame.
type frame struct {
	Action      string `json:"action"`
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"` // advisory, never used for ordering
	MessageType string `json:"messageType"`
}

// Action is one of SendMessage, JoinChat, LeaveChat or UnknownAction.
type Action interface {
	target() string
}

type SendMessage struct {
	ChatID          string
	Content         string
	MessageType     string
	ClientTimestamp int64
}

type JoinChat struct {
	ChatID string
}

type LeaveChat struct {
	ChatID string
}

// UnknownAction carries a tag no handler recognizes.
type UnknownAction struct {
	ChatID string
	Tag    string
}

func (a SendMessage) target() string   { return a.ChatID }
func (a JoinChat) target() string      { return a.ChatID }
func (a LeaveChat) target() string     { return a.ChatID }
func (a UnknownAction) target() string { return a.ChatID }

// ParseAction decodes a frame into its action variant.
func ParseAction(data []byte) (Action, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, inputErr(CodeMalformedFrame, "frame is not a valid JSON object")
	}

	switch f.Action {
	case ActionSendMessage:
		return SendMessage{
			ChatID:          f.ChatID,
			Content:         f.Content,
			MessageType:     f.MessageType,
			ClientTimestamp: f.Timestamp,
		}, nil
	case ActionJoinChat:
		return JoinChat{ChatID: f.ChatID}, nil
	case ActionLeaveChat:
		return LeaveChat{ChatID: f.ChatID}, nil
	default:
		return UnknownAction{ChatID: f.ChatID, Tag: f.Action}, nil
	}
}

// ValidateContent trims content and checks its length.
func ValidateContent(content string) (string, *InputError) {
	if !utf8.ValidString(content) {
		return "", inputErr(CodeInvalidEncoding, "content must be UTF-8 text")
	}
	content = strings.TrimSpace(content)
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return "", inputErr(CodeEmptyContent, "message content cannot be empty")
	}
	if n > MaxContentLength {
		return "", inputErr(CodeContentTooLong, "message exceeds %d characters", MaxContentLength)
	}
	return content, nil
}

// EventType tags an outbound frame.
type EventType string

const (
	EventMessage    EventType = "message"
	EventUserJoined EventType = "user_joined"
	EventUserLeft   EventType = "user_left"
	EventError      EventType = "error"
)

// Event is the JSON shape of one outbound frame.
type Event struct {
	Type       EventType `json:"type"`
	MessageID  string    `json:"messageId,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Timestamp  int64     `json:"timestamp"`
	ChatID     string    `json:"chatId"`
	Code       string    `json:"code,omitempty"`
}

// EventFromMessage renders a stored or presence message for the wire.
func EventFromMessage(m store.Message) Event {
	ev := Event{
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		ChatID:     m.ConversationID,
	}
	switch m.Kind {
	case store.KindUserJoined:
		ev.Type = EventUserJoined
	case store.KindUserLeft:
		ev.Type = EventUserLeft
	default:
		ev.Type = EventMessage
		ev.MessageID = m.ID
	}
	return ev
}

func errorEvent(chatID string, err *InputError, now int64) Event {
	return Event{
		Type:      EventError,
		Content:   err.Msg,
		Timestamp: now,
		ChatID:    chatID,
		Code:      err.Code,
	}
}

func (e Event) encode() []byte {
	data, _ := json.Marshal(&e)
	return data
}
