package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden means the user may not join the conversation.
	ErrForbidden = errors.New("not a participant of this chat")
	// ErrNotFound means the conversation's backing group is gone.
	ErrNotFound = errors.New("chat not found")
	// ErrInvalidChatID is returned for identifiers without a known prefix.
	ErrInvalidChatID = errors.New("invalid chat id")
	// ErrRoomClosed is returned by a room actor that has stopped.
	ErrRoomClosed = errors.New("room closed")
)

// Error codes carried by error events.
const (
	CodeMalformedFrame     = "malformed_frame"
	CodeUnknownAction      = "unknown_action"
	CodeChatMismatch       = "chat_mismatch"
	CodeUnsupportedType    = "unsupported_type"
	CodeEmptyContent       = "empty_content"
	CodeContentTooLong     = "content_too_long"
	CodeInvalidEncoding    = "invalid_encoding"
	CodeOwnerCannotLeave   = "owner_cannot_leave"
	CodeLeaveFailed        = "leave_failed"
	CodePersistFailed      = "persist_failed"
	CodeHistoryUnavailable = "history_unavailable"
)

// InputError is reported to the offending session only; it never closes
// the session or reaches other participants.
type InputError struct {
	Code string
	Msg  string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func inputErr(code, format string, args ...any) *InputError {
	return &InputError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
