package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/espresso-chat/internal/metrics"
	"github.com/pelusa-v/espresso-chat/internal/store"
)

// roster is the membership policy of a room flavor.
type roster interface {
	// admit decides whether userID may open a session.
	admit(ctx context.Context, userID string) error
	// leave applies a deliberate leave to durable membership. A non-nil
	// result rejects the leave and keeps the session open.
	leave(ctx context.Context, userID string) *InputError
}

func newRoster(id ChatID, dir store.Directory, log zerolog.Logger) roster {
	if id.Kind() == RoomGroup {
		return &groupRoster{groupID: id.GroupID(), dir: dir, log: log}
	}
	return directRoster{id: id}
}

// directRoster admits exactly the two users encoded in the chat id.
type directRoster struct {
	id ChatID
}

func (d directRoster) admit(_ context.Context, userID string) error {
	if !d.id.HasParticipant(userID) {
		return ErrForbidden
	}
	return nil
}

func (d directRoster) leave(context.Context, string) *InputError {
	return nil
}

// groupRoster consults the directory on every admission, so membership
// changes made elsewhere apply to the next Open.
type groupRoster struct {
	groupID string
	dir     store.Directory
	log     zerolog.Logger
}

func (g *groupRoster) fetch(ctx context.Context) (*store.Group, error) {
	start := time.Now()
	group, err := g.dir.GetGroup(ctx, g.groupID)
	metrics.ObserveStore("get_group", start)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get group %s: %w", g.groupID, err)
	}
	return group, nil
}

func (g *groupRoster) admit(ctx context.Context, userID string) error {
	group, err := g.fetch(ctx)
	if err != nil {
		return err
	}
	if !group.HasMember(userID) {
		return ErrForbidden
	}
	return nil
}

// leave removes userID from the durable member list and from the user's
// groups index. The owner can never leave this way.
func (g *groupRoster) leave(ctx context.Context, userID string) *InputError {
	group, err := g.fetch(ctx)
	if err != nil {
		g.log.Error().Err(err).Str("user_id", userID).Msg("leave: group lookup failed")
		return inputErr(CodeLeaveFailed, "could not leave the group")
	}
	if group.OwnerID == userID {
		return inputErr(CodeOwnerCannotLeave, "the group owner cannot leave the group")
	}

	if group.RemoveMember(userID) {
		start := time.Now()
		err := g.dir.PutGroup(ctx, group)
		metrics.ObserveStore("put_group", start)
		if err != nil {
			g.log.Error().Err(err).Str("user_id", userID).Msg("leave: group update failed")
			return inputErr(CodeLeaveFailed, "could not leave the group")
		}
	}

	// the member list is authoritative; the user's own index is best-effort
	user, err := g.dir.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		g.log.Warn().Err(err).Str("user_id", userID).Msg("leave: user lookup failed")
	default:
		user.LeaveGroup(g.groupID)
		if err := g.dir.PutUser(ctx, user); err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Msg("leave: user index update failed")
		}
	}
	return nil
}
