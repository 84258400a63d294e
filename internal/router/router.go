// Package router parses inbound frames and dispatches them against the
// registry: targeted-message routing, group membership management, and
// peer/group enumeration. A Router is stateless beyond its registry and
// logger; per-connection state (the seq counter) lives on the caller's
// side and is threaded through explicitly.
package router

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/metrics"
	"github.com/jxl55/ert-concierge/internal/registry"
	"github.com/jxl55/ert-concierge/internal/wire"
)

// Sender is the minimal view of a client the Router needs: its own identity,
// used to stamp origin and to address replies to its mailbox through the
// Registry.
type Sender struct {
	UUID uuid.UUID
	Name string
}

// Router dispatches parsed payloads against a Registry.
type Router struct {
	reg     *registry.Registry
	logger  *zap.Logger
	metrics *metrics.Registry
}

func New(reg *registry.Registry, logger *zap.Logger, m *metrics.Registry) *Router {
	return &Router{reg: reg, logger: logger, metrics: m}
}

// Handle parses one inbound frame from sender and dispatches it, mutating
// *seq in place: seq is incremented only on a successfully parsed frame,
// and every STATUS and ERROR reply echoes the seq of the request that
// triggered it (spec §4.3, §5). The CLIENTS, GROUPS, SUBSCRIPTIONS and
// GROUP_SUBSCRIBERS listing replies to FETCH_* requests carry no seq.
// Malformed frames produce an ERROR/PROTOCOL reply without advancing seq.
func (rt *Router) Handle(sender Sender, raw []byte, seq *int) {
	var envelope wire.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		rt.replyError(sender, *seq, wire.ErrProtocol, err.Error())
		return
	}

	if envelope.Type == wire.TypeMessage {
		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			rt.replyError(sender, *seq, wire.ErrProtocol, err.Error())
			return
		}
		s := *seq
		*seq++
		rt.handleMessage(sender, s, msg)
		return
	}

	var req wire.GroupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		rt.replyError(sender, *seq, wire.ErrProtocol, err.Error())
		return
	}

	s := *seq
	*seq++

	switch envelope.Type {
	case wire.TypeSubscribe:
		rt.handleSubscribe(sender, s, req.Group)
	case wire.TypeUnsubscribe:
		rt.handleUnsubscribe(sender, s, req.Group)
	case wire.TypeGroupCreate:
		rt.handleGroupCreate(sender, s, req.Group)
	case wire.TypeGroupDelete:
		rt.handleGroupDelete(sender, s, req.Group)
	case wire.TypeFetchGroupSubs:
		rt.handleFetchGroupSubscribers(sender, s, req.Group)
	case wire.TypeFetchClients:
		rt.handleFetchClients(sender, s)
	case wire.TypeFetchGroups:
		rt.handleFetchGroups(sender, s)
	case wire.TypeFetchSubscriptions:
		rt.handleFetchSubscriptions(sender, s)
	default:
		rt.replyError(sender, s, wire.ErrUnsupported, "unsupported payload type: "+envelope.Type)
	}
}

func (rt *Router) handleMessage(sender Sender, seq int, msg wire.Message) {
	origin := wire.Origin{UUID: sender.UUID.String(), Name: sender.Name}

	switch msg.Target.Type {
	case wire.TargetName:
		id, err := rt.reg.ResolveName(msg.Target.Name)
		if err != nil {
			rt.replyError(sender, seq, wire.ErrNoSuchName, "no such name: "+msg.Target.Name)
			return
		}
		frame, err := msg.WithOrigin(origin).Encode()
		if err != nil {
			rt.logger.Error("encode message", zap.Error(err))
			return
		}
		_ = rt.reg.Enqueue(id, frame)
		rt.replyStatus(sender, seq, wire.StatusMessageSentData())

	case wire.TargetUUID:
		id, err := uuid.Parse(msg.Target.UUID)
		if err != nil {
			rt.replyError(sender, seq, wire.ErrNoSuchUUID, "malformed uuid: "+msg.Target.UUID)
			return
		}
		frame, encErr := msg.WithOrigin(origin).Encode()
		if encErr != nil {
			rt.logger.Error("encode message", zap.Error(encErr))
			return
		}
		if err := rt.reg.Enqueue(id, frame); err != nil {
			if errors.Is(err, registry.ErrClientGone) {
				rt.replyError(sender, seq, wire.ErrNoSuchUUID, "no such uuid: "+msg.Target.UUID)
				return
			}
		}
		rt.replyStatus(sender, seq, wire.StatusMessageSentData())

	case wire.TargetGroup:
		members, err := rt.reg.SnapshotMembers(msg.Target.Group)
		if err != nil {
			rt.replyError(sender, seq, wire.ErrNoSuchGroup, "no such group: "+msg.Target.Group)
			return
		}
		groupOrigin := origin
		groupOrigin.Group = msg.Target.Group
		frame, encErr := msg.WithOrigin(groupOrigin).Encode()
		if encErr != nil {
			rt.logger.Error("encode message", zap.Error(encErr))
			return
		}
		ids := make([]uuid.UUID, len(members))
		for i, m := range members {
			ids[i] = m.UUID
		}
		rt.reg.EnqueueMany(ids, frame)
		rt.replyStatus(sender, seq, wire.StatusMessageSentData())

	case wire.TargetAll:
		frame, err := msg.WithOrigin(origin).Encode()
		if err != nil {
			rt.logger.Error("encode message", zap.Error(err))
			return
		}
		rt.reg.EnqueueAll(frame)
		rt.replyStatus(sender, seq, wire.StatusMessageSentData())

	default:
		rt.replyError(sender, seq, wire.ErrProtocol, "unknown target type: "+msg.Target.Type)
	}
}

func (rt *Router) handleSubscribe(sender Sender, seq int, group string) {
	if err := rt.reg.Subscribe(sender.UUID, group); err != nil {
		rt.replyError(sender, seq, wire.ErrNoSuchGroup, "no such group: "+group)
		return
	}
	rt.replyStatus(sender, seq, wire.StatusSubscribedData(group))
}

func (rt *Router) handleUnsubscribe(sender Sender, seq int, group string) {
	// Idempotent by contract: never fails, even for a group the client
	// never joined or one that no longer exists (spec §4.1, §4.3).
	rt.reg.Unsubscribe(sender.UUID, group)
	rt.replyStatus(sender, seq, wire.StatusUnsubscribedData(group))
}

func (rt *Router) handleGroupCreate(sender Sender, seq int, group string) {
	if err := rt.reg.CreateGroup(group, sender.UUID); err != nil {
		rt.replyError(sender, seq, wire.ErrGroupAlreadyCreated, "group already exists: "+group)
		return
	}
	rt.replyStatus(sender, seq, wire.StatusCreatedGroupData(group))
}

func (rt *Router) handleGroupDelete(sender Sender, seq int, group string) {
	members, err := rt.reg.DeleteGroup(group, sender.UUID)
	switch {
	case errors.Is(err, registry.ErrNoSuchGroup):
		rt.replyError(sender, seq, wire.ErrNoSuchGroup, "no such group: "+group)
		return
	case errors.Is(err, registry.ErrNotOwner):
		rt.replyError(sender, seq, wire.ErrUnauthorized, "not the owner of group: "+group)
		return
	case err != nil:
		rt.logger.Error("delete group", zap.Error(err))
		return
	}

	if len(members) > 0 {
		frame, encErr := wire.Encode(wire.NewBroadcastStatus(wire.StatusUnsubscribedData(group)))
		if encErr == nil {
			rt.reg.EnqueueMany(members, frame)
		}
	}
	rt.replyStatus(sender, seq, wire.StatusDeletedGroupData(group))
}

func (rt *Router) handleFetchGroupSubscribers(sender Sender, seq int, group string) {
	members, err := rt.reg.SnapshotMembers(group)
	if err != nil {
		rt.replyError(sender, seq, wire.ErrNoSuchGroup, "no such group: "+group)
		return
	}
	rt.reply(sender, wire.NewGroupSubscribersReply(group, toClientInfo(members)))
}

func (rt *Router) handleFetchClients(sender Sender, seq int) {
	rt.reply(sender, wire.NewClientsReply(toClientInfo(rt.reg.SnapshotClients())))
}

func (rt *Router) handleFetchGroups(sender Sender, seq int) {
	rt.reply(sender, wire.NewGroupsReply(rt.reg.SnapshotGroups()))
}

func (rt *Router) handleFetchSubscriptions(sender Sender, seq int) {
	rt.reply(sender, wire.NewSubscriptionsReply(rt.reg.ClientSubscriptions(sender.UUID)))
}

func (rt *Router) replyStatus(sender Sender, seq int, data wire.StatusData) {
	rt.reply(sender, wire.NewStatus(seq, data))
}

func (rt *Router) replyError(sender Sender, seq int, code, message string) {
	rt.reply(sender, wire.NewError(seq, code, message))
}

func (rt *Router) reply(sender Sender, payload any) {
	frame, err := wire.Encode(payload)
	if err != nil {
		rt.logger.Error("encode reply", zap.Error(err))
		return
	}
	_ = rt.reg.Enqueue(sender.UUID, frame)
}

func toClientInfo(snapshots []registry.ClientSnapshot) []wire.ClientInfo {
	out := make([]wire.ClientInfo, len(snapshots))
	for i, s := range snapshots {
		out[i] = wire.ClientInfo{UUID: s.UUID.String(), Name: s.Name}
	}
	return out
}
