package router_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/registry"
	"github.com/jxl55/ert-concierge/internal/router"
	"github.com/jxl55/ert-concierge/internal/wire"
)

func newRouter(t *testing.T) (*router.Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(8, nil)
	return router.New(reg, zap.NewNop(), nil), reg
}

func drain(t *testing.T, mailbox chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-mailbox:
		return frame
	default:
		t.Fatal("expected a frame on mailbox, got none")
		return nil
	}
}

func TestHandle_MessageByName_RelaysOpaqueDataAndStampsOrigin(t *testing.T) {
	rt, reg := newRouter(t)

	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)
	recipient, err := reg.TryRegister("recipient", nil)
	require.NoError(t, err)

	raw := []byte(`{"type":"MESSAGE","target":{"type":"NAME","name":"recipient"},"data":{"payload":42,"nested":{"x":"y"}}}`)
	seq := 0
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, raw, &seq)

	assert.Equal(t, 1, seq, "seq must advance by exactly one on a well-formed frame")

	relayed := drain(t, recipient.Mailbox)
	var msg wire.Message
	require.NoError(t, json.Unmarshal(relayed, &msg))
	assert.Equal(t, `{"payload":42,"nested":{"x":"y"}}`, string(msg.Data), "opaque data must be byte-identical, not re-encoded")
	require.NotNil(t, msg.Origin)
	assert.Equal(t, sender.Name, msg.Origin.Name)
	assert.Equal(t, sender.UUID.String(), msg.Origin.UUID)

	statusFrame := drain(t, sender.Mailbox)
	var status wire.Status
	require.NoError(t, json.Unmarshal(statusFrame, &status))
	assert.Equal(t, wire.TypeStatus, status.Type)
	assert.Equal(t, wire.StatusMessageSent, status.Data.Type)
	require.NotNil(t, status.Seq)
	assert.Equal(t, 0, *status.Seq)
}

func TestHandle_MessageByName_NoSuchName(t *testing.T) {
	rt, reg := newRouter(t)
	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)

	raw := []byte(`{"type":"MESSAGE","target":{"type":"NAME","name":"ghost"},"data":{}}`)
	seq := 0
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, raw, &seq)

	frame := drain(t, sender.Mailbox)
	var errReply wire.Error
	require.NoError(t, json.Unmarshal(frame, &errReply))
	assert.Equal(t, wire.ErrNoSuchName, errReply.Code)
}

func TestHandle_MessageByUUID_MalformedUUIDIsNoSuchUUID(t *testing.T) {
	rt, reg := newRouter(t)
	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)

	raw := []byte(`{"type":"MESSAGE","target":{"type":"UUID","uuid":"not-a-uuid"},"data":{}}`)
	seq := 0
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, raw, &seq)

	frame := drain(t, sender.Mailbox)
	var errReply wire.Error
	require.NoError(t, json.Unmarshal(frame, &errReply))
	assert.Equal(t, wire.ErrNoSuchUUID, errReply.Code)
}

func TestHandle_MessageByGroup_StampsGroupOrigin(t *testing.T) {
	rt, reg := newRouter(t)
	owner, err := reg.TryRegister("owner", nil)
	require.NoError(t, err)
	member, err := reg.TryRegister("member", nil)
	require.NoError(t, err)
	require.NoError(t, reg.CreateGroup("team", owner.UUID))
	require.NoError(t, reg.Subscribe(member.UUID, "team"))

	raw := []byte(`{"type":"MESSAGE","target":{"type":"GROUP","group":"team"},"data":{}}`)
	seq := 0
	rt.Handle(router.Sender{UUID: owner.UUID, Name: owner.Name}, raw, &seq)

	frame := drain(t, member.Mailbox)
	var msg wire.Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.NotNil(t, msg.Origin)
	assert.Equal(t, "team", msg.Origin.Group)
}

func TestHandle_Subscribe_NoSuchGroup(t *testing.T) {
	rt, reg := newRouter(t)
	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)

	raw := []byte(`{"type":"SUBSCRIBE","group":"ghost"}`)
	seq := 0
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, raw, &seq)

	frame := drain(t, sender.Mailbox)
	var errReply wire.Error
	require.NoError(t, json.Unmarshal(frame, &errReply))
	assert.Equal(t, wire.ErrNoSuchGroup, errReply.Code)
}

func TestHandle_Unsubscribe_AlwaysSucceeds(t *testing.T) {
	rt, reg := newRouter(t)
	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)

	raw := []byte(`{"type":"UNSUBSCRIBE","group":"never-joined"}`)
	seq := 0
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, raw, &seq)

	frame := drain(t, sender.Mailbox)
	var status wire.Status
	require.NoError(t, json.Unmarshal(frame, &status))
	assert.Equal(t, wire.StatusUnsubscribed, status.Data.Type)
}

func TestHandle_MalformedJSON_DoesNotAdvanceSeq(t *testing.T) {
	rt, reg := newRouter(t)
	sender, err := reg.TryRegister("sender", nil)
	require.NoError(t, err)

	seq := 5
	rt.Handle(router.Sender{UUID: sender.UUID, Name: sender.Name}, []byte("not json"), &seq)
	assert.Equal(t, 5, seq)

	frame := drain(t, sender.Mailbox)
	var errReply wire.Error
	require.NoError(t, json.Unmarshal(frame, &errReply))
	assert.Equal(t, wire.ErrProtocol, errReply.Code)
}

func TestHandle_GroupDelete_NotOwner(t *testing.T) {
	rt, reg := newRouter(t)
	owner, err := reg.TryRegister("owner", nil)
	require.NoError(t, err)
	intruder, err := reg.TryRegister("intruder", nil)
	require.NoError(t, err)
	require.NoError(t, reg.CreateGroup("team", owner.UUID))

	raw := []byte(`{"type":"GROUP_DELETE","group":"team"}`)
	seq := 0
	rt.Handle(router.Sender{UUID: intruder.UUID, Name: intruder.Name}, raw, &seq)

	frame := drain(t, intruder.Mailbox)
	var errReply wire.Error
	require.NoError(t, json.Unmarshal(frame, &errReply))
	assert.Equal(t, wire.ErrUnauthorized, errReply.Code)
}
