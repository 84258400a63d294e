// Package wire implements the ert-concierge JSON payload schema: the set of
// message types exchanged over the /ws endpoint, and the close codes used to
// reject a failed identification handshake. The codec treats MESSAGE.data as
// opaque: it is never decoded, only threaded through as a json.RawMessage.
// On relay, encoding/json compacts it (insignificant whitespace is removed)
// and escapes <, > and & inside strings; key order and values are unchanged.
package wire

import "encoding/json"

// Payload type discriminators.
const (
	TypeIdentify            = "IDENTIFY"
	TypeHello                = "HELLO"
	TypeMessage              = "MESSAGE"
	TypeSubscribe            = "SUBSCRIBE"
	TypeUnsubscribe          = "UNSUBSCRIBE"
	TypeGroupCreate          = "GROUP_CREATE"
	TypeGroupDelete          = "GROUP_DELETE"
	TypeFetchClients         = "FETCH_CLIENTS"
	TypeFetchGroups          = "FETCH_GROUPS"
	TypeFetchSubscriptions   = "FETCH_SUBSCRIPTIONS"
	TypeFetchGroupSubs       = "FETCH_GROUP_SUBSCRIBERS"
	TypeClients              = "CLIENTS"
	TypeGroups               = "GROUPS"
	TypeSubscriptions        = "SUBSCRIPTIONS"
	TypeGroupSubscribers     = "GROUP_SUBSCRIBERS"
	TypeStatus               = "STATUS"
	TypeError                = "ERROR"
)

// Target tag values for MESSAGE.target.type.
const (
	TargetName  = "NAME"
	TargetUUID  = "UUID"
	TargetGroup = "GROUP"
	TargetAll   = "ALL"
)

// Status data kinds carried in STATUS.data.type.
const (
	StatusClientJoined = "CLIENT_JOINED"
	StatusClientLeft   = "CLIENT_LEFT"
	StatusSubscribed   = "SUBSCRIBED"
	StatusUnsubscribed = "UNSUBSCRIBED"
	StatusCreatedGroup = "CREATED_GROUP"
	StatusDeletedGroup = "DELETED_GROUP"
	StatusMessageSent  = "MESSAGE_SENT"
)

// Error codes carried in ERROR.code.
const (
	ErrProtocol            = "PROTOCOL"
	ErrNoSuchName          = "NO_SUCH_NAME"
	ErrNoSuchUUID          = "NO_SUCH_UUID"
	ErrNoSuchGroup         = "NO_SUCH_GROUP"
	ErrGroupAlreadyCreated = "GROUP_ALREADY_CREATED"
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrUnsupported         = "UNSUPPORTED"
)

// Envelope is the minimal shape used to sniff a frame's discriminator before
// deciding whether to take the MESSAGE fast path or decode a typed payload.
type Envelope struct {
	Type string `json:"type"`
}

// Identify is sent by a client as the very first frame on a connection.
type Identify struct {
	Type    string  `json:"type"`
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Secret  *string `json:"secret"`
}

// Hello is the first frame the server ever sends a newly registered client.
type Hello struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

func NewHello(clientUUID, version string) Hello {
	return Hello{Type: TypeHello, UUID: clientUUID, Version: version}
}

// Target identifies the addressee of a MESSAGE payload. Exactly the fields
// relevant to Type are populated; the rest are left zero and omitted.
type Target struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	UUID  string `json:"uuid,omitempty"`
	Group string `json:"group,omitempty"`
}

// Origin is stamped by the server on every MESSAGE it relays. Senders never
// set it themselves.
type Origin struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Message is both the inbound MESSAGE envelope a sender transmits and the
// outbound envelope relayed to recipients. Data is kept as a raw JSON blob on
// both ends so the server never decodes the sender's payload; Encode only
// compacts it as described in the package doc.
type Message struct {
	Type   string          `json:"type"`
	Target Target          `json:"target"`
	Data   json.RawMessage `json:"data"`
	Origin *Origin         `json:"origin,omitempty"`
}

// WithOrigin returns a copy of m stamped with the given origin, ready to
// relay. m.Data is shared, not copied, by design: it is immutable raw JSON.
func (m Message) WithOrigin(o Origin) Message {
	m.Origin = &o
	return m
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// GroupRequest covers every inbound payload whose only field besides the
// type discriminator is a group name: SUBSCRIBE, UNSUBSCRIBE, GROUP_CREATE,
// GROUP_DELETE, and FETCH_GROUP_SUBSCRIBERS.
type GroupRequest struct {
	Type  string `json:"type"`
	Group string `json:"group"`
}

// ClientInfo is the (uuid, name) pair returned by client/subscriber listings.
type ClientInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type ClientsReply struct {
	Type    string       `json:"type"`
	Clients []ClientInfo `json:"clients"`
}

func NewClientsReply(clients []ClientInfo) ClientsReply {
	return ClientsReply{Type: TypeClients, Clients: clients}
}

type GroupsReply struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
}

func NewGroupsReply(groups []string) GroupsReply {
	return GroupsReply{Type: TypeGroups, Groups: groups}
}

type SubscriptionsReply struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups"`
}

func NewSubscriptionsReply(groups []string) SubscriptionsReply {
	return SubscriptionsReply{Type: TypeSubscriptions, Groups: groups}
}

type GroupSubscribersReply struct {
	Type    string       `json:"type"`
	Group   string       `json:"group"`
	Clients []ClientInfo `json:"clients"`
}

func NewGroupSubscribersReply(group string, clients []ClientInfo) GroupSubscribersReply {
	return GroupSubscribersReply{Type: TypeGroupSubscribers, Group: group, Clients: clients}
}

// StatusData is the polymorphic payload of a STATUS frame. Only the fields
// relevant to Type are populated.
type StatusData struct {
	Type  string `json:"type"`
	UUID  string `json:"uuid,omitempty"`
	Name  string `json:"name,omitempty"`
	Group string `json:"group,omitempty"`
}

type Status struct {
	Type string     `json:"type"`
	Seq  *int       `json:"seq,omitempty"`
	Data StatusData `json:"data"`
}

func NewStatus(seq int, data StatusData) Status {
	return Status{Type: TypeStatus, Seq: &seq, Data: data}
}

// NewBroadcastStatus builds a STATUS frame with no seq: used for
// CLIENT_JOINED, CLIENT_LEFT, and owner-reap UNSUBSCRIBED broadcasts, none
// of which are a direct reply to the recipient's own request.
func NewBroadcastStatus(data StatusData) Status {
	return Status{Type: TypeStatus, Data: data}
}

func StatusClientJoinedData(uuid, name string) StatusData {
	return StatusData{Type: StatusClientJoined, UUID: uuid, Name: name}
}

func StatusClientLeftData(uuid, name string) StatusData {
	return StatusData{Type: StatusClientLeft, UUID: uuid, Name: name}
}

func StatusSubscribedData(group string) StatusData {
	return StatusData{Type: StatusSubscribed, Group: group}
}

func StatusUnsubscribedData(group string) StatusData {
	return StatusData{Type: StatusUnsubscribed, Group: group}
}

func StatusCreatedGroupData(group string) StatusData {
	return StatusData{Type: StatusCreatedGroup, Group: group}
}

func StatusDeletedGroupData(group string) StatusData {
	return StatusData{Type: StatusDeletedGroup, Group: group}
}

func StatusMessageSentData() StatusData {
	return StatusData{Type: StatusMessageSent}
}

type Error struct {
	Type    string `json:"type"`
	Seq     *int   `json:"seq,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(seq int, code, message string) Error {
	return Error{Type: TypeError, Seq: &seq, Code: code, Message: message}
}

// Encode marshals any payload value to its wire representation. A helper so
// callers never have to import encoding/json directly for this.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
