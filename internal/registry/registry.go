// Package registry owns the three interlocking tables at the heart of the
// Concierge: the Namespace (name -> uuid), the Clients table (uuid ->
// *Client), and the Groups table (name -> *Group). It exposes every
// compound operation atomically and enforces the cross-table invariants
// documented on Registry.
//
// Locking discipline: Namespace -> Clients -> Groups. Any operation that
// must hold more than one of these locks at once acquires them in that
// order. Fan-out (group delete, owner reap on disconnect) snapshots the
// affected member list under the Groups lock and releases it before
// enqueueing, so the Clients lock is never held nested under Groups.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jxl55/ert-concierge/internal/metrics"
)

var (
	ErrInvalidName    = errors.New("registry: name must be non-empty")
	ErrDuplicateName  = errors.New("registry: name already registered")
	ErrNotFound       = errors.New("registry: client not found")
	ErrAlreadyExists  = errors.New("registry: group already exists")
	ErrNoSuchGroup    = errors.New("registry: no such group")
	ErrNotOwner       = errors.New("registry: requester does not own group")
	ErrNoSuchName     = errors.New("registry: no such name")
	ErrNoSuchUUID     = errors.New("registry: no such uuid")
	ErrClientGone     = errors.New("registry: client is gone")
)

// Client is an identified WebSocket peer. Mailbox is its outbound queue,
// drained exclusively by its Session's Dispatcher; producers only enqueue.
// Groups is the reverse side of group membership (symmetry invariant #2)
// and, like every Group's Members set, is guarded by Registry.groupsMu.
type Client struct {
	UUID    uuid.UUID
	Name    string
	Mailbox chan []byte
	Groups  map[string]struct{}
}

// Group is a named fan-out set of clients owned by exactly one client.
type Group struct {
	Name    string
	Owner   uuid.UUID
	Members map[uuid.UUID]struct{}
}

// ReapedGroup describes a group destroyed as a side effect of its owner
// disconnecting: the remaining members that must receive a
// STATUS/UNSUBSCRIBED broadcast.
type ReapedGroup struct {
	Name    string
	Members []uuid.UUID
}

// Registry owns the Namespace, Clients, and Groups tables.
type Registry struct {
	nsMu      sync.RWMutex
	namespace map[string]uuid.UUID

	clientsMu sync.RWMutex
	clients   map[uuid.UUID]*Client

	groupsMu sync.RWMutex
	groups   map[string]*Group

	mailboxSize int
	metrics     *metrics.Registry
}

func New(mailboxSize int, m *metrics.Registry) *Registry {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	return &Registry{
		namespace:   make(map[string]uuid.UUID),
		clients:     make(map[uuid.UUID]*Client),
		groups:      make(map[string]*Group),
		mailboxSize: mailboxSize,
		metrics:     m,
	}
}

// TryRegister atomically checks name's absence from the Namespace and
// inserts both the Namespace entry and the Clients entry for a freshly
// minted client, holding the Namespace lock across both inserts so no
// external observer can see a half-inserted client (invariant #5).
//
// buildHello, if non-nil, is called with the new Client while clientsMu is
// still held for the insert, and its return value (if non-nil) is pushed
// onto the fresh Mailbox before the client becomes visible to any
// concurrent Enqueue/EnqueueMany/EnqueueAll call. This is how callers seed
// the mandatory first frame (spec §5's HELLO) without a window in which a
// broadcast could reach the mailbox first.
func (r *Registry) TryRegister(name string, buildHello func(*Client) []byte) (*Client, error) {
	if name == "" {
		return nil, ErrInvalidName
	}

	r.nsMu.Lock()
	defer r.nsMu.Unlock()

	if _, exists := r.namespace[name]; exists {
		return nil, ErrDuplicateName
	}

	client := &Client{
		UUID:    uuid.New(),
		Name:    name,
		Mailbox: make(chan []byte, r.mailboxSize),
		Groups:  make(map[string]struct{}),
	}

	r.namespace[name] = client.UUID

	r.clientsMu.Lock()
	r.clients[client.UUID] = client
	if buildHello != nil {
		if frame := buildHello(client); frame != nil {
			client.Mailbox <- frame
		}
	}
	r.clientsMu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveClients.Inc()
	}
	return client, nil
}

// Deregister removes a client from every table it participates in: the
// Clients table, its Namespace entry, every Group's member set, and every
// Group it owns. Reaped groups (those it owned) are returned so the caller
// can broadcast STATUS/UNSUBSCRIBED to their surviving members; Deregister
// itself never touches the wire codec. The returned Client's Mailbox is
// closed before this function returns, which drives the Dispatcher to exit
// once it drains whatever was still queued.
func (r *Registry) Deregister(id uuid.UUID) (*Client, []ReapedGroup, error) {
	r.clientsMu.Lock()
	client, ok := r.clients[id]
	if !ok {
		r.clientsMu.Unlock()
		return nil, nil, ErrNotFound
	}
	delete(r.clients, id)
	// Closed under the same lock Enqueue/EnqueueMany/EnqueueAll hold across
	// their own send: otherwise a send in flight against this client's
	// Mailbox can race the close and panic (invariant #4, no panics).
	close(client.Mailbox)
	r.clientsMu.Unlock()

	r.nsMu.Lock()
	delete(r.namespace, client.Name)
	r.nsMu.Unlock()

	var reaped []ReapedGroup
	r.clientsMu.RLock()
	r.groupsMu.Lock()
	for name, g := range r.groups {
		delete(g.Members, id)
		if g.Owner == id {
			members := make([]uuid.UUID, 0, len(g.Members))
			for m := range g.Members {
				members = append(members, m)
				if c, ok := r.clients[m]; ok {
					delete(c.Groups, name)
				}
			}
			delete(r.groups, name)
			reaped = append(reaped, ReapedGroup{Name: name, Members: members})
		}
	}
	r.groupsMu.Unlock()
	r.clientsMu.RUnlock()

	if r.metrics != nil {
		r.metrics.ActiveClients.Dec()
		r.metrics.ActiveGroups.Sub(float64(len(reaped)))
	}
	return client, reaped, nil
}

// CreateGroup registers a new, initially empty group owned by owner.
func (r *Registry) CreateGroup(name string, owner uuid.UUID) error {
	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	if _, exists := r.groups[name]; exists {
		return ErrAlreadyExists
	}
	r.groups[name] = &Group{Name: name, Owner: owner, Members: make(map[uuid.UUID]struct{})}
	if r.metrics != nil {
		r.metrics.ActiveGroups.Inc()
	}
	return nil
}

// DeleteGroup removes a group if requester owns it, returning the member
// uuids that were subscribed so the caller can notify them.
func (r *Registry) DeleteGroup(name string, requester uuid.UUID) ([]uuid.UUID, error) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		return nil, ErrNoSuchGroup
	}
	if g.Owner != requester {
		return nil, ErrNotOwner
	}
	members := make([]uuid.UUID, 0, len(g.Members))
	for m := range g.Members {
		members = append(members, m)
		if c, ok := r.clients[m]; ok {
			delete(c.Groups, name)
		}
	}
	delete(r.groups, name)
	if r.metrics != nil {
		r.metrics.ActiveGroups.Dec()
	}
	return members, nil
}

// Subscribe adds id to group's members and group to id's subscription set.
// Re-subscribing an already-subscribed client is a no-op success.
func (r *Registry) Subscribe(id uuid.UUID, group string) error {
	r.clientsMu.RLock()
	client, ok := r.clients[id]
	r.clientsMu.RUnlock()
	if !ok {
		return ErrClientGone
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return ErrNoSuchGroup
	}
	g.Members[id] = struct{}{}
	client.Groups[group] = struct{}{}
	return nil
}

// Unsubscribe removes id from group's members and the reverse mapping. It
// is idempotent: asking to leave a group you never joined, or one that no
// longer exists, both report success per the dispatch table's single
// STATUS/UNSUBSCRIBED reply for UNSUBSCRIBE (see DESIGN.md).
func (r *Registry) Unsubscribe(id uuid.UUID, group string) {
	r.clientsMu.RLock()
	client, ok := r.clients[id]
	r.clientsMu.RUnlock()
	if !ok {
		return
	}

	r.groupsMu.Lock()
	defer r.groupsMu.Unlock()
	if g, ok := r.groups[group]; ok {
		delete(g.Members, id)
	}
	delete(client.Groups, group)
}

// Enqueue pushes frame onto a client's mailbox. Mailboxes are bounded; a
// full mailbox (a slow consumer that has fallen mailboxSize frames behind)
// drops the frame and counts it in metrics rather than blocking the caller,
// per the backpressure policy in spec §5.
//
// clientsMu is held across the lookup and the send, the same way
// EnqueueMany/EnqueueAll hold it: Deregister closes a client's Mailbox
// under this same lock, so a send can never race a close here.
func (r *Registry) Enqueue(id uuid.UUID, frame []byte) error {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return ErrClientGone
	}
	r.enqueueTo(client, frame)
	return nil
}

// EnqueueMany enqueues frame to every client in ids that is still present.
// A uuid with no corresponding client (a momentary inconsistency) is
// silently skipped, per spec §4.3.1.
func (r *Registry) EnqueueMany(ids []uuid.UUID, frame []byte) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	for _, id := range ids {
		if client, ok := r.clients[id]; ok {
			r.enqueueTo(client, frame)
		}
	}
}

// EnqueueAll enqueues frame to every currently registered client.
func (r *Registry) EnqueueAll(frame []byte) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	for _, client := range r.clients {
		r.enqueueTo(client, frame)
	}
}

func (r *Registry) enqueueTo(client *Client, frame []byte) {
	select {
	case client.Mailbox <- frame:
		if r.metrics != nil {
			r.metrics.MessagesRouted.Inc()
		}
	default:
		if r.metrics != nil {
			r.metrics.MessagesDropped.Inc()
		}
	}
}

// ResolveName looks up a client's uuid by its display name.
func (r *Registry) ResolveName(name string) (uuid.UUID, error) {
	r.nsMu.RLock()
	defer r.nsMu.RUnlock()
	id, ok := r.namespace[name]
	if !ok {
		return uuid.Nil, ErrNoSuchName
	}
	return id, nil
}

// ResolveUUID looks up a client's display name by its uuid.
func (r *Registry) ResolveUUID(id uuid.UUID) (string, error) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return "", ErrNoSuchUUID
	}
	return client.Name, nil
}

// SnapshotClients returns every (uuid, name) pair currently registered.
func (r *Registry) SnapshotClients() []ClientSnapshot {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	out := make([]ClientSnapshot, 0, len(r.clients))
	for id, client := range r.clients {
		out = append(out, ClientSnapshot{UUID: id, Name: client.Name})
	}
	return out
}

// SnapshotGroups returns every currently registered group name.
func (r *Registry) SnapshotGroups() []string {
	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for name := range r.groups {
		out = append(out, name)
	}
	return out
}

// SnapshotMembers returns the (uuid, name) pairs currently subscribed to
// group. A member uuid with no corresponding client is skipped.
func (r *Registry) SnapshotMembers(group string) ([]ClientSnapshot, error) {
	r.groupsMu.RLock()
	g, ok := r.groups[group]
	if !ok {
		r.groupsMu.RUnlock()
		return nil, ErrNoSuchGroup
	}
	ids := make([]uuid.UUID, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	r.groupsMu.RUnlock()

	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	out := make([]ClientSnapshot, 0, len(ids))
	for _, id := range ids {
		if client, ok := r.clients[id]; ok {
			out = append(out, ClientSnapshot{UUID: id, Name: client.Name})
		}
	}
	return out, nil
}

// ClientSubscriptions returns the group names a client currently belongs to.
func (r *Registry) ClientSubscriptions(id uuid.UUID) []string {
	r.clientsMu.RLock()
	client, ok := r.clients[id]
	r.clientsMu.RUnlock()
	if !ok {
		return nil
	}

	r.groupsMu.RLock()
	defer r.groupsMu.RUnlock()
	out := make([]string, 0, len(client.Groups))
	for g := range client.Groups {
		out = append(out, g)
	}
	return out
}

// ClientCount returns the number of currently registered clients.
func (r *Registry) ClientCount() int {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return len(r.clients)
}

// ClientSnapshot is a (uuid, name) pair returned by the various snapshot
// accessors above.
type ClientSnapshot struct {
	UUID uuid.UUID
	Name string
}
