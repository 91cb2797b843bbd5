package scenewire

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"scenewire.org/scenewire/protocol"
)

/*
Store is the authoritative registry of scene nodes and GUI controls with
properties:
- every mutation is applied under one short critical section, with no I/O
  while the lock is held
- each mutation is stamped with the next per-identifier revision and the
  next store-global revision, encoded, and handed to the broadcaster before
  the lock is released, so no session can observe revision K+1 for an
  identifier before revision K
- a session attaching mid-stream gets a snapshot that reflects a single
  consistent revision set, then only mutations published after it
*/

type nodeRecord struct {
	identifier       string
	parentIdentifier string
	kind             protocol.NodeKind
	attributes       protocol.Attributes
	revision         uint64
	childIdentifiers map[string]bool
	// non-nil iff kind is NodeKindControl
	control *controlRecord
}

type StoreSettings struct {
	// pending control callback invocations before the producer is
	// considered wedged; see eventDispatcher
	DispatchQueueMaxCount int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		DispatchQueueMaxCount: 8 * 1024,
	}
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	broadcaster *Broadcaster
	dispatcher  *eventDispatcher

	settings *StoreSettings

	mutex sync.Mutex
	nodes map[string]*nodeRecord
	// last published revision per removed identifier. re-creating an
	// identifier continues its revision sequence from here, so a client
	// that watched the old node never observes revisions restarting.
	retiredRevisions map[string]uint64
	globalRevision   uint64
	closed           bool
}

func NewStoreWithDefaults(ctx context.Context, broadcaster *Broadcaster) *Store {
	return NewStore(ctx, broadcaster, DefaultStoreSettings())
}

func NewStore(ctx context.Context, broadcaster *Broadcaster, settings *StoreSettings) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &Store{
		ctx:         cancelCtx,
		cancel:      cancel,
		broadcaster: broadcaster,
		settings:    settings,
		nodes:       map[string]*nodeRecord{},

		retiredRevisions: map[string]uint64{},
	}
	store.dispatcher = newEventDispatcher(cancelCtx, settings.DispatchQueueMaxCount)
	return store
}

// CreateNode adds a node under `parentIdentifier`. An empty parent makes a
// root node. The identifier must not already exist and the parent must.
func (self *Store) CreateNode(
	identifier string,
	parentIdentifier string,
	kind protocol.NodeKind,
	attributes protocol.Attributes,
) (*NodeHandle, error) {
	if identifier == "" {
		return nil, fmt.Errorf("empty identifier: %w", ErrUnknownIdentifier)
	}
	if kind == protocol.NodeKindControl {
		return nil, fmt.Errorf("use RegisterControl for control nodes")
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.createNode(identifier, parentIdentifier, kind, attributes, nil); err != nil {
		return nil, err
	}
	return &NodeHandle{store: self, identifier: identifier}, nil
}

// caller must hold the mutex
func (self *Store) createNode(
	identifier string,
	parentIdentifier string,
	kind protocol.NodeKind,
	attributes protocol.Attributes,
	control *controlRecord,
) error {
	if self.closed {
		return ErrStoreClosed
	}
	if _, ok := self.nodes[identifier]; ok {
		return fmt.Errorf("%s: %w", identifier, ErrDuplicateIdentifier)
	}
	var parent *nodeRecord
	if parentIdentifier != "" {
		var ok bool
		parent, ok = self.nodes[parentIdentifier]
		if !ok {
			return fmt.Errorf("%s: %w", parentIdentifier, ErrInvalidParent)
		}
	}

	revision := uint64(1)
	if retiredRevision, ok := self.retiredRevisions[identifier]; ok {
		revision = retiredRevision + 1
		delete(self.retiredRevisions, identifier)
	}

	node := &nodeRecord{
		identifier:       identifier,
		parentIdentifier: parentIdentifier,
		kind:             kind,
		attributes:       protocol.CloneAttributes(attributes),
		revision:         revision,
		childIdentifiers: map[string]bool{},
		control:          control,
	}
	self.nodes[identifier] = node
	if parent != nil {
		parent.childIdentifiers[identifier] = true
	}

	self.globalRevision += 1
	self.publish(&protocol.CreateNode{
		Identifier:       identifier,
		Revision:         node.revision,
		ParentIdentifier: parentIdentifier,
		Kind:             kind,
		Attributes:       node.attributes,
	}, Id{})
	return nil
}

// UpdateNode merges an attribute delta into an existing node and bumps its
// revision. For control nodes a "value" entry in the delta goes through the
// control type check and the control broadcast path instead.
func (self *Store) UpdateNode(identifier string, delta protocol.Attributes) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return ErrStoreClosed
	}
	node, ok := self.nodes[identifier]
	if !ok {
		return fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}

	if node.control != nil {
		if value, ok := delta[controlValueAttr]; ok {
			if len(delta) != 1 {
				return fmt.Errorf("control value must be updated on its own: %w", ErrControlType)
			}
			return self.setControlValue(node, value, protocol.ValueOriginServer, Id{})
		}
	}

	for name, value := range delta {
		node.attributes[name] = value
	}
	node.revision += 1
	self.globalRevision += 1
	self.publish(&protocol.UpdateNode{
		Identifier: identifier,
		Revision:   node.revision,
		Attributes: protocol.CloneAttributes(delta),
	}, Id{})
	return nil
}

// RemoveNode removes the node and its whole subtree. One RemoveNode frame
// is broadcast per removed identifier, parents before descendants, so a
// client never holds a child whose parent it has already dropped. Returns
// the removed identifiers in broadcast order. A removed identifier retains
// its revision sequence; re-creating it continues from the next revision.
func (self *Store) RemoveNode(identifier string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, ErrStoreClosed
	}
	node, ok := self.nodes[identifier]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}

	// breadth first from the removal root keeps parents ahead of children
	removedIdentifiers := []string{}
	frontier := []*nodeRecord{node}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		removedIdentifiers = append(removedIdentifiers, next.identifier)
		childIdentifiers := maps.Keys(next.childIdentifiers)
		slices.Sort(childIdentifiers)
		for _, childIdentifier := range childIdentifiers {
			frontier = append(frontier, self.nodes[childIdentifier])
		}
	}

	if parent, ok := self.nodes[node.parentIdentifier]; ok {
		delete(parent.childIdentifiers, identifier)
	}
	for _, removedIdentifier := range removedIdentifiers {
		removed := self.nodes[removedIdentifier]
		delete(self.nodes, removedIdentifier)
		removed.revision += 1
		self.retiredRevisions[removedIdentifier] = removed.revision
		self.globalRevision += 1
		self.publish(&protocol.RemoveNode{
			Identifier: removedIdentifier,
			Revision:   removed.revision,
		}, Id{})
	}
	return removedIdentifiers, nil
}

// Snapshot returns the current records as an ordered sequence of create
// messages, parents before children, reflecting one consistent revision
// set. The second return is the store-global revision the snapshot
// reflects.
func (self *Store) Snapshot() ([]*protocol.CreateNode, uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.snapshot(), self.globalRevision
}

// caller must hold the mutex
func (self *Store) snapshot() []*protocol.CreateNode {
	messages := []*protocol.CreateNode{}

	rootIdentifiers := []string{}
	for identifier, node := range self.nodes {
		if _, ok := self.nodes[node.parentIdentifier]; !ok {
			rootIdentifiers = append(rootIdentifiers, identifier)
		}
	}
	slices.Sort(rootIdentifiers)

	frontier := rootIdentifiers
	for len(frontier) > 0 {
		identifier := frontier[0]
		frontier = frontier[1:]
		node := self.nodes[identifier]
		messages = append(messages, &protocol.CreateNode{
			Identifier:       identifier,
			Revision:         node.revision,
			ParentIdentifier: node.parentIdentifier,
			Kind:             node.kind,
			Attributes:       protocol.CloneAttributes(node.attributes),
		})
		childIdentifiers := maps.Keys(node.childIdentifiers)
		slices.Sort(childIdentifiers)
		frontier = append(frontier, childIdentifiers...)
	}
	return messages
}

// Revision returns the store-global revision, which totals all mutations
// applied so far.
func (self *Store) Revision() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.globalRevision
}

func (self *Store) NodeCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.nodes)
}

// NodeAttributes returns a copy of the node's current attributes.
func (self *Store) NodeAttributes(identifier string) (protocol.Attributes, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[identifier]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identifier, ErrUnknownIdentifier)
	}
	return protocol.CloneAttributes(node.attributes), nil
}

// Attach stages the full snapshot as the session's bootstrap and registers
// the session for live broadcast, all under the store lock. The session's
// send loop writes the bootstrap before draining the live queue, and the
// bootstrap is not counted against the queue bound: the slow-consumer bound
// applies to a client that is failing to keep up, not to one that has not
// been given a chance to read yet. A live frame enqueued after this is
// guaranteed to describe a mutation after the snapshot, so the session
// never sees a create for an identifier after an update for it, and never a
// duplicate of bootstrapped state.
func (self *Store) Attach(session *Session) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return ErrStoreClosed
	}
	messages := self.snapshot()
	bootstrapFrames := make([][]byte, 0, len(messages))
	for _, message := range messages {
		frameBytes, err := protocol.EncodeFrame(message)
		if err != nil {
			return err
		}
		bootstrapFrames = append(bootstrapFrames, frameBytes)
	}
	session.setBootstrap(bootstrapFrames)
	session.setCursor(self.globalRevision)
	self.broadcaster.Add(session)
	return nil
}

// caller must hold the mutex. encoding is cpu only; the broadcaster enqueue
// is non-blocking.
func (self *Store) publish(message protocol.Message, excludeSessionId Id) {
	frameBytes, err := protocol.EncodeFrame(message)
	if err != nil {
		// a mutation that cannot be encoded would strand every client;
		// this is a programming error on the producer side
		panic(err)
	}
	self.broadcaster.Publish(frameBytes, excludeSessionId)
}

func (self *Store) Close() {
	self.mutex.Lock()
	self.closed = true
	self.mutex.Unlock()

	self.cancel()
}
