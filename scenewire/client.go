package scenewire

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"

	"scenewire.org/scenewire/protocol"
)

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendQueueMaxCount  int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendQueueMaxCount:  128,
	}
}

type ClientAuth struct {
	Token      string
	ClientName string
}

// ClientNode is one entry of the client-side scene mirror.
type ClientNode struct {
	Identifier       string
	ParentIdentifier string
	Kind             protocol.NodeKind
	Attributes       protocol.Attributes
	Revision         uint64
}

// invoked after each applied message, outside the mirror lock
type ClientUpdateFunction func(message protocol.Message)

// Client maintains a local mirror of the server's scene over a persistent
// connection. On connect it authenticates, receives the bootstrap
// snapshot, and then applies the live mutation stream. On a dropped
// connection it clears the mirror and reconnects; the fresh bootstrap
// replaces the lost state.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *ClientSettings

	send chan []byte

	updateCallbacks *CallbackList[ClientUpdateFunction]

	mutex     sync.Mutex
	connected bool
	nodes     map[string]*ClientNode
	// last revision observed per identifier, for ordering verification.
	// retained across removes, reset on reconnect.
	lastRevisions      map[string]uint64
	revisionViolations int
}

func NewClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) *Client {
	return NewClient(ctx, url, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, url string, auth *ClientAuth, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		auth:            auth,
		settings:        settings,
		send:            make(chan []byte, settings.SendQueueMaxCount),
		updateCallbacks: NewCallbackList[ClientUpdateFunction](),
		nodes:           map[string]*ClientNode{},
		lastRevisions:   map[string]uint64{},
	}
	go client.run()
	return client
}

func (self *Client) run() {
	defer self.cancel()

	authBytes, err := protocol.EncodeFrame(&protocol.SessionAuth{
		Token:      self.auth.Token,
		ClientName: self.auth.ClientName,
	})
	if err != nil {
		return
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.V(1).Infof("[c]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.runConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// a fresh bootstrap replaces any previously mirrored state
	self.mutex.Lock()
	self.nodes = map[string]*ClientNode{}
	self.lastRevisions = map[string]uint64{}
	self.connected = true
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		self.connected = false
		self.mutex.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-self.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.V(1).Infof("[c]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[c]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[c]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					continue
				}
				decoded, err := protocol.DecodeFrame(message)
				if err != nil {
					glog.Infof("[c]<- malformed frame = %s\n", err)
					return
				}
				self.apply(decoded)
			default:
			}
		}
	}()
}

func (self *Client) apply(message protocol.Message) {
	self.mutex.Lock()
	switch v := message.(type) {
	case *protocol.CreateNode:
		self.checkRevision(v.Identifier, v.Revision)
		self.nodes[v.Identifier] = &ClientNode{
			Identifier:       v.Identifier,
			ParentIdentifier: v.ParentIdentifier,
			Kind:             v.Kind,
			Attributes:       protocol.CloneAttributes(v.Attributes),
			Revision:         v.Revision,
		}
	case *protocol.UpdateNode:
		if node, ok := self.nodes[v.Identifier]; ok {
			self.checkRevision(v.Identifier, v.Revision)
			for name, value := range v.Attributes {
				node.Attributes[name] = value
			}
			node.Revision = v.Revision
		}
	case *protocol.RemoveNode:
		// subtree removals arrive parent first. dropping the whole
		// subtree here makes the follow-up child removals no-ops.
		if _, ok := self.nodes[v.Identifier]; ok {
			self.checkRevision(v.Identifier, v.Revision)
			self.removeSubtree(v.Identifier)
		}
	case *protocol.ControlValue:
		if node, ok := self.nodes[v.Identifier]; ok {
			self.checkRevision(v.Identifier, v.Revision)
			node.Attributes["value"] = v.Value
			node.Revision = v.Revision
		}
	}
	self.mutex.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		func(callback ClientUpdateFunction) {
			HandleError(func() {
				callback(message)
			})
		}(callback)
	}
}

// caller must hold the mutex
func (self *Client) checkRevision(identifier string, revision uint64) {
	if last, ok := self.lastRevisions[identifier]; ok && revision <= last {
		glog.Warningf("[c]revision order violation for %s: %d after %d\n", identifier, revision, last)
		self.revisionViolations += 1
	}
	self.lastRevisions[identifier] = revision
}

// caller must hold the mutex
func (self *Client) removeSubtree(identifier string) {
	delete(self.nodes, identifier)
	for {
		removed := false
		for childIdentifier, node := range self.nodes {
			if node.ParentIdentifier == "" {
				continue
			}
			if _, ok := self.nodes[node.ParentIdentifier]; !ok {
				if _, ok := self.lastRevisions[node.ParentIdentifier]; ok {
					// parent existed and was removed
					delete(self.nodes, childIdentifier)
					removed = true
				}
			}
		}
		if !removed {
			return
		}
	}
}

// SetControlValue sends a client-origin control value to the server.
func (self *Client) SetControlValue(identifier string, value protocol.AttrValue) error {
	frameBytes, err := protocol.EncodeFrame(&protocol.ControlValue{
		Identifier: identifier,
		Value:      value,
		Origin:     protocol.ValueOriginClient,
	})
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("client closed")
	case self.send <- frameBytes:
		return nil
	default:
		return ErrQueueOverflow
	}
}

// AddUpdateCallback registers a hook invoked after each applied message.
// Returns a function that removes the callback.
func (self *Client) AddUpdateCallback(callback ClientUpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *Client) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.connected
}

// Node returns a copy of one mirrored node.
func (self *Client) Node(identifier string) (ClientNode, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	node, ok := self.nodes[identifier]
	if !ok {
		return ClientNode{}, false
	}
	out := *node
	out.Attributes = protocol.CloneAttributes(node.Attributes)
	return out, true
}

func (self *Client) NodeCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.nodes)
}

func (self *Client) NodeIdentifiers() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.nodes)
}

// RevisionViolations counts frames observed out of per-identifier revision
// order since the last (re)connect. Always zero against a correct server.
func (self *Client) RevisionViolations() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.revisionViolations
}

func (self *Client) Close() {
	self.cancel()
}
