package scenewire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"scenewire.org/scenewire/protocol"
)

type ServerSettings struct {
	AuthTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// outbound frames queued per session before the session is closed as a
	// slow consumer
	SendQueueMaxCount int
	// largest inbound websocket message accepted from a client
	ReadLimit ByteCount

	StoreSettings *StoreSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:       5 * time.Second,
		PingTimeout:       1 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       15 * time.Second,
		SendQueueMaxCount: 4 * 1024,
		ReadLimit:         mib(16),
		StoreSettings:     DefaultStoreSettings(),
	}
}

// invoked when a session connects (connected=true, after bootstrap is
// enqueued) and when it disconnects (connected=false)
type SessionChangeFunction func(sessionId Id, clientName string, connected bool)

// Server owns the store, the broadcaster, and the connection lifecycle. It
// is an http.Handler: mount it wherever the viewer clients connect.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       *Store
	broadcaster *Broadcaster

	// when set, handshake tokens must verify against this secret
	authSecret string

	settings *ServerSettings

	upgrader websocket.Upgrader

	sessionCallbacks *CallbackList[SessionChangeFunction]
}

func NewServerWithDefaults(ctx context.Context) *Server {
	return NewServer(ctx, "", DefaultServerSettings())
}

func NewServer(ctx context.Context, authSecret string, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	broadcaster := NewBroadcaster()
	server := &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       NewStore(cancelCtx, broadcaster, settings.StoreSettings),
		broadcaster: broadcaster,
		authSecret:  authSecret,
		settings:    settings,
		upgrader: websocket.Upgrader{
			// viewer bundles are typically served from another origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessionCallbacks: NewCallbackList[SessionChangeFunction](),
	}
	return server
}

func (self *Server) Store() *Store {
	return self.store
}

func (self *Server) SessionCount() int {
	return self.broadcaster.SessionCount()
}

// producer api passthroughs

func (self *Server) CreateNode(
	identifier string,
	parentIdentifier string,
	kind protocol.NodeKind,
	attributes protocol.Attributes,
) (*NodeHandle, error) {
	return self.store.CreateNode(identifier, parentIdentifier, kind, attributes)
}

func (self *Server) RegisterControl(
	identifier string,
	parentIdentifier string,
	controlKind ControlKind,
	defaultValue protocol.AttrValue,
	attributes protocol.Attributes,
) (*ControlHandle, error) {
	return self.store.RegisterControl(identifier, parentIdentifier, controlKind, defaultValue, attributes)
}

// AddSessionCallback registers a connect/disconnect lifecycle hook.
// Returns a function that removes the callback.
func (self *Server) AddSessionCallback(callback SessionChangeFunction) func() {
	return self.sessionCallbacks.Add(callback)
}

// ServeHTTP upgrades the connection, performs the auth handshake, replays
// the bootstrap snapshot, and then streams live mutations until the
// session ends.
func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-self.ctx.Done():
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}

	clientName, err := self.handshake(ws)
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		ws.Close()
		return
	}
	if self.settings.ReadLimit > 0 {
		ws.SetReadLimit(self.settings.ReadLimit)
	}

	session := newSession(self.ctx, self.store, ws, clientName, self.settings)
	if err := self.store.Attach(session); err != nil {
		glog.Infof("[s]bootstrap error %s = %s\n", session.sessionId, err)
		ws.Close()
		return
	}
	glog.V(1).Infof("[s]connect %s (%s)\n", session.sessionId, clientName)
	for _, callback := range self.sessionCallbacks.Get() {
		func(callback SessionChangeFunction) {
			HandleError(func() {
				callback(session.sessionId, clientName, true)
			})
		}(callback)
	}

	session.run()

	self.broadcaster.Remove(session)
	glog.V(1).Infof("[s]disconnect %s (%s) err = %v\n", session.sessionId, clientName, session.CloseErr())
	for _, callback := range self.sessionCallbacks.Get() {
		func(callback SessionChangeFunction) {
			HandleError(func() {
				callback(session.sessionId, clientName, false)
			})
		}(callback)
	}
}

// handshake reads the client's SessionAuth frame and echoes the exact
// bytes back to acknowledge the session.
func (self *Server) handshake(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.BinaryMessage {
		return "", fmt.Errorf("auth must be a binary frame")
	}

	message, err := protocol.DecodeFrame(authBytes)
	if err != nil {
		return "", err
	}
	auth, ok := message.(*protocol.SessionAuth)
	if !ok {
		return "", fmt.Errorf("expected auth frame, got %T", message)
	}

	clientName := auth.ClientName
	if self.authSecret != "" {
		sessionToken, err := VerifySessionToken(self.authSecret, auth.Token)
		if err != nil {
			return "", err
		}
		if sessionToken.ClientName != "" {
			clientName = sessionToken.ClientName
		}
	} else if auth.Token != "" && clientName == "" {
		if sessionToken, err := ParseSessionTokenUnverified(auth.Token); err == nil {
			clientName = sessionToken.ClientName
		}
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return "", err
	}
	return clientName, nil
}

// Close shuts down the server: no new sessions are accepted, the store
// stops applying mutations, and every live session is closed.
func (self *Server) Close() {
	self.store.Close()
	for _, session := range self.broadcaster.Sessions() {
		session.Close()
	}
	self.cancel()
}

var _ http.Handler = (*Server)(nil)
