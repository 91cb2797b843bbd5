package scenewire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"scenewire.org/scenewire/protocol"
)

type SessionState int

const (
	SessionStateConnecting SessionState = 0
	SessionStateConnected  SessionState = 1
	SessionStateClosing    SessionState = 2
	SessionStateClosed     SessionState = 3
)

func (self SessionState) String() string {
	switch self {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateClosing:
		return "closing"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one connected viewer's server-side connection state: a
// bounded outbound queue of encoded frames, a cursor at the store revision
// its bootstrap reflected, and the send/receive loops for its websocket.
//
// the send loop blocks only on this session's own write capacity. inbound
// decoding runs concurrently with outbound draining. closing is safe from
// any goroutine and cancels both loops.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId  Id
	clientName string

	store *Store
	ws    *websocket.Conn

	settings *ServerSettings

	send chan []byte

	stateMutex sync.Mutex
	state      SessionState
	cursor     uint64
	closeErr   error
	// staged snapshot frames, written by the send loop before any live
	// frame. not counted against the queue bound.
	bootstrapFrames [][]byte
}

func newSession(
	ctx context.Context,
	store *Store,
	ws *websocket.Conn,
	clientName string,
	settings *ServerSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		sessionId:  NewId(),
		clientName: clientName,
		store:      store,
		ws:         ws,
		settings:   settings,
		send:       make(chan []byte, settings.SendQueueMaxCount),
		state:      SessionStateConnecting,
	}
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) ClientName() string {
	return self.clientName
}

func (self *Session) State() SessionState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.state
}

// Cursor is the store-global revision the session's bootstrap reflected.
func (self *Session) Cursor() uint64 {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.cursor
}

// CloseErr is the error the session was closed with, if any.
func (self *Session) CloseErr() error {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	return self.closeErr
}

func (self *Session) setState(state SessionState) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	if self.state < state {
		self.state = state
	}
}

func (self *Session) setBootstrap(frames [][]byte) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.bootstrapFrames = frames
}

func (self *Session) takeBootstrap() [][]byte {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	frames := self.bootstrapFrames
	self.bootstrapFrames = nil
	return frames
}

func (self *Session) setCursor(cursor uint64) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()

	self.cursor = cursor
	self.state = SessionStateConnected
}

// enqueue appends a frame to the outbound queue without blocking. Returns
// false if the queue is full. Frames for an already closed session are
// silently dropped; a fresh reconnect triggers a new bootstrap anyway.
func (self *Session) enqueue(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
	}
	select {
	case self.send <- frameBytes:
		return true
	default:
		return false
	}
}

func (self *Session) closeWithError(err error) {
	self.stateMutex.Lock()
	if self.closeErr == nil {
		self.closeErr = err
	}
	if self.state < SessionStateClosing {
		self.state = SessionStateClosing
	}
	self.stateMutex.Unlock()

	self.cancel()
}

func (self *Session) Close() {
	self.setState(SessionStateClosing)
	self.cancel()
}

// run drains the queue onto the wire and decodes inbound frames until the
// session ends. Blocks until both loops exit.
func (self *Session) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		self.setState(SessionStateClosed)
	}()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		// bootstrap first. live frames enqueued after attach describe
		// mutations after the snapshot, so draining the queue afterward
		// preserves revision order.
		for _, frameBytes := range self.takeBootstrap() {
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				glog.Infof("[ss]%s-> bootstrap error = %s\n", self.sessionId, err)
				return
			}
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[ss]%s-> error = %s\n", self.sessionId, err)
					return
				}
				glog.V(2).Infof("[ss]%s->\n", self.sessionId)
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[sr]%s<- error = %s\n", self.sessionId, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[sr]ping %s<-\n", self.sessionId)
					continue
				}
				if !self.handleFrame(message) {
					return
				}
			default:
				glog.V(2).Infof("[sr]other=%d %s<-\n", messageType, self.sessionId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

// handleFrame decodes one inbound frame. Returns false if the session must
// be closed. A malformed frame closes only this session; the store and
// other sessions are unaffected.
func (self *Session) handleFrame(frameBytes []byte) bool {
	message, err := protocol.DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[sr]%s<- malformed frame = %s\n", self.sessionId, err)
		self.closeWithError(protocol.ErrMalformedMessage)
		return false
	}

	switch v := message.(type) {
	case *protocol.ControlValue:
		if err := self.store.ApplyClientValue(v.Identifier, v.Value, self.sessionId); err != nil {
			if errors.Is(err, ErrUnknownIdentifier) {
				// benign race: the control was removed while the value
				// was in flight
				glog.V(2).Infof("[sr]%s<- value for removed control %s\n", self.sessionId, v.Identifier)
			} else {
				glog.Infof("[sr]%s<- rejected value for %s = %s\n", self.sessionId, v.Identifier, err)
			}
		}
		return true
	default:
		// clients only ever send control values after the handshake
		glog.Infof("[sr]%s<- unexpected %T frame\n", self.sessionId, message)
		self.closeWithError(protocol.ErrMalformedMessage)
		return false
	}
}
