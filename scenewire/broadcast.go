package scenewire

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Broadcaster fans encoded frames out to every live session queue. The
// store calls Publish while holding its own mutex, which serializes
// publishes and makes queue order match store revision order for every
// session. Enqueue is non-blocking: a session whose queue is full is closed
// rather than allowed to stall the producer or other sessions.
type Broadcaster struct {
	mutex    sync.Mutex
	sessions map[Id]*Session
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		sessions: map[Id]*Session{},
	}
}

func (self *Broadcaster) Add(session *Session) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.sessions[session.sessionId] = session
}

func (self *Broadcaster) Remove(session *Session) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.sessions, session.sessionId)
}

func (self *Broadcaster) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.sessions)
}

func (self *Broadcaster) Sessions() []*Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Values(self.sessions)
}

// Publish appends the frame to every live session queue except
// `excludeSessionId` (the zero id excludes nobody). A full queue closes
// that session with ErrQueueOverflow; other sessions are unaffected.
func (self *Broadcaster) Publish(frameBytes []byte, excludeSessionId Id) {
	self.mutex.Lock()
	sessions := maps.Values(self.sessions)
	self.mutex.Unlock()

	for _, session := range sessions {
		if session.sessionId == excludeSessionId {
			continue
		}
		if !session.enqueue(frameBytes) {
			glog.Infof("[b]queue overflow %s\n", session.sessionId)
			session.closeWithError(ErrQueueOverflow)
		}
	}
}
