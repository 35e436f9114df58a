package terminal

import (
	"sync"
	"time"

	"isolator/internal/isolator/engine"
	"isolator/internal/isolator/spec"
)

// session is one live pty inside a container. It outlives individual client
// connections; output produced while nobody is attached lands in the replay
// buffer.
type session struct {
	info   spec.TerminalSession
	stream engine.ExecStream

	mu        sync.Mutex
	writer    Client
	observers map[Client]struct{}
	replay    []byte
	replayMax int
	closed    bool
	done      chan struct{}
}

func newSession(info spec.TerminalSession, stream engine.ExecStream, replayMax int) *session {
	return &session{
		info:      info,
		stream:    stream,
		observers: make(map[Client]struct{}),
		replayMax: replayMax,
		done:      make(chan struct{}),
	}
}

// pump reads pty output and fans it out to attached clients. It runs until
// the shell exits or the session is closed.
func (s *session) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.broadcast(buf[:n])
		}
		if err != nil {
			s.shutdown()
			return
		}
	}
}

func (s *session) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replay = append(s.replay, data...)
	if over := len(s.replay) - s.replayMax; over > 0 {
		s.replay = s.replay[over:]
	}

	frame := Frame{Type: FrameOutput, Data: string(data)}
	if s.writer != nil {
		if err := s.writer.Send(frame); err != nil {
			s.writer = nil
		}
	}
	for obs := range s.observers {
		if err := obs.Send(frame); err != nil {
			delete(s.observers, obs)
		}
	}
}

// claimWriter takes the writable slot. Fails while another live writer
// holds it.
func (s *session) claimWriter(c Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.writer != nil {
		return false
	}
	s.writer = c
	return true
}

func (s *session) addObserver(c Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.observers[c] = struct{}{}
	return true
}

// detach releases whichever role the client held. The session stays alive
// for reconnection.
func (s *session) detach(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == c {
		s.writer = nil
	}
	delete(s.observers, c)
}

func (s *session) replaySnapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.replay))
	copy(out, s.replay)
	return out
}

func (s *session) touchInput() {
	s.mu.Lock()
	s.info.LastInputAt = time.Now()
	s.mu.Unlock()
}

func (s *session) lastInput() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.LastInputAt
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) hasWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.writer != nil
}

// shutdown closes the pty stream and every attached client exactly once.
func (s *session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	writer := s.writer
	s.writer = nil
	observers := make([]Client, 0, len(s.observers))
	for obs := range s.observers {
		observers = append(observers, obs)
	}
	s.observers = make(map[Client]struct{})
	s.mu.Unlock()

	exit := Frame{Type: FrameExit}
	if writer != nil {
		_ = writer.Send(exit)
		_ = writer.Close()
	}
	for _, obs := range observers {
		_ = obs.Send(exit)
		_ = obs.Close()
	}
	_ = s.stream.Close()
	close(s.done)
}
