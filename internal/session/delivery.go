package session

import (
	"fmt"
	"time"

	"github.com/creack/pty"
	"github.com/entl/termhub/internal/input"
	"github.com/entl/termhub/internal/protocol"
)

// addSubscriber attaches sub. A subscriber arriving after initial history
// went out is caught up directly from the replay buffer; earlier arrivals
// are covered when it is delivered.
func (s *Session) addSubscriber(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[sub.ID()] = sub
	s.stopOrphanTimerLocked()
	if !s.delivered {
		// A re-join asks to be caught up again once delivery happens.
		delete(s.greeted, sub.ID())
		return
	}
	sub.Send(protocol.Connected{SessionID: s.Key})
	if snap := s.replay.Snapshot(); len(snap) > 0 {
		sub.Send(protocol.LiveHistory(snap))
	}
	s.greeted[sub.ID()] = true
}

// removeSubscriber detaches id and reports how many subscribers remain.
func (s *Session) removeSubscriber(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
	delete(s.greeted, id)
	return len(s.subscribers)
}

func (s *Session) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// armOrphanTimer schedules reap unless a subscriber arrives first.
func (s *Session) armOrphanTimer(timeout time.Duration, reap func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning || len(s.subscribers) > 0 {
		return
	}
	s.stopOrphanTimerLocked()
	s.orphanTimer = time.AfterFunc(timeout, reap)
}

func (s *Session) stopOrphanTimerLocked() {
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
}

// firstContact starts initial history delivery for a session that has not
// delivered yet. Persisted history found at spawn goes out immediately;
// otherwise delivery waits for the first output or for grace to pass, so a
// fresh shell's prompt can be included.
func (s *Session) firstContact(created bool, grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning || s.delivered {
		return
	}
	if created && s.persisted.HasContent() {
		s.deliverLocked()
		return
	}
	if s.graceTimer == nil {
		s.graceTimer = time.AfterFunc(grace, s.graceExpired)
	}
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graceTimer = nil
	if s.state != StateRunning || s.delivered {
		return
	}
	s.deliverLocked()
}

// deliverLocked sends connected followed by the best available history to
// every subscriber not yet greeted in this PTY lifetime. Live output takes
// precedence over the record loaded at spawn. Nothing to replay means no
// history event. Subscribers already streaming before a hard clear are not
// greeted again.
func (s *Session) deliverLocked() {
	s.delivered = true
	s.stopGraceLocked()

	var hist protocol.Event
	if snap := s.replay.Snapshot(); len(snap) > 0 {
		hist = protocol.LiveHistory(snap)
	} else if s.persisted.HasContent() {
		hist = protocol.HistoryFromRecord(s.persisted, time.Now().UnixMilli())
	}

	greeted := 0
	for id, sub := range s.subscribers {
		if s.greeted[id] {
			continue
		}
		sub.Send(protocol.Connected{SessionID: s.Key})
		if hist != nil {
			sub.Send(hist)
		}
		s.greeted[id] = true
		greeted++
	}
	s.logger.Debug().
		Int("subscribers", greeted).
		Bool("history", hist != nil).
		Msg("initial history delivered")
}

func (s *Session) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// handleOutput fans a chunk of PTY output out to subscribers and records it.
// A chunk arriving before initial delivery triggers delivery first, so the
// chunk is never part of the replayed history and the live stream both.
func (s *Session) handleOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return
	}
	if !s.delivered {
		s.deliverLocked()
	}

	text := string(chunk)
	for _, sub := range s.subscribers {
		sub.Send(protocol.Output(text))
	}
	s.replay.Append(chunk)
	s.sink.RecordOutput(s.Key, text)
	s.metrics.OutputBytes.Add(float64(len(chunk)))
}

// write feeds client input through the interpreter and on to the shell.
// Completed commands are recorded; a clear command hard-clears the session
// before the input reaches the shell.
func (s *Session) write(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return ErrSessionClosed
	}

	for _, cmd := range s.input.Feed(data) {
		s.sink.RecordCommand(s.Key, s.Shell, s.Cwd, cmd)
		if input.IsClear(cmd) {
			s.hardClearLocked()
		}
	}

	if _, err := s.pty.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write to PTY: %w", err)
	}
	return nil
}

// hardClearLocked wipes persisted history, the replay buffer and the
// delivered flag, then tells every subscriber to clear.
func (s *Session) hardClearLocked() {
	s.sink.Clear(s.Key)
	s.replay.Reset()
	s.persisted = nil
	s.delivered = false

	ev := protocol.HardClear{SessionID: s.Key, Timestamp: time.Now().UnixMilli()}
	for _, sub := range s.subscribers {
		sub.Send(ev)
	}
	s.metrics.HardClears.Inc()
	s.logger.Info().Msg("hard clear")
}

// resize updates the terminal size.
func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return ErrSessionClosed
	}

	if err := pty.Setsize(s.pty, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	}); err != nil {
		return fmt.Errorf("failed to resize PTY: %w", err)
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// shutdown marks the session finished and returns the subscribers that
// were attached. It reports false if the session had already shut down.
func (s *Session) shutdown(state SessionState) ([]Subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil, false
	}
	s.state = state
	s.stopGraceLocked()
	s.stopOrphanTimerLocked()

	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[string]Subscriber)
	clear(s.greeted)
	return subs, true
}

// kill closes the PTY and kills the shell.
func (s *Session) kill() {
	if s.pty != nil {
		_ = s.pty.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
