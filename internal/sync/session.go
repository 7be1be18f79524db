package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is one state of the orchestrator's state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseScanning     Phase = "scanning"
	PhaseDiffing      Phase = "diffing"
	PhaseReconciling  Phase = "reconciling"
	PhaseTransferring Phase = "transferring"
	PhaseVerifying    Phase = "verifying"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// Observer receives session callbacks. All callbacks are invoked
// synchronously from the orchestrator's goroutine; implementations must
// not block for long.
type Observer interface {
	OnProgress(s Status)
	OnComplete(s Status)
	OnError(err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnProgress(Status) {}
func (NopObserver) OnComplete(Status) {}
func (NopObserver) OnError(error)     {}

// Status is a point-in-time snapshot of a running or finished session.
type Status struct {
	SessionID  string
	Phase      Phase
	Fraction   float64
	BytesDone  int64
	BytesTotal int64
	FilesDone  int
	FilesTotal int
	LastError  error
	FailedOps  []OpResult
	Conflicts  []ConflictDiagnostic
	StartedAt  time.Time
}

// Session is the mutable state of one sync run. It is written only by
// the orchestrator's goroutine; Status may be read from any goroutine.
type Session struct {
	id        string
	startedAt time.Time

	mu         sync.RWMutex
	phase      Phase
	bytesDone  int64
	bytesTotal int64
	filesDone  int
	filesTotal int
	lastErr    error
	failed     []OpResult
	conflicts  []ConflictDiagnostic
}

func newSession() *Session {
	return &Session{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		phase:     PhaseIdle,
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) addTotals(bytes int64, files int) {
	s.mu.Lock()
	s.bytesTotal += bytes
	s.filesTotal += files
	s.mu.Unlock()
}

func (s *Session) recordResult(res OpResult) {
	s.mu.Lock()
	s.filesDone++
	s.bytesDone += res.Bytes
	if res.Err != nil {
		s.failed = append(s.failed, res)
		s.lastErr = res.Err
	}
	s.mu.Unlock()
}

func (s *Session) recordConflicts(diags []ConflictDiagnostic) {
	s.mu.Lock()
	s.conflicts = append(s.conflicts, diags...)
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.phase = PhaseFailed
	s.lastErr = err
	s.mu.Unlock()
}

// Status returns a consistent snapshot without blocking on in-flight
// work.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		SessionID:  s.id,
		Phase:      s.phase,
		BytesDone:  s.bytesDone,
		BytesTotal: s.bytesTotal,
		FilesDone:  s.filesDone,
		FilesTotal: s.filesTotal,
		LastError:  s.lastErr,
		FailedOps:  append([]OpResult(nil), s.failed...),
		Conflicts:  append([]ConflictDiagnostic(nil), s.conflicts...),
		StartedAt:  s.startedAt,
	}

	switch {
	case s.phase == PhaseCompleted:
		st.Fraction = 1
	case s.bytesTotal > 0:
		st.Fraction = float64(s.bytesDone) / float64(s.bytesTotal)
	case s.filesTotal > 0:
		st.Fraction = float64(s.filesDone) / float64(s.filesTotal)
	}
	if st.Fraction > 1 {
		st.Fraction = 1
	}
	return st
}
