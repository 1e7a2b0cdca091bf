// Package submission drives one artifact submission from selection through transfer,
// optional preview and commit. A Machine belongs to exactly one UI surface.
package submission

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/progress"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
)

// State of a submission.
type State string

const (
	StateIdle         State = "idle"
	StateSelecting    State = "selecting"
	StateValidated    State = "validated"
	StateTransferring State = "transferring"
	StatePreviewing   State = "previewing"
	StateCommitting   State = "committing"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Starter begins a transfer. *progress.Reporter implements it.
type Starter interface {
	Start(ctx context.Context, artifact *models.Artifact, dest models.Destination) *progress.Handle
}

// Committer performs the final persistence step and yields the entity handed back to the caller.
type Committer[T any] interface {
	Commit(ctx context.Context, dest models.Destination, transfer *models.TransferResult) (T, error)
}

// CommitFunc adapts a function to Committer.
type CommitFunc[T any] func(ctx context.Context, dest models.Destination, transfer *models.TransferResult) (T, error)

func (f CommitFunc[T]) Commit(ctx context.Context, dest models.Destination, transfer *models.TransferResult) (T, error) {
	return f(ctx, dest, transfer)
}

// Snapshot is the render-ready view of a machine.
type Snapshot[T any] struct {
	ID          string
	State       State
	Kind        models.SubmissionKind
	Destination models.Destination
	Artifact    *models.Artifact
	Progress    int
	Preview     *models.ImportPreview
	Result      T
	HasResult   bool
	Err         *Error
}

// IsUploading is true while the backend owns the submission.
func (s Snapshot[T]) IsUploading() bool {
	return s.State == StateTransferring || s.State == StateCommitting
}

// Machine is the import/upload state machine. Methods are safe for concurrent use. The observer
// registered with OnChange sees every transition in order and must not call back into the machine.
type Machine[T any] struct {
	kind      models.SubmissionKind
	policy    validator.Policy
	starter   Starter
	committer Committer[T]
	logger    logger.Logger

	mu         sync.Mutex
	notifyMu   sync.Mutex
	observer   func(Snapshot[T])
	changed    chan struct{}
	state      State
	failedFrom State
	id         string
	artifact   *models.Artifact
	dest       models.Destination
	progress   int
	preview    *models.ImportPreview
	transfer   *models.TransferResult
	result     T
	hasResult  bool
	err        *Error
	episode    uint64
	handle     *progress.Handle
}

func NewMachine[T any](kind models.SubmissionKind, policy validator.Policy, starter Starter, committer Committer[T], log logger.Logger) *Machine[T] {
	return &Machine[T]{
		kind:      kind,
		policy:    policy,
		starter:   starter,
		committer: committer,
		logger:    log.Named("submission").With(logger.String("kind", string(kind))),
		changed:   make(chan struct{}),
		state:     StateIdle,
	}
}

// OnChange registers the single observer.
func (m *Machine[T]) OnChange(fn func(Snapshot[T])) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Snapshot returns the current view.
func (m *Machine[T]) Snapshot() Snapshot[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// State returns the current state.
func (m *Machine[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Await blocks until the machine reaches one of states or ctx ends.
func (m *Machine[T]) Await(ctx context.Context, states ...State) (Snapshot[T], error) {
	for {
		m.mu.Lock()
		for _, s := range states {
			if m.state == s {
				snap := m.snapshotLocked()
				m.mu.Unlock()
				return snap, nil
			}
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

// Select picks an artifact and validates it. A machine that is not idle is reset first,
// cancelling any in-flight transfer.
func (m *Machine[T]) Select(artifact *models.Artifact) error {
	if artifact == nil {
		return ErrNoArtifact
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.logger.Info("Reselecting, discarding current submission", logger.String("state", string(m.state)))
		m.resetLocked()
		m.transitionLocked()
	}
	m.id = uuid.NewString()
	m.artifact = artifact
	m.state = StateSelecting
	m.transitionLocked()

	out := validator.ValidateArtifact(artifact, m.policy)
	if !out.Accepted() {
		m.failLocked(StateSelecting, &Error{
			Category: CategoryValidation,
			Reason:   out.Reason(),
			Message:  out.Err.Message,
			Err:      out.Err,
		})
		m.logger.Info("Artifact rejected",
			logger.String("artifact", artifact.Name),
			logger.String("reason", string(out.Reason())),
		)
	} else {
		m.state = StateValidated
	}
	m.unlockAndNotify()
	return nil
}

// Acknowledge dismisses a validation rejection and returns to selecting.
func (m *Machine[T]) Acknowledge() error {
	m.mu.Lock()
	if m.state != StateFailed || m.failedFrom != StateSelecting {
		defer m.mu.Unlock()
		return transitionError(m.state, "acknowledge")
	}
	m.artifact = nil
	m.err = nil
	m.state = StateSelecting
	m.unlockAndNotify()
	return nil
}

// Submit starts the transfer of a validated artifact.
func (m *Machine[T]) Submit(ctx context.Context, dest models.Destination) error {
	m.mu.Lock()
	if m.state != StateValidated {
		defer m.mu.Unlock()
		return transitionError(m.state, "submit")
	}
	dest.Kind = m.kind
	m.dest = dest
	m.episode++
	m.progress = 0
	m.state = StateTransferring

	ep := m.episode
	h := m.starter.Start(ctx, m.artifact, dest)
	m.handle = h
	m.logger.Info("Submission started",
		logger.String("submissionId", m.id),
		logger.String("artifact", m.artifact.Name),
		logger.String("buildingId", dest.BuildingID),
	)
	m.unlockAndNotify()

	go m.watch(ctx, ep, h)
	return nil
}

// Cancel aborts a transfer. Cancelling any other state is a no-op.
func (m *Machine[T]) Cancel() {
	m.mu.Lock()
	if m.state != StateTransferring {
		m.mu.Unlock()
		return
	}
	m.handle.Cancel()
	m.state = StateCancelled
	m.logger.Info("Submission cancelled", logger.String("submissionId", m.id))
	m.transitionLocked()

	m.resetLocked()
	m.unlockAndNotify()
}

// ConfirmPreview commits a previewed import.
func (m *Machine[T]) ConfirmPreview(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StatePreviewing {
		defer m.mu.Unlock()
		return transitionError(m.state, "confirm preview")
	}
	m.state = StateCommitting
	ep, dest, transfer := m.episode, m.dest, m.transfer
	m.unlockAndNotify()

	go m.commit(ctx, ep, dest, transfer)
	return nil
}

// DiscardPreview drops a preview without touching any store. Whatever the transfer created
// server-side is left for the backend to collect.
func (m *Machine[T]) DiscardPreview() error {
	m.mu.Lock()
	if m.state != StatePreviewing {
		defer m.mu.Unlock()
		return transitionError(m.state, "discard preview")
	}
	m.logger.Info("Preview discarded", logger.String("submissionId", m.id))
	m.resetLocked()
	m.unlockAndNotify()
	return nil
}

// Dismiss acknowledges success and hands the final entity to the caller.
func (m *Machine[T]) Dismiss() (T, error) {
	m.mu.Lock()
	if m.state != StateSucceeded {
		defer m.mu.Unlock()
		var zero T
		return zero, transitionError(m.state, "dismiss")
	}
	result := m.result
	m.resetLocked()
	m.unlockAndNotify()
	return result, nil
}

// Retry clears a failure and returns to idle.
func (m *Machine[T]) Retry() error {
	m.mu.Lock()
	if m.state != StateFailed {
		defer m.mu.Unlock()
		return transitionError(m.state, "retry")
	}
	m.resetLocked()
	m.unlockAndNotify()
	return nil
}

// Reset abandons whatever is in progress, as when the user navigates away.
func (m *Machine[T]) Reset() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.resetLocked()
	m.unlockAndNotify()
}

func (m *Machine[T]) watch(ctx context.Context, ep uint64, h *progress.Handle) {
	for p := range h.Progress() {
		m.mu.Lock()
		if ep != m.episode || m.state != StateTransferring {
			m.mu.Unlock()
			continue
		}
		if p > m.progress {
			m.progress = p
			m.unlockAndNotify()
		} else {
			m.mu.Unlock()
		}
	}
	<-h.Done()
	out := h.Outcome()

	m.mu.Lock()
	if ep != m.episode || m.state != StateTransferring {
		// cancelled or reset meanwhile; any server-side effect is orphaned
		m.mu.Unlock()
		return
	}

	switch out.Status {
	case progress.StatusCompleted:
		m.progress = 100
		m.transfer = out.Result
		if m.kind.HasPreview() {
			if out.Result == nil || out.Result.Preview == nil {
				m.failLocked(StateTransferring, &Error{Category: CategoryTransfer, Message: "server returned no import preview"})
				break
			}
			m.preview = out.Result.Preview
			m.state = StatePreviewing
			m.logger.Info("Preview ready",
				logger.String("submissionId", m.id),
				logger.Int("floors", len(m.preview.Floors)),
			)
			break
		}
		m.state = StateCommitting
		dest, transfer := m.dest, m.transfer
		m.unlockAndNotify()
		m.commit(ctx, ep, dest, transfer)
		return
	case progress.StatusFailed:
		m.failLocked(StateTransferring, &Error{Category: CategoryTransfer, Message: out.Message(), Err: out.Err})
		m.logger.Warn("Transfer failed", logger.String("submissionId", m.id), logger.Error(out.Err))
	default:
		m.resetLocked()
	}
	m.unlockAndNotify()
}

func (m *Machine[T]) commit(ctx context.Context, ep uint64, dest models.Destination, transfer *models.TransferResult) {
	result, err := m.committer.Commit(ctx, dest, transfer)

	m.mu.Lock()
	if ep != m.episode || m.state != StateCommitting {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.failLocked(StateCommitting, &Error{Category: CategoryCommit, Message: err.Error(), Err: err})
		m.logger.Warn("Commit failed", logger.String("submissionId", m.id), logger.Error(err))
	} else {
		m.result = result
		m.hasResult = true
		m.state = StateSucceeded
		m.logger.Info("Submission succeeded", logger.String("submissionId", m.id))
	}
	m.unlockAndNotify()
}

func (m *Machine[T]) failLocked(from State, err *Error) {
	m.state = StateFailed
	m.failedFrom = from
	m.err = err
}

// resetLocked returns to idle, cancelling a live transfer and invalidating its episode.
func (m *Machine[T]) resetLocked() {
	if m.handle != nil && m.state == StateTransferring {
		m.handle.Cancel()
	}
	var zero T
	m.episode++
	m.state = StateIdle
	m.failedFrom = ""
	m.id = ""
	m.artifact = nil
	m.dest = models.Destination{}
	m.progress = 0
	m.preview = nil
	m.transfer = nil
	m.result = zero
	m.hasResult = false
	m.err = nil
	m.handle = nil
}

func (m *Machine[T]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{
		ID:          m.id,
		State:       m.state,
		Kind:        m.kind,
		Destination: m.dest,
		Artifact:    m.artifact,
		Progress:    m.progress,
		Preview:     m.preview,
		Result:      m.result,
		HasResult:   m.hasResult,
		Err:         m.err,
	}
}

// transitionLocked publishes an intermediate state while keeping the lock.
func (m *Machine[T]) transitionLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
	if m.observer != nil {
		snap, fn := m.snapshotLocked(), m.observer
		m.notifyMu.Lock()
		fn(snap)
		m.notifyMu.Unlock()
	}
}

// unlockAndNotify releases mu and delivers the new snapshot in order.
func (m *Machine[T]) unlockAndNotify() {
	close(m.changed)
	m.changed = make(chan struct{})
	snap, fn := m.snapshotLocked(), m.observer
	m.notifyMu.Lock()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
	m.notifyMu.Unlock()
}
