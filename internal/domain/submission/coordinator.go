// Package submission drives one question's flag-submission lifecycle:
// Idle → Pending → Correct | Incorrect | Error. Correct is terminal.
package submission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/flagboard/internal/domain/dedupe"
	"github.com/okian/flagboard/pkg/logger"
	"github.com/okian/flagboard/pkg/metrics"
)

const defaultRefreshTimeout = 10 * time.Second

// State is a submission lifecycle state.
type State int

const (
	Idle State = iota
	Pending
	Correct
	Incorrect
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Correct:
		return "correct"
	case Incorrect:
		return "incorrect"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Attempt is one submission sent to the backend.
type Attempt struct {
	ID         string
	QuestionID string
	Answer     string
	At         time.Time
}

// Verdict is the backend's answer. Points are never computed locally.
type Verdict struct {
	Correct       bool
	Message       string
	PointsAwarded *int64
	TotalScore    *int64
}

// Backend judges flags.
type Backend interface {
	Submit(ctx context.Context, a Attempt) (Verdict, error)
	IsSolved(ctx context.Context, questionID string) (bool, error)
}

// Refresher re-fetches a leaderboard tier; "" means unscoped.
type Refresher func(ctx context.Context, tier string) error

// View is what a submission form renders.
type View struct {
	QuestionID    string `json:"question_id"`
	State         State  `json:"state"`
	Input         string `json:"input"`
	InputEnabled  bool   `json:"input_enabled"`
	SubmitEnabled bool   `json:"submit_enabled"`
	Message       string `json:"message,omitempty"`
	PointsAwarded *int64 `json:"points_awarded,omitempty"`
	TotalScore    *int64 `json:"total_score,omitempty"`
	AttemptID     string `json:"attempt_id,omitempty"`
}

// Solved reports whether the question is locked as solved.
func (v View) Solved() bool { return v.State == Correct }

// Coordinator serializes submissions for one question.
type Coordinator struct {
	questionID     string
	tier           string
	backend        Backend
	refresh        Refresher
	refreshTimeout time.Duration
	registry       dedupe.Deduper
	log            logger.Logger
	now            func() time.Time

	mu      sync.Mutex
	state   State
	input   string
	message string
	points  *int64
	total   *int64
	attempt string

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator. A question already in the solved
// registry starts locked.
func NewCoordinator(questionID string, b Backend, opts ...Option) (*Coordinator, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return nil, fmt.Errorf("%w: empty question id", ErrInvalidQuestion)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidQuestion)
	}
	c := &Coordinator{
		questionID:     questionID,
		backend:        b,
		refreshTimeout: defaultRefreshTimeout,
		registry:       dedupe.Solved(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("submission")
	}
	if c.registry.Seen(context.Background(), questionID) {
		c.lockSolved("Already solved")
	}
	return c, nil
}

// Load checks the backend for an earlier solve. A failed check leaves the
// state untouched.
func (c *Coordinator) Load(ctx context.Context) (View, error) {
	c.mu.Lock()
	if c.state == Correct {
		v := c.viewLocked()
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	solved, err := c.backend.IsSolved(ctx, c.questionID)
	if err != nil {
		c.log.Warn(ctx, "solved check failed", logger.String("question", c.questionID), logger.Error(err))
		return c.View(), fmt.Errorf("solved check: %w", err)
	}
	if solved {
		c.registry.SeenAndRecord(ctx, c.questionID)
		c.mu.Lock()
		if c.state != Pending {
			c.lockSolvedLocked("Already solved")
		}
		c.mu.Unlock()
	}
	return c.View(), nil
}

// SetInput updates the answer field unless input is disabled.
func (c *Coordinator) SetInput(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inputEnabled(c.state) {
		c.input = s
	}
}

// Submit sends answer for judgement. Guard failures return an error and
// leave the state as it was; backend failures move to Error and are
// returned wrapped in ErrSubmitFailed together with the new view.
func (c *Coordinator) Submit(ctx context.Context, answer string) (View, error) {
	c.mu.Lock()
	switch c.state {
	case Correct:
		v := c.viewLocked()
		c.mu.Unlock()
		metrics.RecordSubmission("already_solved")
		return v, ErrAlreadySolved
	case Pending:
		v := c.viewLocked()
		c.mu.Unlock()
		return v, ErrSubmissionPending
	}

	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		c.message = "Please enter a flag"
		v := c.viewLocked()
		c.mu.Unlock()
		metrics.RecordSubmission("empty")
		return v, ErrEmptyAnswer
	}

	a := Attempt{ID: uuid.NewString(), QuestionID: c.questionID, Answer: trimmed, At: c.now()}
	c.state = Pending
	c.input = answer
	c.message = ""
	c.attempt = a.ID
	c.mu.Unlock()

	verdict, err := c.backend.Submit(ctx, a)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.state = Error
		c.message = "Submission failed, try again"
		metrics.RecordSubmission("error")
		c.log.Warn(ctx, "submission failed",
			logger.String("question", c.questionID),
			logger.String("attempt", a.ID),
			logger.Error(err))
		return c.viewLocked(), fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	case verdict.Correct:
		c.points, c.total = verdict.PointsAwarded, verdict.TotalScore
		c.lockSolvedLocked(firstNonEmpty(verdict.Message, "Correct!"))
		c.registry.SeenAndRecord(ctx, c.questionID)
		metrics.RecordSubmission("correct")
		c.log.Info(ctx, "question solved",
			logger.String("question", c.questionID),
			logger.String("attempt", a.ID))
		c.scheduleRefresh(ctx)
	default:
		c.state = Incorrect
		c.message = firstNonEmpty(verdict.Message, "Incorrect flag")
		metrics.RecordSubmission("incorrect")
	}
	return c.viewLocked(), nil
}

// View returns the current form state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Wait blocks until background refreshes have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// scheduleRefresh runs the refresher once in the background. Its outcome
// never changes the submission state. Caller holds c.mu.
func (c *Coordinator) scheduleRefresh(ctx context.Context) {
	if c.refresh == nil {
		return
	}
	tier := c.tier
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		if err := c.refresh(rctx, tier); err != nil {
			c.log.Warn(rctx, "post-solve refresh failed", logger.String("tier", tier), logger.Error(err))
		}
	}()
}

func (c *Coordinator) lockSolved(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockSolvedLocked(msg)
}

func (c *Coordinator) lockSolvedLocked(msg string) {
	c.state = Correct
	c.input = ""
	c.message = msg
}

func (c *Coordinator) viewLocked() View {
	return View{
		QuestionID:    c.questionID,
		State:         c.state,
		Input:         c.input,
		InputEnabled:  inputEnabled(c.state),
		SubmitEnabled: inputEnabled(c.state),
		Message:       c.message,
		PointsAwarded: c.points,
		TotalScore:    c.total,
		AttemptID:     c.attempt,
	}
}

func inputEnabled(s State) bool { return s != Pending && s != Correct }

func firstNonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}
