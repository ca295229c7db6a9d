package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/services"
	"leadflow/utils"
)

// CallTimeout bounds every call into the scheduler from another component.
const CallTimeout = 30 * time.Second

var ErrRunNotFound = errors.New("sequence run not found")

type ScheduleRequest struct {
	RunID      string
	LeadID     uint
	SequenceID uint
	StepIndex  int
	DelayHours int
}

type ScheduleResult string

const (
	ScheduleAccepted         ScheduleResult = "accepted"
	ScheduleAlreadyScheduled ScheduleResult = "already_scheduled"
)

type ExecuteRequest struct {
	RunID      string
	LeadID     uint
	SequenceID uint
	StepIndex  int
}

type ExecuteOutcome string

const (
	OutcomeSent       ExecuteOutcome = "sent"
	OutcomeSkipped    ExecuteOutcome = "skipped"
	OutcomeCompleted  ExecuteOutcome = "completed"
	OutcomeNotPending ExecuteOutcome = "not_pending"
)

type ExecuteResult struct {
	Outcome   ExecuteOutcome
	MessageID string
	NextRun   *models.SequenceRun
}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// SequenceScheduler is the single writer of sequence runs and their timers.
// Every operation, including timer alarms, runs on one goroutine fed by a
// mailbox, so a run is never executed twice at the same time.
type SequenceScheduler struct {
	seqs     *repository.SequenceRepository
	leads    *repository.LeadRepository
	messages *repository.MessageRepository
	outbox   *services.Outbox
	metrics  *utils.Metrics
	log      *logrus.Entry

	poll        time.Duration
	batch       int
	callTimeout time.Duration
	mailbox     chan command
	now         func() time.Time
}

func NewSequenceScheduler(
	seqs *repository.SequenceRepository,
	leads *repository.LeadRepository,
	messages *repository.MessageRepository,
	outbox *services.Outbox,
	metrics *utils.Metrics,
	log *logrus.Entry,
	poll time.Duration,
) *SequenceScheduler {
	return &SequenceScheduler{
		seqs:        seqs,
		leads:       leads,
		messages:    messages,
		outbox:      outbox,
		metrics:     metrics,
		log:         log,
		poll:        poll,
		batch:       100,
		callTimeout: CallTimeout,
		mailbox:     make(chan command),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the actor loop until ctx is cancelled.
func (s *SequenceScheduler) Start(ctx context.Context) {
	s.log.Info("Sequence scheduler started")
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sequence scheduler shutting down...")
			return
		case cmd := <-s.mailbox:
			cmd.done <- s.safely(cmd.ctx, cmd.fn)
		case <-ticker.C:
			if err := s.safely(ctx, s.fireDue); err != nil {
				utils.LogError(s.log, "timer_poll_failed", err, nil)
			}
		}
	}
}

func (s *SequenceScheduler) safely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()
	return fn(ctx)
}

// call hands fn to the actor and waits for it.
func (s *SequenceScheduler) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	cmd := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.mailbox <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("scheduler busy: %w", ctx.Err())
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("scheduler call: %w", ctx.Err())
	}
}

// Schedule arms the timer of a run. A second call for the same run while
// its timer is outstanding returns ScheduleAlreadyScheduled. Zero-delay
// runs execute right away.
func (s *SequenceScheduler) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	var res ScheduleResult
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.schedule(ctx, req)
		return err
	})
	return res, err
}

// Execute runs one step of a pending run.
func (s *SequenceScheduler) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var res ExecuteResult
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.execute(ctx, req)
		return err
	})
	return res, err
}

// StartRun creates the step 0 run of a sequence for a lead and executes it.
// A lead that already has a pending run in the sequence gets that run back.
func (s *SequenceScheduler) StartRun(ctx context.Context, leadID, sequenceID uint) (services.StartResult, error) {
	var res services.StartResult
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.startRun(ctx, leadID, sequenceID)
		return err
	})
	return res, err
}

// AdvanceOverdue executes pending runs scheduled before cutoff. It picks up
// runs whose enqueue failed or whose timer was lost.
func (s *SequenceScheduler) AdvanceOverdue(ctx context.Context, cutoff time.Time) (int, error) {
	var advanced int
	err := s.call(ctx, func(ctx context.Context) error {
		runs, err := s.seqs.OverdueRuns(ctx, cutoff, s.batch)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if _, err := s.execute(ctx, requestFor(&run)); err != nil {
				utils.LogError(s.log, "advance_overdue_failed", err, map[string]interface{}{"run_id": run.ID})
				continue
			}
			advanced++
		}
		return nil
	})
	return advanced, err
}

func (s *SequenceScheduler) startRun(ctx context.Context, leadID, sequenceID uint) (services.StartResult, error) {
	existing, err := s.seqs.PendingRun(ctx, leadID, sequenceID)
	if err == nil {
		return services.StartResult{Run: existing, Existing: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return services.StartResult{}, err
	}

	now := s.now()
	run := &models.SequenceRun{
		ID:          uuid.NewString(),
		LeadID:      leadID,
		SequenceID:  sequenceID,
		StepIndex:   0,
		Status:      models.RunPending,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	if err := s.seqs.CreateRun(ctx, run); err != nil {
		return services.StartResult{}, fmt.Errorf("create run: %w", err)
	}

	_, execErr := s.schedule(ctx, ScheduleRequest{
		RunID:      run.ID,
		LeadID:     leadID,
		SequenceID: sequenceID,
	})

	if fresh, err := s.seqs.FindRun(ctx, run.ID); err == nil {
		run = fresh
	}
	return services.StartResult{Run: run}, execErr
}

func (s *SequenceScheduler) schedule(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	fireAt := s.now().Add(time.Duration(req.DelayHours) * time.Hour)
	armed, err := s.seqs.ArmTimer(ctx, &models.SequenceTimer{
		RunID:      req.RunID,
		LeadID:     req.LeadID,
		SequenceID: req.SequenceID,
		StepIndex:  req.StepIndex,
		FireAt:     fireAt,
	})
	if err != nil {
		return "", fmt.Errorf("arm timer for run %s: %w", req.RunID, err)
	}
	if !armed {
		s.metrics.Scheduled(string(ScheduleAlreadyScheduled))
		return ScheduleAlreadyScheduled, nil
	}
	s.metrics.Scheduled(string(ScheduleAccepted))

	if req.DelayHours > 0 {
		return ScheduleAccepted, nil
	}
	// The timer stays armed if this fails, so the next poll retries.
	_, err = s.execute(ctx, ExecuteRequest{
		RunID:      req.RunID,
		LeadID:     req.LeadID,
		SequenceID: req.SequenceID,
		StepIndex:  req.StepIndex,
	})
	return ScheduleAccepted, err
}

// fireDue executes every run whose timer is due.
func (s *SequenceScheduler) fireDue(ctx context.Context) error {
	timers, err := s.seqs.DueTimers(ctx, s.now(), s.batch)
	if err != nil {
		return err
	}
	for _, timer := range timers {
		_, err := s.execute(ctx, ExecuteRequest{
			RunID:      timer.RunID,
			LeadID:     timer.LeadID,
			SequenceID: timer.SequenceID,
			StepIndex:  timer.StepIndex,
		})
		if err != nil {
			utils.LogError(s.log, "timer_execution_failed", err, map[string]interface{}{"run_id": timer.RunID})
		}
	}
	return nil
}

func (s *SequenceScheduler) execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	run, err := s.seqs.FindRun(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.disarm(ctx, req.RunID)
			return ExecuteResult{}, fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
		}
		return ExecuteResult{}, err
	}
	if run.LeadID != req.LeadID || run.SequenceID != req.SequenceID || run.StepIndex != req.StepIndex {
		return ExecuteResult{}, fmt.Errorf("run %s does not match lead %d sequence %d step %d", run.ID, req.LeadID, req.SequenceID, req.StepIndex)
	}
	if run.Status != models.RunPending {
		s.disarm(ctx, run.ID)
		s.metrics.Scheduled(string(OutcomeNotPending))
		return ExecuteResult{Outcome: OutcomeNotPending}, nil
	}

	// Missing rows never come back, so the run is closed instead of retried
	// on every tick.
	seq, err := s.seqs.FindSequence(ctx, run.SequenceID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.finish(ctx, &models.Sequence{Model: gorm.Model{ID: run.SequenceID}}, run, models.RunCompleted, "sequence not found", "")
	}
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("load sequence %d: %w", run.SequenceID, err)
	}
	step, ok := seq.Step(run.StepIndex)
	if !ok {
		return s.finish(ctx, seq, run, models.RunCompleted, "", "")
	}

	lead, err := s.leads.FindByID(ctx, run.LeadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.finish(ctx, seq, run, models.RunCompleted, "lead not found", "")
	}
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("load lead %d: %w", run.LeadID, err)
	}

	skip, reason, err := s.shouldSkip(ctx, lead, step)
	if err != nil {
		return ExecuteResult{}, err
	}
	if skip {
		return s.finish(ctx, seq, run, models.RunSkipped, reason, "")
	}

	msg, err := s.prepareMessage(ctx, seq, run, lead, step)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.finish(ctx, seq, run, models.RunSkipped, "template not found", "")
	}
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, msg); err != nil {
		s.metrics.Scheduled("enqueue_failed")
		return ExecuteResult{}, fmt.Errorf("run %s left pending: %w", run.ID, err)
	}
	return s.finish(ctx, seq, run, models.RunSent, "", msg.ID)
}

func (s *SequenceScheduler) disarm(ctx context.Context, runID string) {
	if err := s.seqs.DisarmTimer(ctx, runID); err != nil {
		utils.LogError(s.log, "timer_disarm_failed", err, map[string]interface{}{"run_id": runID})
	}
}

func (s *SequenceScheduler) shouldSkip(ctx context.Context, lead *models.Lead, step models.SequenceStep) (bool, string, error) {
	if len(step.Conditions) > 0 {
		events, err := s.messages.LeadEventTypes(ctx, lead.ID)
		if err != nil {
			return false, "", fmt.Errorf("load events of lead %d: %w", lead.ID, err)
		}
		if skip, reason := services.ShouldSkip(step.Conditions, events); skip {
			return true, reason, nil
		}
	}

	switch step.Channel {
	case models.ChannelSMS:
		if lead.Phone == "" {
			return true, "lead has no phone", nil
		}
	case models.ChannelEmail:
		unsub, err := s.leads.IsUnsubscribed(ctx, lead.Email)
		if err != nil {
			return false, "", err
		}
		if unsub {
			return true, "recipient unsubscribed", nil
		}
	}
	return false, "", nil
}

// prepareMessage returns the message of this run, creating it on the first
// execution. A message that already failed is replaced.
func (s *SequenceScheduler) prepareMessage(ctx context.Context, seq *models.Sequence, run *models.SequenceRun, lead *models.Lead, step models.SequenceStep) (*models.Message, error) {
	existing, err := s.messages.FindByRun(ctx, run.ID)
	switch {
	case err == nil && existing.Status != models.MessageFailed:
		return existing, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	tpl, err := s.seqs.FindTemplate(ctx, step.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %d: %w", step.TemplateID, err)
	}

	custom := map[string]string{
		"sequence": seq.Name,
		"step":     strconv.Itoa(run.StepIndex + 1),
	}
	to, render := lead.Email, utils.RenderHTMLTemplate
	if step.Channel == models.ChannelSMS {
		to, render = lead.Phone, utils.RenderTemplate
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		LeadID:     lead.ID,
		RunID:      &run.ID,
		SequenceID: &seq.ID,
		TemplateID: &tpl.ID,
		Channel:    step.Channel,
		To:         to,
		Subject:    utils.RenderTemplate(tpl.Subject, lead.Vars(), custom),
		Body:       render(tpl.Body, lead.Vars(), custom),
		Status:     models.MessagePending,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message for run %s: %w", run.ID, err)
	}
	return msg, nil
}

// finish records the terminal outcome of run and, in the same transaction,
// creates and arms the next step's run.
func (s *SequenceScheduler) finish(ctx context.Context, seq *models.Sequence, run *models.SequenceRun, status models.RunStatus, reason, messageID string) (ExecuteResult, error) {
	now := s.now()
	res := ExecuteResult{Outcome: ExecuteOutcome(status), MessageID: messageID}

	err := s.seqs.Transaction(ctx, func(seqs *repository.SequenceRepository, _ *repository.MessageRepository) error {
		done, err := seqs.FinishRun(ctx, run.ID, status, reason, now)
		if err != nil {
			return err
		}
		if !done {
			res = ExecuteResult{Outcome: OutcomeNotPending}
			return nil
		}
		if err := seqs.DisarmTimer(ctx, run.ID); err != nil {
			return err
		}
		if status == models.RunCompleted {
			return nil
		}

		nextIndex := run.StepIndex + 1
		next, ok := seq.Step(nextIndex)
		if !ok {
			return nil
		}
		fireAt := now.Add(time.Duration(next.DelayHours) * time.Hour)
		nextRun := &models.SequenceRun{
			ID:          uuid.NewString(),
			LeadID:      run.LeadID,
			SequenceID:  run.SequenceID,
			StepIndex:   nextIndex,
			Status:      models.RunPending,
			ScheduledAt: fireAt,
		}
		if err := seqs.CreateRun(ctx, nextRun); err != nil {
			return fmt.Errorf("create next run: %w", err)
		}
		if _, err := seqs.ArmTimer(ctx, &models.SequenceTimer{
			RunID:      nextRun.ID,
			LeadID:     nextRun.LeadID,
			SequenceID: nextRun.SequenceID,
			StepIndex:  nextIndex,
			FireAt:     fireAt,
		}); err != nil {
			return fmt.Errorf("arm next timer: %w", err)
		}
		res.NextRun = nextRun
		return nil
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("finish run %s: %w", run.ID, err)
	}

	s.metrics.Scheduled(string(res.Outcome))
	utils.LogEvent(s.log, "sequence_step_"+string(res.Outcome), map[string]interface{}{
		"run_id":      run.ID,
		"lead_id":     run.LeadID,
		"sequence_id": run.SequenceID,
		"step_index":  run.StepIndex,
		"reason":      reason,
		"message_id":  messageID,
	})
	return res, nil
}

func requestFor(run *models.SequenceRun) ExecuteRequest {
	return ExecuteRequest{
		RunID:      run.ID,
		LeadID:     run.LeadID,
		SequenceID: run.SequenceID,
		StepIndex:  run.StepIndex,
	}
}
