package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/services"
	"leadflow/testutil"
)

func TestScheduler_WelcomeScenario(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()

	seqSvc := services.NewSequenceService(f.seqs, f.leads, f.sched, testutil.NewLogger())
	intake := services.NewIntakeService(f.leads, seqSvc, models.WelcomeSequenceName, nil, testutil.NewLogger())

	lead, err := intake.CreateLead(ctx, services.LeadInput{Email: "a@b.com"}, "127.0.0.1")
	require.NoError(t, err)
	intake.Wait()

	runs := f.runs(t, lead.ID, f.welcome.ID)
	require.Len(t, runs, 2)

	first := runs[0]
	assert.Equal(t, 0, first.StepIndex)
	assert.Equal(t, models.RunSent, first.Status)
	assert.WithinDuration(t, first.CreatedAt, first.ScheduledAt, time.Millisecond)

	msg, err := f.messages.FindByRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelEmail, msg.Channel)
	assert.Equal(t, "a@b.com", msg.To)
	assert.Equal(t, "Thanks for reaching out, there", msg.Subject)
	assert.NotNil(t, msg.EnqueuedAt)

	ready, err := f.email.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	second := runs[1]
	assert.Equal(t, 1, second.StepIndex)
	assert.Equal(t, models.RunPending, second.Status)
	assert.WithinDuration(t, f.clock.Add(48*time.Hour), second.ScheduledAt, time.Millisecond)

	timer, err := f.seqs.FindTimer(ctx, second.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, second.ScheduledAt, timer.FireAt, time.Millisecond)

	_, err = f.seqs.FindTimer(ctx, first.ID)
	assert.Error(t, err, "timer of an executed run is disarmed")
}

func TestScheduler_StartRunIsIdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	first, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	assert.False(t, first.Existing)
	assert.Equal(t, models.RunSent, first.Run.Status)

	// step 1 is now pending; starting again hands it back
	again, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, 1, again.Run.StepIndex)
	assert.Equal(t, int64(1), f.pendingRuns(t))
}

func TestScheduler_SkipDoesNotHaltSequence(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "+14155552671")

	_, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	runs := f.runs(t, lead.ID, f.welcome.ID)
	require.Len(t, runs, 2)

	msg, err := f.messages.FindByRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.NoError(t, f.messages.AppendEvent(ctx, &models.MessageEvent{MessageID: msg.ID, LeadID: lead.ID, Type: models.EventOpen}))

	f.clock = f.clock.Add(48 * time.Hour)
	res, err := f.sched.Execute(ctx, requestFor(&runs[1]))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, res.MessageID)
	require.NotNil(t, res.NextRun)
	assert.Equal(t, 2, res.NextRun.StepIndex)
	assert.WithinDuration(t, f.clock.Add(72*time.Hour), res.NextRun.ScheduledAt, time.Millisecond)

	skipped, err := f.seqs.FindRun(ctx, runs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, skipped.Status)
	assert.Equal(t, "lead already opened a message", skipped.SkipReason)

	_, err = f.messages.FindByRun(ctx, runs[1].ID)
	assert.Error(t, err, "skipped steps create no message")

	// the sms step fires from its timer
	f.clock = f.clock.Add(73 * time.Hour)
	require.NoError(t, f.sched.fireDue(ctx))

	last, err := f.seqs.FindRun(ctx, res.NextRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSent, last.Status)
	smsMsg, err := f.messages.FindByRun(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChannelSMS, smsMsg.Channel)
	assert.Equal(t, "+14155552671", smsMsg.To)
	assert.Zero(t, f.pendingRuns(t))
}

func TestScheduler_SMSStepWithoutPhoneIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	seq, err := f.seqs.ReplaceSequence(ctx, "sms-only", []models.SequenceStep{
		{TemplateID: f.welcome.Steps[2].TemplateID, Channel: models.ChannelSMS},
	})
	require.NoError(t, err)

	res, err := f.sched.StartRun(ctx, lead.ID, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, res.Run.Status)
	assert.Equal(t, "lead has no phone", res.Run.SkipReason)
}

func TestScheduler_MissingStepCompletes(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	seq, err := f.seqs.ReplaceSequence(ctx, "empty", []models.SequenceStep{})
	require.NoError(t, err)

	res, err := f.sched.StartRun(ctx, lead.ID, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Run.Status)
	assert.Len(t, f.runs(t, lead.ID, seq.ID), 1)
}

func TestScheduler_DuplicateScheduleArmsOneTimer(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	run := &models.SequenceRun{
		ID:          uuid.NewString(),
		LeadID:      lead.ID,
		SequenceID:  f.welcome.ID,
		StepIndex:   1,
		Status:      models.RunPending,
		ScheduledAt: f.clock,
	}
	require.NoError(t, f.seqs.CreateRun(ctx, run))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sched.Schedule(ctx, ScheduleRequest{
				RunID:      run.ID,
				LeadID:     lead.ID,
				SequenceID: f.welcome.ID,
				StepIndex:  1,
				DelayHours: 48,
			})
			assert.NoError(t, err)
			if res == ScheduleAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	var timers int64
	require.NoError(t, f.db.Model(&models.SequenceTimer{}).Where("run_id = ?", run.ID).Count(&timers).Error)
	assert.Equal(t, int64(1), timers)
}

func TestScheduler_RacingExecutionsSendOnce(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	run := &models.SequenceRun{
		ID:          uuid.NewString(),
		LeadID:      lead.ID,
		SequenceID:  f.welcome.ID,
		Status:      models.RunPending,
		ScheduledAt: f.clock,
	}
	require.NoError(t, f.seqs.CreateRun(ctx, run))

	results := make([]ExecuteResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.sched.Execute(ctx, requestFor(run))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := []ExecuteOutcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []ExecuteOutcome{OutcomeSent, OutcomeNotPending}, outcomes)

	var msgs int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("run_id = ?", run.ID).Count(&msgs).Error)
	assert.Equal(t, int64(1), msgs)
	assert.Equal(t, int64(1), f.pendingRuns(t))
}

func TestScheduler_EnqueueFailureLeavesRunPending(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	f.emailIn.setFail(true)
	_, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.Error(t, err)

	runs := f.runs(t, lead.ID, f.welcome.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPending, runs[0].Status)

	msg, err := f.messages.FindByRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Nil(t, msg.EnqueuedAt)

	f.emailIn.setFail(false)
	f.clock = f.clock.Add(5 * time.Minute)
	n, err := f.sched.AdvanceOverdue(ctx, f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs = f.runs(t, lead.ID, f.welcome.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunSent, runs[0].Status)

	var msgs int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("run_id = ?", runs[0].ID).Count(&msgs).Error)
	assert.Equal(t, int64(1), msgs, "re-execution reuses the message")

	ready, err := f.email.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
}

func TestScheduler_CallTimesOutWithoutActor(t *testing.T) {
	f := newFixture(t)
	f.sched.callTimeout = 20 * time.Millisecond

	_, err := f.sched.Schedule(context.Background(), ScheduleRequest{RunID: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_MissingTemplateSkipsStep(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	seq, err := f.seqs.ReplaceSequence(ctx, "broken", []models.SequenceStep{
		{TemplateID: 9999, Channel: models.ChannelEmail},
		{DelayHours: 1, TemplateID: f.welcome.Steps[0].TemplateID, Channel: models.ChannelEmail},
	})
	require.NoError(t, err)

	res, err := f.sched.StartRun(ctx, lead.ID, seq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSkipped, res.Run.Status)
	assert.Equal(t, "template not found", res.Run.SkipReason)

	runs := f.runs(t, lead.ID, seq.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunPending, runs[1].Status)
	_, err = f.seqs.FindTimer(ctx, runs[0].ID)
	assert.Error(t, err)
}

func TestScheduler_DeletedLeadClosesRun(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	_, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	runs := f.runs(t, lead.ID, f.welcome.ID)
	require.Len(t, runs, 2)

	require.NoError(t, f.db.Delete(&models.Lead{}, lead.ID).Error)
	f.clock = f.clock.Add(49 * time.Hour)
	require.NoError(t, f.sched.fireDue(ctx))

	closed, err := f.seqs.FindRun(ctx, runs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, closed.Status)
	assert.Equal(t, "lead not found", closed.SkipReason)
	_, err = f.seqs.FindTimer(ctx, runs[1].ID)
	assert.Error(t, err, "timer is disarmed")
	assert.Zero(t, f.pendingRuns(t))
}

func TestScheduler_DisarmFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	logger, hook := logtest.NewNullLogger()
	f.sched.log = logrus.NewEntry(logger)
	f.run(t)
	ctx := context.Background()
	lead := f.lead(t, "a@b.com", "")

	_, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	runs := f.runs(t, lead.ID, f.welcome.ID)
	sent := runs[0]
	_, err = f.seqs.ArmTimer(ctx, &models.SequenceTimer{
		RunID:      sent.ID,
		LeadID:     sent.LeadID,
		SequenceID: sent.SequenceID,
		StepIndex:  sent.StepIndex,
		FireAt:     f.clock,
	})
	require.NoError(t, err)

	require.NoError(t, f.db.Callback().Delete().Before("gorm:delete").Register("test:fail_timer_delete", func(tx *gorm.DB) {
		if tx.Statement.Table == "sequence_timers" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	res, err := f.sched.Execute(ctx, requestFor(&sent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotPending, res.Outcome)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Data["error_type"] == "timer_disarm_failed" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestScheduler_EmailBodyEscapesLeadFields(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	ctx := context.Background()
	lead := &models.Lead{Email: "a@b.com", Name: "<script>x</script>", Status: models.LeadStatusNew}
	require.NoError(t, f.leads.Create(ctx, lead))

	res, err := f.sched.StartRun(ctx, lead.ID, f.welcome.ID)
	require.NoError(t, err)
	msg, err := f.messages.FindByRun(ctx, res.Run.ID)
	require.NoError(t, err)

	assert.Contains(t, msg.Body, "Hi &lt;script&gt;x&lt;/script&gt;,")
	assert.NotContains(t, msg.Body, "<script>")
	assert.Equal(t, "Thanks for reaching out, <script>x</script>", msg.Subject)
}
