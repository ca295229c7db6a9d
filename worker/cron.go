package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"leadflow/config"
	"leadflow/models"
	"leadflow/repository"
	"leadflow/services"
	"leadflow/utils"
)

const (
	// StaleAfter is how long a pending message may sit enqueued before the
	// sweep pushes it again.
	StaleAfter = 15 * time.Minute
	MaxSweeps  = 3

	// OverdueGrace leaves on-time runs to their timers.
	OverdueGrace = time.Minute

	LinkProbeTimeout     = 5 * time.Second
	linkProbeConcurrency = 5
	sweepBatch           = 200
)

// CronManager runs the periodic maintenance jobs.
type CronManager struct {
	cron      *cron.Cron
	messages  *repository.MessageRepository
	seqs      *repository.SequenceRepository
	stats     *repository.StatsRepository
	outbox    *services.Outbox
	scheduler *SequenceScheduler
	scoring   *services.ScoringService
	client    *http.Client
	metrics   *utils.Metrics
	log       *logrus.Entry
	now       func() time.Time
}

func NewCronManager(
	messages *repository.MessageRepository,
	seqs *repository.SequenceRepository,
	stats *repository.StatsRepository,
	outbox *services.Outbox,
	scheduler *SequenceScheduler,
	scoring *services.ScoringService,
	metrics *utils.Metrics,
	log *logrus.Entry,
) *CronManager {
	cronLog := cron.PrintfLogger(log)
	return &CronManager{
		cron: cron.New(cron.WithLocation(time.UTC), cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		messages:  messages,
		seqs:      seqs,
		stats:     stats,
		outbox:    outbox,
		scheduler: scheduler,
		scoring:   scoring,
		client:    &http.Client{Timeout: LinkProbeTimeout},
		metrics:   metrics,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetupJobs registers every job with its configured schedule.
func (cm *CronManager) SetupJobs(cfg config.CronConfig) error {
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		fn      func(context.Context) error
	}{
		{"stale_sweep", cfg.StaleSweep, 5 * time.Minute, cm.sweepJob},
		{"advance_overdue", cfg.AdvanceSteps, 5 * time.Minute, cm.advanceJob},
		{"daily_stats", cfg.DailyStats, 10 * time.Minute, cm.statsJob},
		{"link_health", cfg.LinkHealth, 10 * time.Minute, cm.linkJob},
		{"score_decay", cfg.Decay, 10 * time.Minute, cm.decayJob},
		{"sms_nudge", cfg.Nudge, 10 * time.Minute, cm.nudgeJob},
	}

	for _, job := range jobs {
		if job.spec == "" {
			cm.log.WithField("job", job.name).Info("Cron job disabled")
			continue
		}
		job := job
		if _, err := cm.cron.AddFunc(job.spec, func() {
			cm.run(job.name, job.timeout, job.fn)
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
		cm.log.WithFields(logrus.Fields{"job": job.name, "spec": job.spec}).Info("Cron job scheduled")
	}
	return nil
}

// Start runs the scheduler until ctx is cancelled and waits for running
// jobs to finish.
func (cm *CronManager) Start(ctx context.Context) {
	cm.log.Info("Starting cron scheduler...")
	cm.cron.Start()
	<-ctx.Done()
	cm.log.Info("Stopping cron scheduler...")
	<-cm.cron.Stop().Done()
}

// run executes one job with a timeout. A panic is logged and counted, never
// propagated to the cron runner.
func (cm *CronManager) run(name string, timeout time.Duration, fn func(context.Context) error) {
	log := cm.log.WithField("job", name)
	defer func() {
		if r := recover(); r != nil {
			cm.metrics.Cron(name, "panic")
			log.Errorf("Cron job panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	if err := fn(ctx); err != nil {
		cm.metrics.Cron(name, "error")
		utils.LogError(log, "cron_job_failed", err, nil)
		return
	}
	cm.metrics.Cron(name, "ok")
	log.WithField("took", time.Since(started).String()).Debug("Cron job finished")
}

// SweepStale pushes pending messages that were enqueued (or created) more
// than StaleAfter ago back onto their queue, unless their delivery is still
// waiting there. After MaxSweeps pushes the message is marked failed instead.
func (cm *CronManager) SweepStale(ctx context.Context) (requeued, failed int, err error) {
	msgs, err := cm.messages.StalePending(ctx, cm.now().Add(-StaleAfter), sweepBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("list stale messages: %w", err)
	}

	for i := range msgs {
		msg := &msgs[i]
		if msg.SweepCount >= MaxSweeps {
			ok, err := cm.messages.MarkFailed(ctx, msg.ID, "dispatch sweep exhausted", msg.Attempts)
			if err != nil {
				cm.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to fail stale message")
				continue
			}
			if ok {
				cm.metrics.Dispatched(string(msg.Channel), "failed", "")
				failed++
			}
			continue
		}
		pushed, err := cm.outbox.Requeue(ctx, msg)
		if err != nil {
			cm.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to requeue stale message")
			continue
		}
		if pushed {
			requeued++
		}
	}
	return requeued, failed, nil
}

func (cm *CronManager) sweepJob(ctx context.Context) error {
	requeued, failed, err := cm.SweepStale(ctx)
	if err != nil {
		return err
	}
	if requeued+failed > 0 {
		cm.log.WithFields(logrus.Fields{"requeued": requeued, "failed": failed}).Info("Swept stale messages")
	}
	return nil
}

func (cm *CronManager) advanceJob(ctx context.Context) error {
	n, err := cm.scheduler.AdvanceOverdue(ctx, cm.now().Add(-OverdueGrace))
	if err != nil {
		return err
	}
	if n > 0 {
		cm.log.WithField("runs", n).Info("Advanced overdue runs")
	}
	return nil
}

// RollupYesterday recomputes the statistics of the previous UTC day.
func (cm *CronManager) RollupYesterday(ctx context.Context) ([]models.DailyStat, error) {
	return cm.stats.RollupDay(ctx, cm.now().AddDate(0, 0, -1))
}

func (cm *CronManager) statsJob(ctx context.Context) error {
	stats, err := cm.RollupYesterday(ctx)
	if err != nil {
		return err
	}
	cm.log.WithField("rows", len(stats)).Info("Daily statistics rolled up")
	return nil
}

// ProbeLinks checks every URL found in the templates of active sequences
// and stores the result. It returns the checks it made.
func (cm *CronManager) ProbeLinks(ctx context.Context) ([]models.LinkCheck, error) {
	tpls, err := cm.seqs.ActiveTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}

	seen := make(map[string]bool)
	var urls []string
	for _, tpl := range tpls {
		for _, u := range utils.ExtractURLs(tpl.Body) {
			// Links holding template variables are only known after rendering.
			if seen[u] || strings.Contains(u, "{{") {
				continue
			}
			seen[u] = true
			urls = append(urls, u)
		}
	}

	checks := make([]models.LinkCheck, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(linkProbeConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			checks[i] = cm.probe(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	for i := range checks {
		check := &checks[i]
		if err := cm.stats.SaveLinkCheck(ctx, check); err != nil {
			return checks, fmt.Errorf("save link check %s: %w", check.URL, err)
		}
		if !check.OK {
			cm.log.WithFields(logrus.Fields{
				"url":    check.URL,
				"status": check.StatusCode,
				"error":  check.Error,
			}).Warn("Broken link in active template")
		}
	}
	return checks, nil
}

// probe sends HEAD and falls back to GET when the server rejects HEAD or
// the request fails.
func (cm *CronManager) probe(ctx context.Context, target string) models.LinkCheck {
	check := models.LinkCheck{URL: target, CheckedAt: cm.now()}

	status, err := cm.request(ctx, http.MethodHead, target)
	if err != nil || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		status, err = cm.request(ctx, http.MethodGet, target)
	}
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.StatusCode = status
	check.OK = status < http.StatusBadRequest
	return check
}

func (cm *CronManager) request(ctx context.Context, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "leadflow-link-check/1.0")
	resp, err := cm.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (cm *CronManager) linkJob(ctx context.Context) error {
	_, err := cm.ProbeLinks(ctx)
	return err
}

func (cm *CronManager) decayJob(ctx context.Context) error {
	n, err := cm.scoring.DecayInactive(ctx, cm.now())
	if err != nil {
		return err
	}
	cm.log.WithField("leads", n).Info("Decayed inactive lead scores")
	return nil
}

func (cm *CronManager) nudgeJob(ctx context.Context) error {
	n, err := cm.scoring.NudgeUnopened(ctx, cm.now(), sweepBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		cm.log.WithField("reminders", n).Info("Sent reminder SMS for unopened emails")
	}
	return nil
}
