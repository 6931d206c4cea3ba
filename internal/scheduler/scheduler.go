package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/report"
)

// Scheduler drives periodic report generation from configured cron
// schedules, so standing regulatory filings are produced without manual
// requests.
type Scheduler struct {
	logger    *zap.Logger
	cfg       config.SchedulingConfig
	generator *report.Generator
	cron      *cron.Cron
}

// New creates a report scheduler
func New(cfg config.SchedulingConfig, logger *zap.Logger, generator *report.Generator) *Scheduler {
	return &Scheduler{
		logger:    logger,
		cfg:       cfg,
		generator: generator,
		cron:      cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers all configured schedules and starts the cron runner
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("Report scheduling disabled")
		return nil
	}

	for _, schedule := range s.cfg.Schedules {
		sched := schedule
		if _, err := s.cron.AddFunc(sched.CronPattern, func() { s.runSchedule(sched) }); err != nil {
			return fmt.Errorf("invalid cron pattern %q for schedule %s: %w", sched.CronPattern, sched.Name, err)
		}
		s.logger.Info("Report schedule registered",
			zap.String("schedule", sched.Name),
			zap.String("cron", sched.CronPattern),
			zap.String("report_type", sched.ReportType),
			zap.String("jurisdiction", sched.Jurisdiction),
		)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Report scheduler stopped")
}

func (s *Scheduler) runSchedule(sched config.ReportSchedule) {
	lookback := sched.LookbackDays
	if lookback <= 0 {
		lookback = 1
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -lookback)

	req := &report.Request{
		ReportName:   sched.ReportName,
		ReportType:   sched.ReportType,
		Jurisdiction: sched.Jurisdiction,
		StartDate:    start.Format(report.DateLayout),
		EndDate:      end.Format(report.DateLayout),
		Parameters:   sched.Parameters,
		RequestedBy:  "scheduler:" + sched.Name,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	response, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.logger.Error("Scheduled report generation failed",
			zap.String("schedule", sched.Name),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Scheduled report generation started",
		zap.String("schedule", sched.Name),
		zap.String("report_id", response.ReportID),
		zap.String("status", string(response.ReportStatus)),
	)
}
