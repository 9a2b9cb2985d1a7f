package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/config"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/converter"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/sensor"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/worker"
)

// ErrTooManyPublishFailures ends a task whose MaxConsecutiveFailures was
// reached.
var ErrTooManyPublishFailures = errors.New("too many consecutive publish failures")

// Publisher is the part of the session a publish task needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos mqtt.QoS, retain bool) error
}

// PublishTask reads Source and publishes the value to Topic every Period.
// Deadlines advance from the previous deadline, so time spent publishing
// does not accumulate into drift.
type PublishTask struct {
	Name   string
	Topic  string
	Period time.Duration
	QoS    mqtt.QoS
	Retain bool
	Source sensor.Source
	// MaxConsecutiveFailures > 0 aborts the task after that many failed
	// publishes in a row. Zero keeps publishing forever.
	MaxConsecutiveFailures int

	now       func() time.Time
	waitUntil func(ctx context.Context, deadline time.Time) error
}

// Run publishes until ctx is done or the session has ended.
func (t PublishTask) Run(ctx context.Context, pub Publisher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("sensor", t.Name, "topic", t.Topic)
	now, wait := t.now, t.waitUntil
	if now == nil {
		now = time.Now
	}
	if wait == nil {
		wait = sleepUntil
	}

	next := now()
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload := converter.FormatMeasure(t.Source.Read())
		err := pub.Publish(ctx, t.Topic, payload, t.QoS, t.Retain)
		switch {
		case err == nil:
			failures = 0
			logger.Debug("sensor value published", "payload", string(payload), "due", converter.Clock(next))
		case ctx.Err() != nil:
			return nil
		case mqtt.IsSessionEnd(err):
			logger.Info("session ended, publish task stopped", "error", err)
			return nil
		default:
			failures++
			logger.Warn("publish failed", "error", err, "consecutive_failures", failures)
			if t.MaxConsecutiveFailures > 0 && failures >= t.MaxConsecutiveFailures {
				return fmt.Errorf("%s: %w", t.Name, ErrTooManyPublishFailures)
			}
		}

		next = next.Add(t.Period)
		if err := wait(ctx, next); err != nil {
			return nil
		}
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TasksFromConfig builds one task per configured sensor. Sensors without a
// seed get a random one.
func TasksFromConfig(cfg config.Config) []PublishTask {
	tasks := make([]PublishTask, 0, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		seed := s.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		tasks = append(tasks, PublishTask{
			Name:                   s.Name,
			Topic:                  cfg.Topic(s.Name),
			Period:                 s.Period,
			QoS:                    mqtt.QoS(s.QoS),
			Retain:                 s.Retain,
			Source:                 sensor.New(s.Min, s.Max, seed),
			MaxConsecutiveFailures: cfg.Publish.MaxConsecutiveFailures,
		})
	}
	return tasks
}

// Scheduler runs every publish task in its own group so each can be
// cancelled on its own.
type Scheduler struct {
	pub    Publisher
	tasks  []PublishTask
	logger *slog.Logger
}

func NewScheduler(pub Publisher, logger *slog.Logger, tasks ...PublishTask) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pub: pub, tasks: tasks, logger: logger}
}

// Start launches the tasks and returns their groups in task order.
func (s *Scheduler) Start(sup *worker.Supervisor) []*worker.Group {
	groups := make([]*worker.Group, 0, len(s.tasks))
	for _, t := range s.tasks {
		g := sup.NewGroup("publish/" + t.Name)
		g.Go(t.Name, func(ctx context.Context) error {
			s.logger.Info("publish task started", "sensor", t.Name, "topic", t.Topic, "period", t.Period.String())
			err := t.Run(ctx, s.pub, s.logger)
			if errors.Is(err, ErrTooManyPublishFailures) {
				s.logger.Error("publish task aborted", "sensor", t.Name, "error", err)
				return nil
			}
			return err
		})
		groups = append(groups, g)
	}
	return groups
}
