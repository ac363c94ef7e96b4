package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"sequencer/sequence"
	"sequencer/utils"
)

// Processor is the part of the engine the worker drives
type Processor interface {
	RunPass(ctx context.Context) (sequence.PassResult, error)
	SweepScores(ctx context.Context) (sequence.SweepResult, error)
}

// SequenceWorker runs the processing pass and the score sweep on fixed cadences
type SequenceWorker struct {
	engine        Processor
	passInterval  time.Duration
	sweepInterval time.Duration
	logger        *logrus.Entry
}

func NewSequenceWorker(engine Processor, passInterval, sweepInterval time.Duration, logger *logrus.Entry) *SequenceWorker {
	return &SequenceWorker{
		engine:        engine,
		passInterval:  passInterval,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Start blocks until ctx is cancelled. A pass runs immediately, then on every tick.
func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.logger.WithFields(logrus.Fields{
		"pass_interval":  sw.passInterval.String(),
		"sweep_interval": sw.sweepInterval.String(),
	}).Info("Sequence worker started")

	passTicker := time.NewTicker(sw.passInterval)
	defer passTicker.Stop()
	sweepTicker := time.NewTicker(sw.sweepInterval)
	defer sweepTicker.Stop()

	sw.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sequence worker shutting down...")
			return
		case <-passTicker.C:
			sw.runPass(ctx)
		case <-sweepTicker.C:
			sw.runSweep(ctx)
		}
	}
}

func (sw *SequenceWorker) runPass(ctx context.Context) {
	res, err := sw.engine.RunPass(ctx)
	if err != nil {
		if ctx.Err() == nil {
			utils.LogError("sequence_pass_failed", err, nil)
		}
		return
	}
	if res.Processed > 0 {
		sw.logger.WithFields(logrus.Fields{
			"processed": res.Processed,
			"succeeded": res.Succeeded,
			"deferred":  res.Deferred,
			"errors":    res.Errors,
		}).Debug("pass finished")
	}
}

func (sw *SequenceWorker) runSweep(ctx context.Context) {
	res, err := sw.engine.SweepScores(ctx)
	if err != nil {
		if ctx.Err() == nil {
			utils.LogError("score_sweep_failed", err, nil)
		}
		return
	}
	if res.Stopped > 0 {
		sw.logger.WithFields(logrus.Fields{
			"checked": res.Checked,
			"stopped": res.Stopped,
		}).Info("score sweep stopped enrollments")
	}
}
