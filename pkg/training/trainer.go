package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"hsiclassify/pkg/checkpoint"
	"hsiclassify/pkg/dataset"
	"hsiclassify/pkg/network"
	"hsiclassify/pkg/spectrum"
)

// EpochMetrics summarizes one completed epoch.
type EpochMetrics struct {
	// Epoch is zero-based within the run.
	Epoch int

	// Loss is the mean label-smoothed cross-entropy over every batch of the
	// epoch, weighted by batch size.
	Loss float64

	// Accuracy is the fraction of training pixels whose arg-max logit matched
	// the label during the epoch. It decides whether a checkpoint is written.
	Accuracy float64

	// EvalAccuracy is the accuracy on the evaluation loader, or -1 when the
	// trainer has none.
	EvalAccuracy float64

	// LearningRate is the rate the optimizer used throughout the epoch.
	LearningRate float64

	// Saved reports whether the epoch improved on the best accuracy and the
	// checkpoint was rewritten.
	Saved bool

	Duration time.Duration
}

// Params holds the training configuration.
type Params struct {
	// Model is the classifier being fitted. Its parameters are updated in
	// place by the optimizer.
	Model *network.Model

	// Train yields shuffled training batches. Its dataset must be labeled.
	Train *dataset.Loader

	// Eval optionally yields evaluation batches scored after every epoch.
	// The score is reported but does not drive checkpointing.
	Eval *dataset.Loader

	// Epochs is the number of passes over the training set.
	Epochs int

	// LearningRate is the base rate before scheduling.
	LearningRate float64

	// WeightDecay is the decoupled AdamW decay. Zero keeps the optimizer
	// default of 0.01; a negative value disables decay.
	WeightDecay float64

	// LabelSmoothing spreads this much target mass uniformly over all
	// classes in the cross-entropy.
	LabelSmoothing float64

	// StepSize and Gamma configure the step schedule: the rate is multiplied
	// by Gamma every StepSize epochs.
	StepSize int
	Gamma    float64

	// CheckpointPath is where the best model is written. An empty path
	// disables checkpointing.
	CheckpointPath string

	// Resume loads CheckpointPath before the first epoch when it exists,
	// seeding the best accuracy and optimizer step from it.
	Resume bool

	// Logger receives one record per epoch and per checkpoint write.
	Logger *zap.Logger
}

// Trainer runs the epoch loop: train, evaluate, checkpoint on improvement,
// then adjust the learning rate.
type Trainer struct {
	params *Params
	opt    *AdamW
	sched  StepLR
	logger *zap.Logger

	runID   string
	best    float64
	resumed bool
	history []EpochMetrics
}

// NewTrainer validates params and prepares the optimizer and schedule.
func NewTrainer(params *Params) (*Trainer, error) {
	if params == nil || params.Model == nil {
		return nil, errors.New("training requires a model")
	}
	if params.Train == nil {
		return nil, errors.New("training requires a training loader")
	}
	if !params.Train.Dataset().Labeled() {
		return nil, errors.New("training dataset has no labels")
	}
	if got, want := params.Train.Dataset().Bands(), params.Model.InputBands(); got != want {
		return nil, errors.Errorf("training spectra have %d bands, model expects %d", got, want)
	}
	if params.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", params.Epochs)
	}
	if params.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", params.LearningRate)
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opt := NewAdamW(params.LearningRate)
	switch {
	case params.WeightDecay < 0:
		opt.WeightDecay = 0
	case params.WeightDecay > 0:
		opt.WeightDecay = params.WeightDecay
	}

	runID := uuid.NewString()
	return &Trainer{
		params: params,
		opt:    opt,
		sched:  NewStepLR(params.StepSize, params.Gamma),
		logger: logger.With(zap.String("run_id", runID)),
		runID:  runID,
	}, nil
}

// RunID identifies this run in logs and checkpoint metadata.
func (t *Trainer) RunID() string { return t.runID }

// BestAccuracy returns the best epoch accuracy seen so far, including one
// inherited from a resumed checkpoint.
func (t *Trainer) BestAccuracy() float64 { return t.best }

// Resumed reports whether the run started from an existing checkpoint.
func (t *Trainer) Resumed() bool { return t.resumed }

// GetMetrics returns the metrics of every completed epoch.
func (t *Trainer) GetMetrics() []EpochMetrics {
	return append([]EpochMetrics(nil), t.history...)
}

// Run trains for the configured number of epochs. Cancelling ctx stops the
// run after the batch in flight; the checkpoint on disk is then the last one
// fully written.
func (t *Trainer) Run(ctx context.Context) error {
	if err := t.resume(); err != nil {
		return err
	}

	for epoch := 0; epoch < t.params.Epochs; epoch++ {
		start := time.Now()
		lr := t.sched.LR(epoch, t.params.LearningRate)
		t.opt.LearningRate = lr

		loss, acc, err := t.trainEpoch(ctx)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch+1)
		}

		m := EpochMetrics{
			Epoch:        epoch,
			Loss:         loss,
			Accuracy:     acc,
			EvalAccuracy: -1,
			LearningRate: lr,
		}
		if t.params.Eval != nil {
			res, err := Evaluate(ctx, t.params.Model, t.params.Eval)
			if err != nil {
				return errors.Wrapf(err, "evaluating epoch %d", epoch+1)
			}
			m.EvalAccuracy = res.Confusion.Accuracy()
		}

		if acc > t.best {
			t.best = acc
			if t.params.CheckpointPath != "" {
				if err := t.save(epoch); err != nil {
					return err
				}
				m.Saved = true
			}
		}
		m.Duration = time.Since(start)
		t.history = append(t.history, m)

		t.logger.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Int("epochs", t.params.Epochs),
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("eval_accuracy", m.EvalAccuracy),
			zap.Float64("learning_rate", lr),
			zap.Bool("saved", m.Saved),
			zap.Duration("duration", m.Duration),
		)
	}
	return nil
}

func (t *Trainer) resume() error {
	path := t.params.CheckpointPath
	if !t.params.Resume || path == "" || !checkpoint.Exists(path) {
		return nil
	}
	c, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := checkpoint.Restore(t.params.Model, c, path); err != nil {
		return err
	}
	t.best = c.BestAccuracy
	t.opt.Restore(c.OptimizerStep, c.OptimizerState)
	t.resumed = true
	t.logger.Info("resumed from checkpoint",
		zap.String("path", path),
		zap.Float64("best_accuracy", c.BestAccuracy),
		zap.Int("optimizer_step", t.opt.Steps()),
		zap.String("previous_run", c.Metadata.RunID),
	)
	return nil
}

// trainEpoch runs every training batch once and returns the mean loss and
// pixel accuracy.
func (t *Trainer) trainEpoch(ctx context.Context) (float64, float64, error) {
	model := t.params.Model
	var (
		lossSum float64
		correct int
		seen    int
	)
	err := t.params.Train.Epoch(ctx, func(b *dataset.Batch) error {
		for _, s := range b.Spectra {
			spectrum.Normalize(s)
		}
		pass, logits, err := model.TrainForward(b.Spectra)
		if err != nil {
			return err
		}
		loss, grad, err := CrossEntropy(logits, b.Labels, t.params.LabelSmoothing)
		if err != nil {
			return err
		}
		model.ZeroGrad()
		if err := model.Backward(pass, grad); err != nil {
			return err
		}
		t.opt.Step(model.Params())

		lossSum += loss * float64(b.Len())
		for i, p := range Argmax(logits) {
			if p == b.Labels[i] {
				correct++
			}
		}
		seen += b.Len()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if seen == 0 {
		return 0, 0, errors.New("training set is empty")
	}
	return lossSum / float64(seen), float64(correct) / float64(seen), nil
}

func (t *Trainer) save(epoch int) error {
	c := checkpoint.FromModel(t.params.Model, t.best)
	c.OptimizerStep = t.opt.Steps()
	c.OptimizerState = t.opt.State()
	c.LearningRate = t.opt.LearningRate
	c.Metadata.RunID = t.runID
	c.Metadata.Epoch = epoch
	if err := checkpoint.Save(c, t.params.CheckpointPath); err != nil {
		return err
	}
	t.logger.Info("checkpoint written",
		zap.String("path", t.params.CheckpointPath),
		zap.Int("epoch", epoch+1),
		zap.Float64("best_accuracy", t.best),
	)
	return nil
}
