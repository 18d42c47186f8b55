package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iteam1/reviewbot/internal/comment"
	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/internal/knowledge"
	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/internal/review"
	"github.com/iteam1/reviewbot/pkg/models"
)

// Config wires the components of a run. Assembler, Formatter and Poster
// default to their standard configuration when nil; Augmenter may be nil.
type Config struct {
	Assembler *diff.Assembler
	Augmenter *knowledge.Augmenter
	Agent     review.Agent
	Formatter *comment.Formatter
	Poster    *comment.Poster

	Logger zerolog.Logger
	// RunLogDir receives one log file per run when set.
	RunLogDir string
	// DryRun stops every run at Formatted without posting.
	DryRun bool
}

// Orchestrator drives a webhook delivery through the review pipeline. It
// holds no per-run state and is safe for concurrent use.
type Orchestrator struct {
	assembler *diff.Assembler
	augmenter *knowledge.Augmenter
	agent     review.Agent
	formatter *comment.Formatter
	poster    *comment.Poster
	logger    zerolog.Logger
	runLogDir string
	dryRun    bool
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agent == nil {
		return nil, errors.New("pipeline: review agent is required")
	}
	if cfg.Assembler == nil {
		cfg.Assembler = diff.NewAssembler(diff.DefaultConfig())
	}
	if cfg.Formatter == nil {
		cfg.Formatter = comment.NewFormatter(0, "")
	}
	if cfg.Poster == nil {
		cfg.Poster = comment.NewPoster(retry.RetryConfig{})
	}
	return &Orchestrator{
		assembler: cfg.Assembler,
		augmenter: cfg.Augmenter,
		agent:     cfg.Agent,
		formatter: cfg.Formatter,
		poster:    cfg.Poster,
		logger:    cfg.Logger,
		runLogDir: cfg.RunLogDir,
		dryRun:    cfg.DryRun,
	}, nil
}

// run carries the state of one delivery through the steps.
type run struct {
	res    *Result
	logger *logging.RunLogger
	start  time.Time
}

func (r *run) enter(s State) {
	r.logger.Log("Step %s", s)
}

func (r *run) reach(s State) {
	r.res.State = s
	r.logger.Log("Reached %s", s)
}

func (r *run) fail(step State, err error) *Result {
	r.res.State = StateFailed
	r.res.FailedStep = step
	r.res.Err = &StepError{Step: step, Err: err}
	r.logger.LogError(fmt.Sprintf("run failed at %s", step), err)
	return r.finish()
}

func (r *run) ignore(reason string) *Result {
	r.res.State = StateIgnored
	r.res.IgnoreReason = reason
	r.logger.Log("Ignored: %s", reason)
	return r.finish()
}

func (r *run) finish() *Result {
	r.res.Duration = time.Since(r.start)
	r.logger.Log("Run finished in state %s after %v", r.res.State, r.res.Duration.Round(time.Millisecond))
	return r.res
}

// Run processes one delivery. Steps run strictly in order; a fatal step ends
// the run and nothing is posted.
func (o *Orchestrator) Run(ctx context.Context, adapter providers.Adapter, headers map[string]string, body []byte) *Result {
	runID := uuid.NewString()
	logger, err := logging.StartRunLogging(o.logger, runID, o.runLogDir)
	if err != nil {
		logger = logging.NewRunLogger(o.logger, runID)
		logger.Warn("Run log file disabled: %v", err)
	}
	defer logger.Close()

	r := &run{res: &Result{RunID: runID, State: StateReceived}, logger: logger, start: time.Now()}
	logger.Log("Received %s webhook (%d bytes)", adapter.Name(), len(body))

	r.enter(StateParsed)
	ev, err := adapter.ParseEvent(headers, body)
	if err != nil {
		if errors.Is(err, providers.ErrUnsupportedEventKind) {
			return r.ignore(err.Error())
		}
		return r.fail(StateParsed, err)
	}
	r.res.Event = ev
	logger.WithEvent(ev)
	r.reach(StateParsed)

	if ev.Ignored {
		return r.ignore(ev.IgnoreReason)
	}
	done, err := o.poster.AlreadyReviewed(ctx, adapter, ev)
	if err != nil {
		logger.Warn("Could not check for an existing review, continuing: %v", err)
	} else if done {
		return r.ignore(fmt.Sprintf("head commit %s already reviewed", ev.ShortCommit()))
	}

	r.enter(StateDiffFetched)
	cs, err := o.assembler.Assemble(ctx, adapter, ev, logger)
	if err != nil {
		return r.fail(StateDiffFetched, err)
	}
	r.reach(StateDiffFetched)

	r.enter(StateAugmented)
	acs := o.augmenter.Augment(ctx, cs, logger)
	r.reach(StateAugmented)

	r.enter(StateReviewed)
	review, err := o.agent.Review(ctx, acs, logger)
	if err != nil {
		return r.fail(StateReviewed, err)
	}
	if err := checkPaths(review.Findings, cs); err != nil {
		return r.fail(StateReviewed, err)
	}
	r.res.Findings = len(review.Findings)
	logger.Log("Agent %s produced %d findings (%s)", o.agent.Name(), len(review.Findings), review.Status())
	r.reach(StateReviewed)

	r.enter(StateFormatted)
	c := o.formatter.Format(review, acs)
	r.res.Comment = &c
	r.reach(StateFormatted)

	if o.dryRun {
		logger.Log("Dry run: comment not posted")
		return r.finish()
	}

	r.enter(StatePosted)
	ref, err := o.poster.Post(ctx, adapter, c, logger)
	if err != nil {
		return r.fail(StatePosted, err)
	}
	r.res.Ref = ref
	r.reach(StatePosted)
	return r.finish()
}

func checkPaths(findings []models.ReviewFinding, cs *models.Changeset) error {
	for _, f := range findings {
		if f.Path != "" && !cs.HasPath(f.Path) {
			return fmt.Errorf("%w: %s", ErrUnknownFindingPath, f.Path)
		}
	}
	return nil
}
