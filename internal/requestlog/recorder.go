package requestlog

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdagent/internal/classifier"
	"github.com/JakeFAU/mdagent/internal/ipanon"
	"github.com/JakeFAU/mdagent/internal/metrics"
)

// DefaultTrimSampleRate checks retention on roughly one insert in a hundred.
const DefaultTrimSampleRate = 100

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Request describes one served Markdown response before classification.
type Request struct {
	EntityID  int64
	TermID    int64
	Taxonomy  string
	Method    string
	UserAgent string
	IP        string
	Tokens    int
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// MaxRows caps the table size; zero disables trimming.
	MaxRows int64
	// AnonymizeIP truncates addresses before they are stored.
	AnonymizeIP bool
	// TrimSampleRate is N in the one-in-N retention check. Values <= 1 check on every insert.
	TrimSampleRate int
	// Sample overrides the random retention sampler.
	Sample func(n int) bool
	Clock  Clock
	Logger *zap.Logger
}

// Recorder classifies requests and appends them to a Store with sampled retention.
type Recorder struct {
	store      Store
	classifier *classifier.Classifier
	maxRows    int64
	anonymize  bool
	sampleRate int
	sample     func(n int) bool
	clock      Clock
	logger     *zap.Logger
}

// NewRecorder wires a Recorder.
func NewRecorder(store Store, c *classifier.Classifier, opts RecorderOptions) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("requestlog: store is required")
	}
	if c == nil {
		c = classifier.NewDefault()
	}
	if opts.TrimSampleRate == 0 {
		opts.TrimSampleRate = DefaultTrimSampleRate
	}
	if opts.Sample == nil {
		opts.Sample = randomSample
	}
	if opts.Clock == nil {
		opts.Clock = utcClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Recorder{
		store:      store,
		classifier: c,
		maxRows:    opts.MaxRows,
		anonymize:  opts.AnonymizeIP,
		sampleRate: opts.TrimSampleRate,
		sample:     opts.Sample,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// Classifier returns the classifier used for new entries.
func (r *Recorder) Classifier() *classifier.Classifier {
	return r.classifier
}

// Record stores one entry and, on a sampled subset of calls, enforces the row cap.
func (r *Recorder) Record(ctx context.Context, req Request) (Entry, error) {
	ua := truncateRunes(req.UserAgent, MaxUserAgentLength)
	result := r.classifier.Classify(ua)
	e := Entry{
		EntityID:  req.EntityID,
		TermID:    req.TermID,
		Taxonomy:  req.Taxonomy,
		Method:    req.Method,
		UserAgent: ua,
		BotName:   result.Name,
		BotType:   string(result.Type),
		IP:        ipanon.Apply(req.IP, r.anonymize),
		Tokens:    req.Tokens,
		CreatedAt: r.clock.Now(),
	}
	id, err := r.store.Insert(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("insert request log entry: %w", err)
	}
	e.ID = id

	if r.maxRows > 0 && (r.sampleRate <= 1 || r.sample(r.sampleRate)) {
		removed, err := r.store.TrimTo(ctx, r.maxRows)
		if err != nil {
			r.logger.Warn("request log trim failed", zap.Error(err))
		} else if removed > 0 {
			metrics.ObserveLogTrim(removed)
			r.logger.Debug("request log trimmed", zap.Int64("removed", removed), zap.Int64("max_rows", r.maxRows))
		}
	}
	return e, nil
}

func randomSample(n int) bool {
	return rand.IntN(n) == 0 //nolint:gosec // sampling, not security
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
