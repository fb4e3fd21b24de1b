package engine

import (
	"net/http"
	"time"

	"github.com/datallboy/gopod/internal/extraction"
	"github.com/datallboy/gopod/internal/infra/config"
	"github.com/datallboy/gopod/internal/infra/logger"
	"github.com/datallboy/gopod/internal/netx"
)

// phase is the sub-step of StateExecuting a task is in. It never leaves the package.
type phase int

const (
	phaseIdle phase = iota
	phasePage
	phaseMedia
	phaseFinalize
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phasePage:
		return "page"
	case phaseMedia:
		return "media"
	case phaseFinalize:
		return "finalize"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// progressInterval is how often byte counters are sampled during the media transfer
const progressInterval = 250 * time.Millisecond

// Options configures tasks and the manager that runs them.
type Options struct {
	// Zero timeouts leave the phase without a deadline
	PageTimeout  time.Duration
	MediaTimeout time.Duration

	PageRetry  netx.RetryOptions
	MediaRetry netx.RetryOptions
	UserAgent  string

	// Zero means no limit on concurrently executing tasks
	MaxConcurrent int
	EvictFinished bool

	Extractor extraction.Extractor
	Logger    *logger.Logger

	// HTTPClient replaces the per-task session, mostly for tests
	HTTPClient *http.Client
}

// OptionsFromConfig maps the download section of the config onto Options.
func OptionsFromConfig(cfg config.DownloadConfig, log *logger.Logger) Options {
	return Options{
		PageTimeout:  cfg.PageTimeout,
		MediaTimeout: cfg.MediaTimeout,
		PageRetry: netx.RetryOptions{
			Retries:   cfg.PageRetries,
			BaseDelay: cfg.RetryBaseDelay,
		},
		MediaRetry: netx.RetryOptions{
			Retries:   cfg.MediaRetries,
			BaseDelay: cfg.RetryBaseDelay,
		},
		UserAgent:     cfg.UserAgent,
		MaxConcurrent: cfg.MaxConcurrent,
		EvictFinished: cfg.EvictFinished,
		Logger:        log,
	}
}

func (o Options) withDefaults() Options {
	if o.Extractor == nil {
		o.Extractor = extraction.NewAudioExtractor()
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.UserAgent == "" {
		o.UserAgent = netx.DefaultUserAgent
	}
	return o
}
