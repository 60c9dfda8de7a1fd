package jobs

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/hivepool/internal/coind"
	"github.com/bardlex/hivepool/pkg/errors"
	"github.com/bardlex/hivepool/pkg/log"
	"github.com/bardlex/hivepool/pkg/retry"
)

// TemplateSource is the daemon side of the watcher.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context, longPollID string) (*btcjson.GetBlockTemplateResult, error)
	GetNewBlockRaw(ctx context.Context, address string) (*coind.RawBlock, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PoolAddress     string
	RefreshInterval time.Duration
	Retry           *retry.Config
}

// Watcher long-polls the daemon for template changes. Each new long-poll id,
// each refresh tick and each Refresh call fetches a raw block for the pool
// address and hands it to the template callback.
type Watcher struct {
	source     TemplateSource
	cfg        WatcherConfig
	logger     *log.Logger
	onTemplate func(*Template)
	onLongPoll func(ctx context.Context)

	refresh chan struct{}
}

// NewWatcher creates a watcher. onTemplate runs on the watcher's refresh
// goroutine, one template at a time.
func NewWatcher(source TemplateSource, cfg WatcherConfig, logger *log.Logger, onTemplate func(*Template)) *Watcher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 45 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.TemplateConfig()
	}
	return &Watcher{
		source:     source,
		cfg:        cfg,
		logger:     logger.WithComponent("template_watcher"),
		onTemplate: onTemplate,
		refresh:    make(chan struct{}, 1),
	}
}

// OnLongPoll registers a hook run after every long-poll return.
func (w *Watcher) OnLongPoll(fn func(ctx context.Context)) {
	w.onLongPoll = fn
}

// Refresh requests an immediate raw block fetch. It never blocks.
func (w *Watcher) Refresh() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

// Run long-polls until ctx ends. It returns early with the last error when
// the daemon refuses the credentials or the retry budget is spent.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.refreshLoop(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	retryCfg := *w.cfg.Retry
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.logger.WithError(err).Warn("block template fetch failed, retrying",
			"attempt", attempt, "delay", delay)
	}

	longPollID := ""
	for {
		tmpl, err := retry.DoWithResult(ctx, &retryCfg, func() (*btcjson.GetBlockTemplateResult, error) {
			tmpl, err := w.source.GetBlockTemplate(ctx, longPollID)
			if err != nil {
				return nil, retryableUnlessFatal(err)
			}
			return tmpl, nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.IsFatal(err) {
				w.logger.WithError(err).Error("daemon refused the credentials, template polling stopped")
			} else {
				w.logger.WithError(err).Error("giving up on block templates")
			}
			return err
		}

		if tmpl.LongPollID != "" && tmpl.LongPollID != longPollID {
			longPollID = tmpl.LongPollID
			w.logger.Info("new block template", "height", tmpl.Height, "bits", tmpl.Bits)
			w.Refresh()
		}

		if w.onLongPoll != nil {
			w.onLongPoll(ctx)
		}

		if tmpl.LongPollID == "" {
			// Without long polling the call returns at once; poll at the refresh rate.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.RefreshInterval):
			}
		}
	}
}

// retryableUnlessFatal marks every template failure retryable except a
// refused authorization.
func retryableUnlessFatal(err error) error {
	se := errors.Wrap(err, errors.ErrorTypeDaemon, "getblocktemplate", "block template fetch failed")
	se.Retryable = !errors.IsFatal(err)
	return se
}

func (w *Watcher) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.refresh:
			w.fetch(ctx)
			ticker.Reset(w.cfg.RefreshInterval)
		case <-ticker.C:
			w.fetch(ctx)
		}
	}
}

func (w *Watcher) fetch(ctx context.Context) {
	start := time.Now()
	raw, err := w.source.GetNewBlockRaw(ctx, w.cfg.PoolAddress)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Error("failed to fetch raw block")
		}
		return
	}

	t, err := NewTemplate(raw, time.Now())
	if err != nil {
		w.logger.WithError(err).Error("unusable raw block")
		return
	}
	w.logger.LogDuration("getnewblockraw", time.Since(start))
	w.onTemplate(t)
}
