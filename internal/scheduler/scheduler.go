package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"feedgrab/internal/downloader"
	"feedgrab/internal/fetcher"
	"feedgrab/internal/logging"
	"feedgrab/internal/metrics"
	"feedgrab/internal/model"
	"feedgrab/internal/notify"
	"feedgrab/internal/storage"
)

// notifyDelay spaces Telegram messages to stay under the bot rate limit.
const notifyDelay = 50 * time.Millisecond

// Sender is the interface for sending Telegram messages.
type Sender interface {
	SendMessage(chatID int64, text string)
}

// State is the position of a poller in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDetecting
	StateDownloading
	StatePersisting
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDetecting:
		return "detecting"
	case StateDownloading:
		return "downloading"
	case StatePersisting:
		return "persisting"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is how a cycle ended.
type Status int

const (
	// StatusCompleted means the cycle reached the persisting step.
	StatusCompleted Status = iota
	// StatusFetchFailed means the feed could not be fetched or parsed.
	StatusFetchFailed
	// StatusAborted means shutdown interrupted the cycle before persisting.
	StatusAborted
)

// CycleResult summarises one poll cycle.
type CycleResult struct {
	Status Status
	// Loaded is the watermark the cycle started from.
	Loaded time.Time
	// Watermark is the highest timestamp the cycle saw.
	Watermark time.Time
	Persisted bool
	Downloads []downloader.Outcome
	Err       error
}

// Deps are the collaborators shared by all pollers.
type Deps struct {
	Store   storage.Storage
	Client  fetcher.HTTPClient
	FS      afero.Fs
	Sender  Sender
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Poller runs the fetch, detect, download, persist cycle of one profile.
type Poller struct {
	profile    model.Profile
	store      storage.Storage
	fetcher    *fetcher.Fetcher
	downloader *downloader.Downloader
	sender     Sender
	metrics    *metrics.Metrics
	log        *slog.Logger

	notifyDelay time.Duration
	state       atomic.Int32
}

// NewPoller creates the poller of profile. A nil deps.FS means the OS
// filesystem and a nil deps.Sender disables notifications.
func NewPoller(profile model.Profile, deps Deps) *Poller {
	log := logging.ForProfile(deps.Log, profile.Name, profile.Verbose)
	fsys := deps.FS
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Poller{
		profile:     profile,
		store:       deps.Store,
		fetcher:     fetcher.New(deps.Client),
		downloader:  downloader.NewWithFS(deps.Client, fsys, profile.RequestTimeout, log),
		sender:      deps.Sender,
		metrics:     deps.Metrics,
		log:         log,
		notifyDelay: notifyDelay,
	}
}

// Name returns the profile name.
func (p *Poller) Name() string {
	return p.profile.Name
}

// State returns the current state of the poller.
func (p *Poller) State() State {
	return State(p.state.Load())
}

func (p *Poller) setState(log *slog.Logger, s State) {
	p.state.Store(int32(s))
	log.Debug("state", "state", s.String())
}

// Run executes cycles until the profile is done or ctx is cancelled.
// Profiles that do not run forever stop after a single cycle.
func (p *Poller) Run(ctx context.Context) {
	defer p.setState(p.log, StateTerminated)

	for ctx.Err() == nil {
		p.RunCycle(ctx)
		if !p.profile.RunForever {
			return
		}

		p.setState(p.log, StateSleeping)
		p.log.Debug("sleeping", "interval", p.profile.Interval)
		timer := time.NewTimer(p.profile.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle runs one complete cycle. The watermark is persisted only when it
// advanced and ctx was not cancelled before the persisting step.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	log := p.log.With("cycle_id", uuid.NewString())
	name := p.profile.Name

	cycleCtx := ctx
	if p.profile.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, p.profile.CycleTimeout)
		defer cancel()
	}

	p.setState(log, StateIdle)
	loaded, err := p.store.LoadWatermark(ctx, name)
	if err != nil {
		log.Warn("load watermark, starting from epoch", "error", err)
		loaded = model.Epoch
	}
	res := CycleResult{Loaded: loaded, Watermark: loaded}

	p.setState(log, StateFetching)
	feed, err := p.fetch(cycleCtx)
	if err != nil {
		log.Error("fetch feed", "url", p.profile.FeedURL, "error", err)
		res.Status = StatusFetchFailed
		res.Err = err
		p.metrics.ObserveCycle(name, metrics.ResultFetchFailed, time.Since(start))
		return res
	}
	for _, bad := range feed.Invalid {
		log.Warn("skipping feed item", "index", bad.Index, "title", bad.Title, "raw", bad.Raw, "error", bad.Err)
	}

	p.setState(log, StateDetecting)
	det := fetcher.Detect(feed.Items, loaded, p.profile.Filter)
	log.Debug("detected new items",
		"items", len(feed.Items),
		"matched", len(det.URLs),
		"without_link", det.Skipped,
		"watermark", det.Watermark,
	)

	p.setState(log, StateDownloading)
	res.Downloads = p.downloader.DownloadAll(cycleCtx, det.URLs, p.profile.Destination, p.profile.Parallel)
	p.report(ctx, log, res.Downloads)

	if ctx.Err() != nil {
		log.Info("cycle interrupted, watermark not saved")
		res.Status = StatusAborted
		res.Err = ctx.Err()
		p.metrics.ObserveCycle(name, metrics.ResultAborted, time.Since(start))
		return res
	}

	p.setState(log, StatePersisting)
	res.Watermark = det.Watermark
	if det.Watermark.After(loaded) {
		if err := p.store.SaveWatermark(ctx, name, det.Watermark); err != nil {
			log.Error("persist watermark", "error", err)
			res.Err = err
		} else {
			res.Persisted = true
			p.metrics.SetWatermark(name, det.Watermark)
		}
	}

	log.Info("cycle finished",
		"downloads", len(res.Downloads),
		"failed", countFailed(res.Downloads),
		"persisted", res.Persisted,
		"took", time.Since(start).Round(time.Millisecond),
	)
	p.metrics.ObserveCycle(name, metrics.ResultOK, time.Since(start))
	return res
}

func (p *Poller) fetch(ctx context.Context) (*fetcher.Feed, error) {
	if p.profile.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.profile.RequestTimeout)
		defer cancel()
	}
	return p.fetcher.Fetch(ctx, p.profile.FeedURL)
}

// report records the history, metrics and notifications of a cycle's
// downloads.
func (p *Poller) report(ctx context.Context, log *slog.Logger, outcomes []downloader.Outcome) {
	name := p.profile.Name
	recordCtx := context.WithoutCancel(ctx)
	notifying := p.sender != nil && p.profile.TelegramChatID != 0

	for _, o := range outcomes {
		d := model.Download{
			Profile:   name,
			URL:       o.URL,
			Path:      o.Path,
			Size:      o.Size,
			CreatedAt: time.Now().UTC(),
		}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		if err := p.store.RecordDownload(recordCtx, d); err != nil {
			log.Warn("record download", "url", o.URL, "error", err)
		}
		p.metrics.ObserveDownload(name, o.Size, o.Err != nil)

		if notifying && o.Err == nil {
			p.notify(notify.FormatDownload(name, o))
		}
	}

	if notifying {
		if msg := notify.FormatFailures(name, outcomes); msg != "" {
			p.notify(msg)
		}
	}
}

func (p *Poller) notify(text string) {
	p.sender.SendMessage(p.profile.TelegramChatID, text)
	if p.notifyDelay > 0 {
		time.Sleep(p.notifyDelay)
	}
}

func countFailed(outcomes []downloader.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Scheduler runs the pollers of all profiles concurrently.
type Scheduler struct {
	pollers []*Poller
	log     *slog.Logger
}

// New creates a Scheduler for the given pollers.
func New(pollers []*Poller, log *slog.Logger) *Scheduler {
	return &Scheduler{pollers: pollers, log: log}
}

// Run starts every poller and blocks until all of them have terminated.
func (s *Scheduler) Run(ctx context.Context) {
	var g errgroup.Group
	for _, p := range s.pollers {
		g.Go(func() error {
			p.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("all profiles finished", "profiles", len(s.pollers))
}
