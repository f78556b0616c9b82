package schema

import (
	"context"
	"sync"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/clock"
	"github.com/dokzlo13/roomd/internal/device"
	"github.com/dokzlo13/roomd/internal/group"
	"github.com/dokzlo13/roomd/internal/match"
)

// Keys of the hosts that exist regardless of the schema contents.
const (
	StarredKey   = "starred"
	UngroupedKey = "ungrouped"
)

// Kind tells the built-in hosts apart from named groups.
type Kind string

const (
	KindStarred   Kind = "starred"
	KindGroup     Kind = "group"
	KindUngrouped Kind = "ungrouped"
)

// Source fetches the raw schema.
type Source interface {
	Schema(ctx context.Context) (map[string]backend.SchemaEntry, error)
}

// HostFactory creates the host for a group.
type HostFactory func(name string) *group.Host

// Entry is one host as listed by Hosts.
type Entry struct {
	Key  string
	Kind Kind
	Host *group.Host
}

// Options tune the poller. Zero values use the defaults.
type Options struct {
	RetryInterval   time.Duration // default 5s
	RefreshInterval time.Duration // default 5m
	RequestTimeout  time.Duration // default 5s
	// AutoShow selects host keys shown as soon as they are created.
	AutoShow match.Matcher
	Clock    clock.Clock
	Spawn    func(func())
	// OnUpdate is called after each processed schema, without locks held.
	OnUpdate func(Partition)
}

// Poller loads the schema, partitions it and feeds group hosts. A failed
// fetch is retried on a fixed timer until one succeeds; after that the
// schema is refreshed periodically and hosts gain or lose devices.
type Poller struct {
	source  Source
	newHost HostFactory
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	stopped    bool
	fetching   bool
	generation uint64
	timer      clock.Timer
	loaded     bool
	last       Partition
	lastLoaded time.Time
	failures   int
	starred    *group.Host
	ungrouped  *group.Host
	groups     map[string]*group.Host
	// restore holds host visibility captured by Reload until the next
	// schema has been applied.
	restore map[string]bool
}

// NewPoller creates a poller. The starred and ungrouped hosts are created
// immediately.
func NewPoller(source Source, newHost HostFactory, opts Options) *Poller {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.AutoShow == nil {
		opts.AutoShow = match.Any()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		source:  source,
		newHost: newHost,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		groups:  make(map[string]*group.Host),
	}
	p.starred = p.createHostLocked(StarredKey, "Starred")
	p.ungrouped = p.createHostLocked(UngroupedKey, "Ungrouped")
	return p
}

func (p *Poller) createHostLocked(key, name string) *group.Host {
	h := p.newHost(name)
	show := p.opts.AutoShow.Matches(key)
	if p.restore != nil {
		show = p.restore[key]
	}
	if show {
		h.Show()
	}
	return h
}

// Start issues the first fetch.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.opts.Spawn(p.fetch)
}

// Reload tears down every host, rebuilds them and fetches the schema again.
// Host visibility survives the rebuild.
func (p *Poller) Reload() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.generation++
	p.fetching = false
	p.loaded = false
	p.stopTimerLocked()

	old := p.entriesLocked()
	visible := make(map[string]bool, len(old))
	for _, e := range old {
		visible[e.Key] = e.Host.Visible()
	}

	p.restore = visible
	p.starred = p.createHostLocked(StarredKey, "Starred")
	p.ungrouped = p.createHostLocked(UngroupedKey, "Ungrouped")
	p.groups = make(map[string]*group.Host)
	p.last = Partition{}
	p.mu.Unlock()

	for _, e := range old {
		e.Host.Close()
	}
	log.Info().Int("hosts", len(old)).Msg("Schema reload requested")

	p.opts.Spawn(p.fetch)
}

// Stop closes every host and cancels pending work.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.stopTimerLocked()
	entries := p.entriesLocked()
	p.mu.Unlock()

	p.cancel()
	for _, e := range entries {
		e.Host.Close()
	}
}

func (p *Poller) fetch() {
	p.mu.Lock()
	if p.stopped || p.fetching {
		p.mu.Unlock()
		return
	}
	p.fetching = true
	gen := p.generation
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.RequestTimeout)
	raw, err := p.source.Schema(ctx)
	cancel()

	p.mu.Lock()
	if gen == p.generation {
		p.fetching = false
	}
	if p.stopped || gen != p.generation {
		p.mu.Unlock()
		return
	}

	if err != nil {
		p.failures++
		log.Warn().
			Err(err).
			Int("attempt", p.failures).
			Dur("retry_in", p.opts.RetryInterval).
			Msg("Failed to fetch schema")
		p.scheduleLocked(p.opts.RetryInterval)
		p.mu.Unlock()
		return
	}

	part := Split(Descriptors(raw))
	p.applyLocked(part)
	p.restore = nil
	p.failures = 0
	p.loaded = true
	p.last = part
	p.lastLoaded = p.opts.Clock.Now()
	p.scheduleLocked(p.opts.RefreshInterval)
	p.mu.Unlock()

	log.Info().
		Int("devices", part.Len()).
		Int("starred", len(part.Starred)).
		Int("groups", len(part.Groups)).
		Int("ungrouped", len(part.Ungrouped)).
		Msg("Schema loaded")
	if e := log.Debug(); e.Enabled() {
		e.Msg("Schema partition:\n" + pretty.Sprint(part))
	}

	if p.opts.OnUpdate != nil {
		p.opts.OnUpdate(part)
	}
}

func (p *Poller) applyLocked(part Partition) {
	p.starred.Sync(members(part.Starred))
	p.ungrouped.Sync(members(part.Ungrouped))

	for name, descs := range part.Groups {
		h, ok := p.groups[name]
		if !ok {
			h = p.createHostLocked(name, name)
			p.groups[name] = h
		}
		h.Sync(members(descs))
	}

	for name, h := range p.groups {
		if _, ok := part.Groups[name]; ok {
			continue
		}
		delete(p.groups, name)
		h.Close()
		log.Info().Str("group", name).Msg("Group removed from schema")
	}
}

func (p *Poller) scheduleLocked(d time.Duration) {
	p.stopTimerLocked()
	gen := p.generation
	p.timer = p.opts.Clock.AfterFunc(d, func() {
		p.mu.Lock()
		current := gen == p.generation
		p.mu.Unlock()
		if current {
			p.opts.Spawn(p.fetch)
		}
	})
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) entriesLocked() []Entry {
	entries := []Entry{{Key: StarredKey, Kind: KindStarred, Host: p.starred}}
	for _, name := range p.last.GroupNames() {
		if h, ok := p.groups[name]; ok {
			entries = append(entries, Entry{Key: name, Kind: KindGroup, Host: h})
		}
	}
	return append(entries, Entry{Key: UngroupedKey, Kind: KindUngrouped, Host: p.ungrouped})
}

// Hosts lists starred first, named groups by name, ungrouped last.
func (p *Poller) Hosts() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entriesLocked()
}

// Host returns the host for key. The starred and ungrouped keys take
// precedence over named groups with the same name.
func (p *Poller) Host(key string) (*group.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch key {
	case StarredKey:
		return p.starred, true
	case UngroupedKey:
		return p.ungrouped, true
	}
	h, ok := p.groups[key]
	return h, ok
}

// Device returns every handler of id across hosts, visible ones first.
func (p *Poller) Device(id string) []*device.Handler {
	var visible, hidden []*device.Handler
	for _, e := range p.Hosts() {
		h, ok := e.Host.Handler(id)
		if !ok {
			continue
		}
		if e.Host.Visible() {
			visible = append(visible, h)
		} else {
			hidden = append(hidden, h)
		}
	}
	return append(visible, hidden...)
}

// Status summarizes the poller for health reporting.
type Status struct {
	Loaded     bool      `json:"loaded"`
	Devices    int       `json:"devices"`
	Groups     int       `json:"groups"`
	Failures   int       `json:"failures"`
	LastLoaded time.Time `json:"last_loaded,omitzero"`
}

// Status returns the current summary.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Loaded:     p.loaded,
		Devices:    p.last.Len(),
		Groups:     len(p.groups),
		Failures:   p.failures,
		LastLoaded: p.lastLoaded,
	}
}
