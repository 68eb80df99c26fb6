// Package refresh plans and schedules e-paper panel updates: it merges dirty regions
// reported by the display framebuffer into a minimal set, decides whether the resulting
// update should be a fast partial refresh or a full panel refresh, and serializes delivery
// of the plan to a driver through a bounded background queue.
package refresh

import (
	"context"
	"errors"
	"image"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/herohde/centaurmods/pkg/telemetry"
)

// Mode is the kind of refresh a Plan requests.
type Mode int

const (
	Idle Mode = iota
	PartialFast
	PartialBalanced
	Full
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case PartialFast:
		return "PARTIAL_FAST"
	case PartialBalanced:
		return "PARTIAL_BALANCED"
	case Full:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Plan is the output of the planner for one update cycle: a mode and the regions (for
// FULL, conventionally the whole panel) it covers.
type Plan struct {
	Mode      Mode
	Regions   []image.Rectangle
	Timestamp float64
}

// Driver commits a plan to the physical panel.
type Driver interface {
	Refresh(ctx context.Context, plan Plan) error
}

// ErrQueueFull is returned by Submit when the bounded request queue has no room.
var ErrQueueFull = errors.New("refresh: queue full")

// Result is a future-like handle resolving once the driver has processed (or failed) the
// corresponding request.
type Result struct {
	ch chan error
}

func newResult() *Result {
	return &Result{ch: make(chan error, 1)}
}

// Wait blocks until the request completes or ctx is cancelled.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case err := <-r.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Result) resolve(err error) {
	select {
	case r.ch <- err:
	default:
	}
}

// Config carries the planner's tunable thresholds. New uses it as given; zero-value fields
// are not replaced with the DefaultConfig values.
type Config struct {
	PanelWidth, PanelHeight int
	PartialBudget           int
	FullInterval            time.Duration
	MinPartialAreaPx        int
	MaxRegions              int
	MinRefreshInterval      time.Duration
	RapidWindow             time.Duration
	RapidGuard              time.Duration
	AlignX, AlignY          int // controller alignment: horizontal byte boundary, vertical row boundary
}

// DefaultConfig matches the spec's reasonable defaults.
func DefaultConfig(panelWidth, panelHeight int) Config {
	return Config{
		PanelWidth:         panelWidth,
		PanelHeight:        panelHeight,
		PartialBudget:      3,
		FullInterval:       300 * time.Second,
		MinPartialAreaPx:   64,
		MaxRegions:         8,
		MinRefreshInterval: 100 * time.Millisecond,
		RapidWindow:        500 * time.Millisecond,
		RapidGuard:         time.Second,
		AlignX:             8,
		AlignY:             1,
	}
}

type request struct {
	regions  []image.Rectangle
	fastHint bool
	ts       float64
	result   *Result
}

// Planner merges dirty regions into refresh plans and drains them to a Driver on a
// background goroutine, one at a time, off a bounded queue.
type Planner struct {
	cfg    Config
	driver Driver

	queue chan request
	done  chan struct{}

	partialsSinceFull int
	lastFull          float64
	recentPartials    []float64 // timestamps of partials since the last full, for rapid-promotion detection

	counters *telemetry.Counters
}

// New constructs a Planner bound to driver, registering its counters against reg (which may
// be nil).
func New(driver Driver, cfg Config, reg *prometheus.Registry) *Planner {
	return &Planner{
		cfg:    cfg,
		driver: driver,
		queue:  make(chan request, 10),
		done:   make(chan struct{}),
		counters: telemetry.NewCounters(reg, "refresh", map[string]string{
			"plans_total":   "refresh plans computed, by mode",
			"submits_total": "refresh requests submitted",
			"cancels_total": "queued partial requests cancelled by a later full request",
		}),
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Planner) Run(ctx context.Context) {
	for {
		select {
		case req := <-p.queue:
			p.process(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues dirty regions for planning. When a dequeued request's plan resolves to
// FULL, every request still waiting behind it in the queue is resolved with a nil error
// without being planned or sent to the driver, since that full refresh covers the panel.
func (p *Planner) Submit(regions []image.Rectangle, fastHint bool, ts float64) (*Result, error) {
	p.counters.Inc("submits_total", "")
	res := newResult()
	req := request{regions: regions, fastHint: fastHint, ts: ts, result: res}

	select {
	case p.queue <- req:
		return res, nil
	default:
		return nil, ErrQueueFull
	}
}

func (p *Planner) process(ctx context.Context, req request) {
	plan := p.plan(req.regions, req.fastHint, req.ts)
	p.counters.Inc("plans_total", plan.Mode.String())

	if plan.Mode == Full {
		p.drainQueuedPartials()
	}

	err := p.driver.Refresh(ctx, plan)
	req.result.resolve(err)
}

// drainQueuedPartials discards every request still sitting in the queue, since the full
// refresh about to be issued covers their dirty regions too.
func (p *Planner) drainQueuedPartials() {
	for {
		select {
		case req := <-p.queue:
			p.counters.Inc("cancels_total", "")
			req.result.resolve(nil)
		default:
			return
		}
	}
}

// plan implements the merge/promote/align algorithm against the planner's running state.
// Exported as a method (rather than a free function) because the rapid-promotion and
// partials-since-last-full counters are stateful across calls.
func (p *Planner) plan(regions []image.Rectangle, fastHint bool, ts float64) Plan {
	merged := mergeRegions(regions)
	merged = collapseIfTiny(merged, p.cfg.MinPartialAreaPx)
	merged = capRegionCount(merged, p.cfg.MaxRegions)

	panelArea := p.cfg.PanelWidth * p.cfg.PanelHeight
	dirtyArea := totalArea(merged)

	full := p.partialsSinceFull >= p.cfg.PartialBudget ||
		(p.lastFull > 0 && ts-p.lastFull >= p.cfg.FullInterval.Seconds()) ||
		(panelArea > 0 && dirtyArea*2 >= panelArea)

	if !full {
		full = p.rapidGhostingPromotion(ts)
	}

	if full {
		p.partialsSinceFull = 0
		p.lastFull = ts
		p.recentPartials = nil
		return Plan{Mode: Full, Regions: []image.Rectangle{image.Rect(0, 0, p.cfg.PanelWidth, p.cfg.PanelHeight)}, Timestamp: ts}
	}

	p.partialsSinceFull++
	p.recentPartials = append(p.recentPartials, ts)

	mode := PartialBalanced
	if fastHint {
		mode = PartialFast
	}
	aligned := make([]image.Rectangle, len(merged))
	for i, r := range merged {
		aligned[i] = p.align(r)
	}
	return Plan{Mode: mode, Regions: aligned, Timestamp: ts}
}

// rapidGhostingPromotion reports whether two or more partials have landed within
// RapidWindow of each other and no full refresh has happened within RapidGuard, which
// would otherwise let ghosting accumulate indefinitely under a steady trickle of partials.
func (p *Planner) rapidGhostingPromotion(ts float64) bool {
	if p.lastFull > 0 && ts-p.lastFull < p.cfg.RapidGuard.Seconds() {
		return false
	}
	rapid := 0
	for _, t := range p.recentPartials {
		if ts-t < p.cfg.RapidWindow.Seconds() {
			rapid++
		}
	}
	return rapid >= 2
}

// align snaps r outward to the controller's byte/row boundaries, then clamps the result to
// the panel bounds so a region near the edge never aligns past PanelWidth/PanelHeight even
// when they aren't exact multiples of AlignX/AlignY.
func (p *Planner) align(r image.Rectangle) image.Rectangle {
	ax, ay := p.cfg.AlignX, p.cfg.AlignY
	if ax <= 1 && ay <= 1 {
		return r
	}
	minX := (r.Min.X / ax) * ax
	maxX := ((r.Max.X + ax - 1) / ax) * ax
	minY := (r.Min.Y / ay) * ay
	maxY := ((r.Max.Y + ay - 1) / ay) * ay

	if maxX > p.cfg.PanelWidth {
		maxX = p.cfg.PanelWidth
	}
	if maxY > p.cfg.PanelHeight {
		maxY = p.cfg.PanelHeight
	}
	if minX > maxX {
		minX = maxX
	}
	if minY > maxY {
		minY = maxY
	}
	return image.Rect(minX, minY, maxX, maxY)
}

// mergeRegions repeatedly unions any two rectangles that touch or overlap until no pair
// does, producing a minimal covering set.
func mergeRegions(regions []image.Rectangle) []image.Rectangle {
	merged := append([]image.Rectangle(nil), regions...)
	for {
		i, j, ok := findOverlap(merged)
		if !ok {
			return merged
		}
		union := merged[i].Union(merged[j])
		merged = append(merged[:j], merged[j+1:]...)
		merged[i] = union
	}
}

func findOverlap(regions []image.Rectangle) (int, int, bool) {
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if touches(regions[i], regions[j]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func touches(a, b image.Rectangle) bool {
	grown := image.Rect(a.Min.X-1, a.Min.Y-1, a.Max.X+1, a.Max.Y+1)
	return !grown.Intersect(b).Empty()
}

func collapseIfTiny(regions []image.Rectangle, minArea int) []image.Rectangle {
	if totalArea(regions) >= minArea || len(regions) == 0 {
		return regions
	}
	bound := regions[0]
	for _, r := range regions[1:] {
		bound = bound.Union(r)
	}
	return []image.Rectangle{bound}
}

// capRegionCount repeatedly merges the two smallest-by-area regions until at most max
// remain.
func capRegionCount(regions []image.Rectangle, max int) []image.Rectangle {
	for len(regions) > max {
		sort.Slice(regions, func(i, j int) bool {
			return area(regions[i]) < area(regions[j])
		})
		union := regions[0].Union(regions[1])
		regions = append(regions[2:], union)
	}
	return regions
}

func totalArea(regions []image.Rectangle) int {
	sum := 0
	for _, r := range regions {
		sum += area(r)
	}
	return sum
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
