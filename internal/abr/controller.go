package abr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"audio-delivery/internal/events"
	"audio-delivery/internal/quality"
)

var (
	// ErrListenerNotFound is returned for operations on an unregistered listener.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrInvalidPreferences is returned when minQuality is above maxQuality.
	ErrInvalidPreferences = errors.New("invalid quality preferences")
)

// Reason explains a quality change.
type Reason string

const (
	ReasonAdaptive   Reason = "adaptive"
	ReasonEmergency  Reason = "emergency"
	ReasonPreference Reason = "preference"
	ReasonManual     Reason = "manual"
)

// Config holds the adaptation thresholds. Zero fields take the defaults.
type Config struct {
	SampleWindow    time.Duration
	MaxSamples      int
	MinSamples      int
	Cooldown        time.Duration
	EmergencyBuffer float64 // segments
	MaxBuffer       float64 // segments
	UpgradeMargin   float64
	SafetyMargin    float64
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	HistoryLimit    int
	DefaultQuality  quality.Name

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SampleWindow <= 0 {
		c.SampleWindow = 5 * time.Second
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 50
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.EmergencyBuffer <= 0 {
		c.EmergencyBuffer = 1
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 10
	}
	if c.UpgradeMargin <= 0 {
		c.UpgradeMargin = 1.2
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 1.1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.DefaultQuality == "" {
		c.DefaultQuality = quality.Default
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Metrics is one telemetry push from a player. Nil fields are not reported.
type Metrics struct {
	Bandwidth   *float64        `json:"bandwidth,omitempty"`   // kbps
	Latency     *float64        `json:"latency,omitempty"`     // ms
	BufferLevel *float64        `json:"bufferLevel,omitempty"` // segments
	Connection  *ConnectionInfo `json:"connectionInfo,omitempty"`
	Segment     *SegmentMetrics `json:"segmentMetrics,omitempty"`
}

// ConnectionInfo mirrors what browsers expose through the Network Information API.
type ConnectionInfo struct {
	Type          string  `json:"type,omitempty"`
	EffectiveType string  `json:"effectiveType,omitempty"`
	Downlink      float64 `json:"downlink,omitempty"` // Mbps
	RTT           float64 `json:"rtt,omitempty"`      // ms
}

// SegmentMetrics describes the download of one segment.
type SegmentMetrics struct {
	Index      int     `json:"index"`
	Bytes      int64   `json:"bytes"`
	DownloadMs float64 `json:"downloadMs"`
}

// Preferences bounds the renditions a listener may receive. Empty or nil
// fields leave the current setting unchanged.
type Preferences struct {
	MinQuality quality.Name `json:"minQuality,omitempty"`
	MaxQuality quality.Name `json:"maxQuality,omitempty"`
	AutoAdapt  *bool        `json:"autoAdapt,omitempty"`
}

// Adaptation records one quality transition.
type Adaptation struct {
	From      quality.Name `json:"from"`
	To        quality.Name `json:"to"`
	Reason    Reason       `json:"reason"`
	Time      time.Time    `json:"time"`
	Bandwidth float64      `json:"bandwidth"`
	Buffer    float64      `json:"buffer"`
}

// State is a snapshot of one listener's network state.
type State struct {
	ListenerID         string            `json:"userId"`
	Quality            quality.Rendition `json:"quality"`
	MinQuality         quality.Name      `json:"minQuality"`
	MaxQuality         quality.Name      `json:"maxQuality"`
	AutoAdapt          bool              `json:"autoAdapt"`
	BufferLevel        float64           `json:"bufferLevel"`
	Latency            float64           `json:"latency"`
	EstimatedBandwidth float64           `json:"estimatedBandwidth"`
	Connection         ConnectionInfo    `json:"connectionInfo"`
	Samples            []Sample          `json:"samples"`
	LastAdaptation     time.Time         `json:"lastAdaptation"`
	History            []Adaptation      `json:"history"`
	QualityUpgrades    int               `json:"qualityUpgrades"`
	QualityDowngrades  int               `json:"qualityDowngrades"`
}

// Stats are controller-wide counters.
type Stats struct {
	Listeners   int   `json:"listeners"`
	Adaptations int64 `json:"adaptations"`
	Upgrades    int64 `json:"upgrades"`
	Downgrades  int64 `json:"downgrades"`
}

type listener struct {
	mu sync.Mutex

	id         string
	current    quality.Rendition
	min, max   quality.Rendition
	autoAdapt  bool
	buffer     float64
	hasBuffer  bool
	latency    float64
	connection ConnectionInfo
	samples    sampleRing

	registeredAt   time.Time
	lastAdaptation time.Time
	lastSample     time.Time
	lastSeen       time.Time
	history        []Adaptation
	upgrades       int
	downgrades     int
}

// Controller keeps per-listener network state and decides which rendition each
// listener should receive next. Upgrades are conservative, downgrades are not.
type Controller struct {
	cfg Config
	log *slog.Logger
	bus *events.Bus

	mu        sync.RWMutex
	listeners map[string]*listener

	adaptations atomic.Int64
	upgrades    atomic.Int64
	downgrades  atomic.Int64
}

// NewController returns a Controller. bus may be nil.
func NewController(cfg Config, bus *events.Bus, log *slog.Logger) *Controller {
	return &Controller{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		listeners: make(map[string]*listener),
	}
}

// RegisterUser creates the listener's state, or resets the current quality of
// an existing listener while keeping its samples and preferences.
func (c *Controller) RegisterUser(listenerID string, initial quality.Name) (State, error) {
	if initial == "" {
		initial = c.cfg.DefaultQuality
	}
	r, err := quality.Lookup(initial)
	if err != nil {
		return State{}, err
	}
	now := c.cfg.Now()

	c.mu.Lock()
	l, ok := c.listeners[listenerID]
	if !ok {
		l = &listener{
			id:           listenerID,
			min:          quality.Min(),
			max:          quality.Max(),
			autoAdapt:    true,
			samples:      newSampleRing(c.cfg.MaxSamples),
			registeredAt: now,
		}
		c.listeners[listenerID] = l
	}
	c.mu.Unlock()

	l.mu.Lock()
	l.current = quality.Clamp(r, l.min, l.max)
	l.registeredAt = now
	st := c.snapshotLocked(l)
	l.mu.Unlock()

	c.log.Debug("listener registered",
		slog.String("user_id", listenerID),
		slog.String("quality", string(st.Quality.Name)),
		slog.Bool("existing", ok))
	c.bus.Publish(events.Event{
		Type:       events.UserRegistered,
		ListenerID: listenerID,
		Data:       map[string]any{"quality": string(st.Quality.Name)},
	})
	return st, nil
}

// UnregisterUser drops the listener's state. It reports whether it existed.
func (c *Controller) UnregisterUser(listenerID string) bool {
	c.mu.Lock()
	_, ok := c.listeners[listenerID]
	delete(c.listeners, listenerID)
	c.mu.Unlock()
	if ok {
		c.bus.Publish(events.Event{Type: events.UserRemoved, ListenerID: listenerID})
	}
	return ok
}

// UpdateMetrics folds a telemetry push into the listener's state, runs an
// adaptation check when auto-adapt is on, and returns the recommendation.
func (c *Controller) UpdateMetrics(listenerID string, m Metrics) (quality.Rendition, error) {
	l, err := c.get(listenerID)
	if err != nil {
		return quality.Rendition{}, err
	}
	now := c.cfg.Now()

	l.mu.Lock()
	if m.Latency != nil {
		l.latency = *m.Latency
	} else if m.Connection != nil && m.Connection.RTT > 0 {
		l.latency = m.Connection.RTT
	}
	if m.Connection != nil {
		l.connection = *m.Connection
	}
	if bw := sampleBandwidth(m); bw > 0 {
		l.samples.push(Sample{Time: now, Bandwidth: bw, Latency: l.latency})
		l.lastSample = now
	}
	l.samples.prune(now.Add(-c.cfg.SampleWindow))
	if m.BufferLevel != nil {
		l.buffer = *m.BufferLevel
		l.hasBuffer = true
	}

	var change *Adaptation
	if l.autoAdapt {
		change = c.checkAdaptationLocked(l, now)
	}
	rec := l.current
	l.mu.Unlock()

	if change != nil {
		c.publishChange(listenerID, *change)
	}
	return rec, nil
}

// sampleBandwidth picks the best bandwidth figure in m: an explicit
// measurement, then the last segment's throughput, then the browser estimate.
func sampleBandwidth(m Metrics) float64 {
	switch {
	case m.Bandwidth != nil:
		return *m.Bandwidth
	case m.Segment != nil && m.Segment.DownloadMs > 0 && m.Segment.Bytes > 0:
		// bits per millisecond is kbps
		return float64(m.Segment.Bytes*8) / m.Segment.DownloadMs
	case m.Connection != nil && m.Connection.Downlink > 0:
		return m.Connection.Downlink * 1000
	}
	return 0
}

// checkAdaptationLocked applies the decision policy and changes quality when
// the outcome differs. Caller must hold l.mu.
func (c *Controller) checkAdaptationLocked(l *listener, now time.Time) *Adaptation {
	if !l.lastAdaptation.IsZero() && now.Sub(l.lastAdaptation) < c.cfg.Cooldown {
		return nil
	}

	// Buffer starvation does not wait for bandwidth history.
	if l.hasBuffer && l.buffer <= c.cfg.EmergencyBuffer {
		if l.current.Index != l.min.Index {
			a := c.changeQualityLocked(l, l.min, ReasonEmergency, now)
			return &a
		}
		return nil
	}

	if l.samples.len() < c.cfg.MinSamples {
		return nil
	}

	est := estimateBandwidth(l.samples.slice())
	target, upgraded := quality.Rendition{}, false
	if l.hasBuffer && l.buffer >= c.cfg.MaxBuffer {
		if next, ok := l.current.Up(); ok && est > float64(next.Bitrate)*c.cfg.UpgradeMargin {
			target, upgraded = next, true
		}
	}
	if !upgraded {
		target = c.sustainable(est)
	}
	target = quality.Clamp(target, l.min, l.max)

	if target.Index == l.current.Index {
		return nil
	}
	a := c.changeQualityLocked(l, target, ReasonAdaptive, now)
	return &a
}

// sustainable returns the highest rendition whose bitrate fits within the
// estimate after the safety margin, or the catalog minimum.
func (c *Controller) sustainable(est float64) quality.Rendition {
	budget := est / c.cfg.SafetyMargin
	all := quality.All()
	for i := len(all) - 1; i >= 0; i-- {
		if float64(all[i].Bitrate) <= budget {
			return all[i]
		}
	}
	return quality.Min()
}

// changeQualityLocked switches the listener to r and records the transition.
// Caller must hold l.mu.
func (c *Controller) changeQualityLocked(l *listener, r quality.Rendition, reason Reason, now time.Time) Adaptation {
	a := Adaptation{
		From:      l.current.Name,
		To:        r.Name,
		Reason:    reason,
		Time:      now,
		Bandwidth: estimateBandwidth(l.samples.slice()),
		Buffer:    l.buffer,
	}
	if r.Index > l.current.Index {
		l.upgrades++
		c.upgrades.Add(1)
	} else {
		l.downgrades++
		c.downgrades.Add(1)
	}
	c.adaptations.Add(1)

	l.current = r
	l.lastAdaptation = now
	l.history = append(l.history, a)
	if over := len(l.history) - c.cfg.HistoryLimit; over > 0 {
		l.history = append([]Adaptation(nil), l.history[over:]...)
	}
	return a
}

func (c *Controller) publishChange(listenerID string, a Adaptation) {
	c.log.Info("quality adapted",
		slog.String("user_id", listenerID),
		slog.String("from", string(a.From)),
		slog.String("to", string(a.To)),
		slog.String("reason", string(a.Reason)),
		slog.Float64("bandwidth_kbps", a.Bandwidth),
		slog.Float64("buffer", a.Buffer))
	c.bus.Publish(events.Event{
		Type:       events.QualityAdapted,
		ListenerID: listenerID,
		Time:       a.Time,
		Data: map[string]any{
			"from":      string(a.From),
			"to":        string(a.To),
			"reason":    string(a.Reason),
			"bandwidth": a.Bandwidth,
			"buffer":    a.Buffer,
		},
	})
}

// GetQualityRecommendation returns the listener's current rendition.
func (c *Controller) GetQualityRecommendation(listenerID string) (quality.Rendition, error) {
	l, err := c.get(listenerID)
	if err != nil {
		return quality.Rendition{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, nil
}

// SetUserPreferences updates the listener's bounds and auto-adapt flag. When the
// new bounds exclude the current rendition it moves to the nearest bound.
func (c *Controller) SetUserPreferences(listenerID string, p Preferences) (State, error) {
	l, err := c.get(listenerID)
	if err != nil {
		return State{}, err
	}

	l.mu.Lock()
	lo, hi := l.min, l.max
	if p.MinQuality != "" {
		if lo, err = quality.Lookup(p.MinQuality); err != nil {
			l.mu.Unlock()
			return State{}, err
		}
	}
	if p.MaxQuality != "" {
		if hi, err = quality.Lookup(p.MaxQuality); err != nil {
			l.mu.Unlock()
			return State{}, err
		}
	}
	if lo.Index > hi.Index {
		l.mu.Unlock()
		return State{}, fmt.Errorf("%w: min %s above max %s", ErrInvalidPreferences, lo.Name, hi.Name)
	}
	l.min, l.max = lo, hi
	if p.AutoAdapt != nil {
		l.autoAdapt = *p.AutoAdapt
	}

	var change *Adaptation
	if clamped := quality.Clamp(l.current, lo, hi); clamped.Index != l.current.Index {
		a := c.changeQualityLocked(l, clamped, ReasonPreference, c.cfg.Now())
		change = &a
	}
	st := c.snapshotLocked(l)
	l.mu.Unlock()

	if change != nil {
		c.publishChange(listenerID, *change)
	}
	return st, nil
}

// SetQuality pins the listener to a rendition, limited to its preference range.
func (c *Controller) SetQuality(listenerID string, name quality.Name) (quality.Rendition, error) {
	r, err := quality.Lookup(name)
	if err != nil {
		return quality.Rendition{}, err
	}
	l, err := c.get(listenerID)
	if err != nil {
		return quality.Rendition{}, err
	}

	l.mu.Lock()
	var change *Adaptation
	if target := quality.Clamp(r, l.min, l.max); target.Index != l.current.Index {
		a := c.changeQualityLocked(l, target, ReasonManual, c.cfg.Now())
		change = &a
	}
	cur := l.current
	l.mu.Unlock()

	if change != nil {
		c.publishChange(listenerID, *change)
	}
	return cur, nil
}

// GetUserState returns a snapshot of the listener's state.
func (c *Controller) GetUserState(listenerID string) (State, error) {
	l, err := c.get(listenerID)
	if err != nil {
		return State{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return c.snapshotLocked(l), nil
}

// Stats returns controller-wide counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	n := len(c.listeners)
	c.mu.RUnlock()
	return Stats{
		Listeners:   n,
		Adaptations: c.adaptations.Load(),
		Upgrades:    c.upgrades.Load(),
		Downgrades:  c.downgrades.Load(),
	}
}

// Touch marks the listener as active without reporting telemetry, so a
// listener that only pulls segments is not purged by Sweep.
func (c *Controller) Touch(listenerID string) {
	l, err := c.get(listenerID)
	if err != nil {
		return
	}
	now := c.cfg.Now()
	l.mu.Lock()
	l.lastSeen = now
	l.mu.Unlock()
}

// Sweep removes listeners with no adaptation, no bandwidth sample and no
// Touch within the idle timeout. It returns the number removed.
func (c *Controller) Sweep() int {
	cutoff := c.cfg.Now().Add(-c.cfg.IdleTimeout)

	c.mu.Lock()
	var removed []string
	for id, l := range c.listeners {
		l.mu.Lock()
		last := l.registeredAt
		if l.lastAdaptation.After(last) {
			last = l.lastAdaptation
		}
		if l.lastSample.After(last) {
			last = l.lastSample
		}
		if l.lastSeen.After(last) {
			last = l.lastSeen
		}
		l.mu.Unlock()
		if last.Before(cutoff) {
			delete(c.listeners, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	for _, id := range removed {
		c.bus.Publish(events.Event{Type: events.UserRemoved, ListenerID: id, Data: map[string]any{"reason": "idle"}})
	}
	if len(removed) > 0 {
		c.log.Info("idle listeners purged", slog.Int("count", len(removed)))
	}
	return len(removed)
}

// Run sweeps idle listeners every SweepInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Controller) get(listenerID string) (*listener, error) {
	c.mu.RLock()
	l, ok := c.listeners[listenerID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrListenerNotFound, listenerID)
	}
	return l, nil
}

// snapshotLocked copies l into a State. Caller must hold l.mu.
func (c *Controller) snapshotLocked(l *listener) State {
	samples := l.samples.slice()
	return State{
		ListenerID:         l.id,
		Quality:            l.current,
		MinQuality:         l.min.Name,
		MaxQuality:         l.max.Name,
		AutoAdapt:          l.autoAdapt,
		BufferLevel:        l.buffer,
		Latency:            l.latency,
		EstimatedBandwidth: estimateBandwidth(samples),
		Connection:         l.connection,
		Samples:            samples,
		LastAdaptation:     l.lastAdaptation,
		History:            append([]Adaptation(nil), l.history...),
		QualityUpgrades:    l.upgrades,
		QualityDowngrades:  l.downgrades,
	}
}
