// Package anomaly evaluates the fleet rule set and owns the Alert
// lifecycle. Every (robot_id, rule type) pair is a small state machine
// with states CLEAR and FIRING; only the CLEAR to FIRING edge creates an
// Alert, so duplicate evaluation is harmless.
package anomaly

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/health"
	"fleetwatch/internal/store"
)

// Publisher receives alert fire/clear events. The broadcast hub
// satisfies it.
type Publisher interface {
	Publish(evt domain.Event)
}

// AlertSink persists alert records. repo.Repo satisfies it.
type AlertSink interface {
	InsertAlert(ctx context.Context, a domain.Alert) error
	SetAlertAck(ctx context.Context, alertID, ackStatus, ackBy string, ackAt time.Time) error
}

type key struct {
	robotID string
	typ     string
}

type ruleState struct {
	firing bool
	alert  *domain.Alert
}

// Detector holds the rule table. All methods are safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	cfg      *config.Config
	store    *store.Store
	sink     AlertSink
	pub      Publisher
	states   map[key]*ruleState
	byID     map[string]key
	lastSeen map[string]time.Time   // robotID|fingerprint: last error arrival
	spikes   map[string][]time.Time // robotID|fingerprint: arrivals in the spike window
	lastOver map[string]time.Time   // robotID: last instant any fingerprint exceeded the spike threshold
	Now      func() time.Time
}

func NewDetector(cfg *config.Config, st *store.Store, sink AlertSink, pub Publisher) *Detector {
	return &Detector{
		cfg:      cfg,
		store:    st,
		sink:     sink,
		pub:      pub,
		states:   make(map[key]*ruleState),
		byID:     make(map[string]key),
		lastSeen: make(map[string]time.Time),
		spikes:   make(map[string][]time.Time),
		lastOver: make(map[string]time.Time),
		Now:      time.Now,
	}
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Detector) state(k key) *ruleState {
	st, ok := d.states[k]
	if !ok {
		st = &ruleState{}
		d.states[k] = st
	}
	return st
}

// OnReport re-evaluates the rules a fresh health report can change:
// offline clears immediately, version lag is rechecked against the
// fleet's modal version.
func (d *Detector) OnReport(ctx context.Context, view store.RobotView) {
	modal, versions := d.fleetVersions()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear(ctx, key{view.Robot.RobotID, domain.AlertOffline})
	d.evalVersionLag(ctx, view.Robot, modal, versions)
}

// OnError feeds the error and spike rules with one new event.
func (d *Detector) OnError(ctx context.Context, evt domain.ErrorEvent) {
	if evt.Fingerprint == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	fpKey := evt.RobotID + "|" + evt.Fingerprint
	last, seen := d.lastSeen[fpKey]
	d.lastSeen[fpKey] = evt.TS

	if !seen || evt.TS.Sub(last) > d.cfg.ErrorDedupWindow() {
		d.fire(ctx, key{evt.RobotID, domain.AlertError}, domain.SeverityP2,
			fmt.Sprintf("new error %s: %s", evt.Fingerprint, evt.Message), evt.TS)
	}

	window := d.cfg.SpikeWindow()
	arrivals := append(d.spikes[fpKey], evt.TS)
	arrivals = pruneBefore(arrivals, evt.TS.Add(-window))
	d.spikes[fpKey] = arrivals
	if len(arrivals) >= d.cfg.Anomaly.SpikeThreshold {
		d.lastOver[evt.RobotID] = evt.TS
		d.fire(ctx, key{evt.RobotID, domain.AlertSpike}, domain.SeverityP1,
			fmt.Sprintf("error spike: %d x %s within %s", len(arrivals), evt.Fingerprint, window), evt.TS)
	}
}

// Sweep runs every rule over a store snapshot. Required for silence-based
// detection: going quiet produces no inbound event. Cancellation is
// honored between robots so a partial sweep never leaves a robot's rules
// half-evaluated.
func (d *Detector) Sweep(ctx context.Context) error {
	now := d.now().UTC()
	modal, versions := d.fleetVersions()
	for _, view := range d.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.sweepRobot(ctx, view, now, modal, versions)
	}
	return nil
}

func (d *Detector) sweepRobot(ctx context.Context, view store.RobotView, now time.Time, modal string, versions []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	robotID := view.Robot.RobotID
	heartbeat := health.HeartbeatInterval(view.Latest, d.cfg.HeartbeatInterval())
	threshold := d.cfg.OfflineThreshold(heartbeat)
	silence := now.Sub(view.Robot.LastSeenAt)
	if view.Robot.LastSeenAt.IsZero() {
		silence = 0
	}
	if silence > threshold {
		d.fire(ctx, key{robotID, domain.AlertOffline}, domain.SeverityP1,
			fmt.Sprintf("no heartbeat for %s (threshold %s)", silence.Round(time.Second), threshold), now)
	} else {
		d.clear(ctx, key{robotID, domain.AlertOffline})
	}

	// spike clears only after a full quiet window below threshold
	if over, ok := d.lastOver[robotID]; !ok || now.Sub(over) >= d.cfg.SpikeWindow() {
		d.clear(ctx, key{robotID, domain.AlertSpike})
	}

	// error rule clears once the robot has been error-free for the dedup window
	quiet := true
	cutoff := now.Add(-d.cfg.ErrorDedupWindow())
	for _, evt := range view.Errors {
		if evt.TS.After(cutoff) {
			quiet = false
			break
		}
	}
	if quiet {
		d.clear(ctx, key{robotID, domain.AlertError})
	}

	d.evalVersionLag(ctx, view.Robot, modal, versions)
}

// fleetVersions returns the modal version and the ascending list of
// distinct versions currently reported across the fleet.
func (d *Detector) fleetVersions() (string, []string) {
	counts := make(map[string]int)
	for _, robot := range d.store.ListRobots() {
		if robot.Version != "" {
			counts[robot.Version]++
		}
	}
	modal := ""
	for v, n := range counts {
		if modal == "" || n > counts[modal] || (n == counts[modal] && compareVersions(v, modal) > 0) {
			modal = v
		}
	}
	versions := make([]string, 0, len(counts))
	for v := range counts {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return modal, versions
}

func (d *Detector) evalVersionLag(ctx context.Context, robot domain.Robot, modal string, versions []string) {
	k := key{robot.RobotID, domain.AlertVersionLag}
	if robot.Version == "" || modal == "" || robot.Version == modal {
		d.clear(ctx, k)
		return
	}
	lag := releaseDistance(versions, robot.Version, modal)
	if lag > d.cfg.Anomaly.VersionLagReleases {
		d.fire(ctx, k, domain.SeverityP2,
			fmt.Sprintf("version %s is %d releases behind fleet version %s", robot.Version, lag, modal), d.now().UTC())
	} else {
		d.clear(ctx, k)
	}
}

// releaseDistance counts how many known releases separate a robot's
// version from the fleet's modal one; zero or negative means not behind.
func releaseDistance(versions []string, have, modal string) int {
	idx := func(v string) int {
		for i, cand := range versions {
			if cand == v {
				return i
			}
		}
		return -1
	}
	hi, mi := idx(have), idx(modal)
	if hi < 0 || mi < 0 {
		return 0
	}
	return mi - hi
}

// compareVersions orders dotted-integer versions; non-numeric segments
// fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			return strings.Compare(av, bv)
		}
	}
	return 0
}

// fire transitions a key to FIRING. Creating the Alert happens only on
// the CLEAR to FIRING edge and only when no alert is already open for the
// key, so re-fires while pending or acknowledged are no-ops.
func (d *Detector) fire(ctx context.Context, k key, severity, message string, at time.Time) {
	st := d.state(k)
	st.firing = true
	if st.alert != nil {
		return
	}
	alert := domain.Alert{
		AlertID:   uuid.NewString(),
		RobotID:   k.robotID,
		Severity:  severity,
		Type:      k.typ,
		Message:   message,
		FiredAt:   at.UTC(),
		AckStatus: domain.AckPending,
	}
	st.alert = &alert
	d.byID[alert.AlertID] = k
	if d.sink != nil {
		if err := d.sink.InsertAlert(ctx, alert); err != nil {
			log.Printf("anomaly: persist alert robot=%s type=%s: %v", k.robotID, k.typ, err)
		}
	}
	d.publish(domain.EventAlertFired, alert)
}

// clear transitions a key to CLEAR. Pending alerts resolve automatically;
// acknowledged alerts stay open for an explicit human resolve.
func (d *Detector) clear(ctx context.Context, k key) {
	st, ok := d.states[k]
	if !ok {
		return
	}
	st.firing = false
	if st.alert == nil || st.alert.AckStatus != domain.AckPending {
		return
	}
	now := d.now().UTC()
	st.alert.AckStatus = domain.AckResolved
	st.alert.AckAt = &now
	if d.sink != nil {
		if err := d.sink.SetAlertAck(ctx, st.alert.AlertID, domain.AckResolved, "", now); err != nil {
			log.Printf("anomaly: resolve alert %s: %v", st.alert.AlertID, err)
		}
	}
	d.publish(domain.EventAlertResolved, *st.alert)
	delete(d.byID, st.alert.AlertID)
	st.alert = nil
}

func (d *Detector) publish(evtType string, alert domain.Alert) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(domain.Event{
		Type:    evtType,
		TS:      d.now().UTC(),
		RobotID: alert.RobotID,
		Payload: map[string]any{
			"alert_id": alert.AlertID,
			"severity": alert.Severity,
			"type":     alert.Type,
			"message":  alert.Message,
		},
	})
}

// OpenAlerts returns every pending or acknowledged alert, newest first.
func (d *Detector) OpenAlerts() []domain.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []domain.Alert
	for _, st := range d.states {
		if st.alert != nil {
			res = append(res, *st.alert)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].FiredAt.After(res[j].FiredAt) })
	return res
}

// Ack marks an open alert as acknowledged by a human. Acknowledged
// alerts no longer auto-resolve when their condition clears.
func (d *Detector) Ack(ctx context.Context, alertID, by string) (domain.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.openByID(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	now := d.now().UTC()
	st.alert.AckStatus = domain.AckAcknowledged
	st.alert.AckBy = by
	st.alert.AckAt = &now
	if d.sink != nil {
		if err := d.sink.SetAlertAck(ctx, alertID, domain.AckAcknowledged, by, now); err != nil {
			return domain.Alert{}, err
		}
	}
	return *st.alert, nil
}

// Resolve closes an open alert explicitly. The key returns to CLEAR; if
// the condition still holds the next evaluation opens a fresh alert.
func (d *Detector) Resolve(ctx context.Context, alertID, by string) (domain.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := d.openByID(alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	now := d.now().UTC()
	resolved := *st.alert
	resolved.AckStatus = domain.AckResolved
	resolved.AckBy = by
	resolved.AckAt = &now
	if d.sink != nil {
		if err := d.sink.SetAlertAck(ctx, alertID, domain.AckResolved, by, now); err != nil {
			return domain.Alert{}, err
		}
	}
	d.publish(domain.EventAlertResolved, resolved)
	delete(d.byID, alertID)
	st.alert = nil
	st.firing = false
	return resolved, nil
}

func (d *Detector) openByID(alertID string) (*ruleState, error) {
	k, ok := d.byID[alertID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st := d.states[k]
	if st == nil || st.alert == nil {
		return nil, store.ErrNotFound
	}
	return st, nil
}

// Restore rebuilds the open-alert table from persisted alerts on startup.
func (d *Detector) Restore(alerts []domain.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range alerts {
		if !a.Open() {
			continue
		}
		alert := a
		k := key{a.RobotID, a.Type}
		st := d.state(k)
		st.firing = true
		st.alert = &alert
		d.byID[a.AlertID] = k
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
