package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"ledger/internal/ledger/models"
	"ledger/pkg/platform/audit"
)

// heuristic evaluates one rule over entries sorted oldest first.
type heuristic func(entries []*models.Entry, cfg Config, now time.Time) []Finding

func isFailedLogin(e *models.Entry) bool {
	switch e.EventType {
	case audit.EventFailedLogin:
		return true
	case audit.EventLoginAttempt, audit.EventLoginSuccess:
		return e.Result == audit.ResultFailure
	}
	return false
}

func isRead(e *models.Entry) bool {
	return e.EventType == audit.EventDataRead || e.EventType == audit.EventDocumentDownloaded
}

func isExport(e *models.Entry) bool {
	return e.EventType == audit.EventDataExport
}

// isLedgerGenerated reports entries the ledger writes about itself; they
// never count as user activity.
func isLedgerGenerated(e *models.Entry) bool {
	return e.EventType == audit.EventAnomalyDetected || e.EventType == audit.EventAuditChainIntegrityViolation
}

// group keeps entry order within each key and returns keys sorted.
func group(entries []*models.Entry, include func(*models.Entry) bool, key func(*models.Entry) string) ([]string, map[string][]*models.Entry) {
	groups := make(map[string][]*models.Entry)
	for _, e := range entries {
		if isLedgerGenerated(e) || !include(e) {
			continue
		}
		k := key(e)
		if k == "" {
			continue
		}
		groups[k] = append(groups[k], e)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}

// densest finds the window [t, t+window) holding the most entries. It returns
// the bounds of that run as indexes into entries.
func densest(entries []*models.Entry, window time.Duration) (count, first, last int) {
	lo := 0
	for hi := range entries {
		for entries[hi].Timestamp.Sub(entries[lo].Timestamp) >= window {
			lo++
		}
		if n := hi - lo + 1; n > count {
			count, first, last = n, lo, hi
		}
	}
	return count, first, last
}

// densestDistinct slides a window and finds where the most distinct values of
// attr appear. Entries with an empty attr are skipped.
func densestDistinct(entries []*models.Entry, window time.Duration, attr func(*models.Entry) string) (count, first, last int) {
	var withAttr []int
	for i, e := range entries {
		if attr(e) != "" {
			withAttr = append(withAttr, i)
		}
	}
	seen := make(map[string]int)
	lo := 0
	for hi, idx := range withAttr {
		seen[attr(entries[idx])]++
		for entries[idx].Timestamp.Sub(entries[withAttr[lo]].Timestamp) >= window {
			v := attr(entries[withAttr[lo]])
			if seen[v]--; seen[v] == 0 {
				delete(seen, v)
			}
			lo++
		}
		if len(seen) > count {
			count, first, last = len(seen), withAttr[lo], withAttr[hi]
		}
	}
	return count, first, last
}

func evidence(entries []*models.Entry, max int) []uuid.UUID {
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func newFinding(t Type, sev Severity, run []*models.Entry, count, threshold int, cfg Config, now time.Time) Finding {
	last := run[len(run)-1]
	return Finding{
		IsAnomalous:   true,
		Type:          t,
		Severity:      sev,
		TenantID:      last.TenantID,
		WindowStart:   run[0].Timestamp,
		WindowEnd:     last.Timestamp,
		ObservedCount: count,
		Threshold:     threshold,
		DetectedAt:    now,
		EntryIDs:      evidence(run, cfg.MaxEvidence),
	}
}

type groupBy int

const (
	groupByActor groupBy = iota
	groupByIP
)

func (g groupBy) key(e *models.Entry) string {
	if g == groupByIP {
		return e.IPAddress
	}
	return e.ActorUserID
}

// windowCount builds the common "N matching entries within a window, grouped
// by actor or IP" heuristic.
func windowCount(t Type, sev Severity, rule func(Config) Rule, include func(*models.Entry) bool, by groupBy, noun string) heuristic {
	return func(entries []*models.Entry, cfg Config, now time.Time) []Finding {
		r := rule(cfg)
		if !r.Enabled {
			return nil
		}
		keys, groups := group(entries, include, by.key)
		var out []Finding
		for _, k := range keys {
			g := groups[k]
			count, first, last := densest(g, r.Window)
			if count < r.Threshold {
				continue
			}
			run := g[first : last+1]
			f := newFinding(t, sev, run, count, r.Threshold, cfg, now)
			if by == groupByIP {
				f.SourceIP = k
				f.Description = fmt.Sprintf("%d %s from %s within %s (%d accounts)", count, noun, k, r.Window, distinctActors(run))
			} else {
				f.AffectedUserID = k
				f.SourceIP = run[len(run)-1].IPAddress
				f.Description = fmt.Sprintf("%d %s by %s within %s", count, noun, k, r.Window)
			}
			out = append(out, f)
		}
		return out
	}
}

func distinctActors(run []*models.Entry) int {
	actors := make(map[string]struct{})
	for _, e := range run {
		if e.ActorUserID != "" {
			actors[e.ActorUserID] = struct{}{}
		}
	}
	return len(actors)
}

func always(*models.Entry) bool { return true }

func isReadOrExport(e *models.Entry) bool { return isRead(e) || isExport(e) }

var (
	detectFailedLogins = windowCount(TypeMultipleFailedLogins, SeverityHigh,
		func(c Config) Rule { return c.FailedLogins }, isFailedLogin, groupByActor, "failed logins")
	detectBruteForce = windowCount(TypeBruteForce, SeverityCritical,
		func(c Config) Rule { return c.BruteForce }, isFailedLogin, groupByIP, "failed logins")
	detectCredentialStuffing = windowCount(TypeCredentialStuffing, SeverityCritical,
		func(c Config) Rule { return c.CredentialStuffing }, isFailedLogin, groupByIP, "failed logins")
	detectExcessiveDataAccess = windowCount(TypeExcessiveDataAccess, SeverityMedium,
		func(c Config) Rule { return c.ExcessiveDataAccess }, isReadOrExport, groupByActor, "data reads and exports")
	detectDataExfiltration = windowCount(TypeDataExfiltration, SeverityHigh,
		func(c Config) Rule { return c.DataExfiltration }, isExport, groupByActor, "data exports")
)

func detectOffHours(entries []*models.Entry, cfg Config, now time.Time) []Finding {
	r := cfg.OffHours
	if !r.Enabled {
		return nil
	}
	loc, err := cfg.location()
	if err != nil {
		loc = time.UTC
	}
	outside := func(e *models.Entry) bool {
		return !r.inBusinessHours(e.Timestamp.In(loc).Hour())
	}
	keys, groups := group(entries, outside, groupByActor.key)
	var out []Finding
	for _, k := range keys {
		g := groups[k]
		if len(g) < r.Threshold {
			continue
		}
		f := newFinding(TypeOffHoursActivity, SeverityLow, g, len(g), r.Threshold, cfg, now)
		f.AffectedUserID = k
		f.Description = fmt.Sprintf("%d entries by %s outside %02d:00-%02d:00 %s", len(g), k, r.StartHour, r.EndHour, loc)
		out = append(out, f)
	}
	return out
}

func detectMultipleIPs(entries []*models.Entry, cfg Config, now time.Time) []Finding {
	r := cfg.MultipleIPs
	if !r.Enabled {
		return nil
	}
	keys, groups := group(entries, always, groupByActor.key)
	var out []Finding
	for _, k := range keys {
		g := groups[k]
		count, first, last := densestDistinct(g, r.Window, groupByIP.key)
		if count < r.Threshold {
			continue
		}
		run := g[first : last+1]
		f := newFinding(TypeMultipleIPAddresses, SeverityMedium, run, count, r.Threshold, cfg, now)
		f.AffectedUserID = k
		f.SourceIP = run[len(run)-1].IPAddress
		f.Description = fmt.Sprintf("%s used %d distinct IP addresses within %s", k, count, r.Window)
		if clients := clientSummary(run); clients != "" {
			f.Description += " (clients: " + clients + ")"
		}
		out = append(out, f)
	}
	return out
}

func detectImpossibleTravel(entries []*models.Entry, cfg Config, now time.Time) []Finding {
	r := cfg.ImpossibleTravel
	if !r.Enabled {
		return nil
	}
	country := func(e *models.Entry) string { return e.Metadata.Get(audit.MetaCountry) }
	keys, groups := group(entries, always, groupByActor.key)
	var out []Finding
	for _, k := range keys {
		g := groups[k]
		count, first, last := densestDistinct(g, r.Window, country)
		if count < r.Threshold {
			continue
		}
		run := g[first : last+1]
		f := newFinding(TypeImpossibleTravel, SeverityHigh, run, count, r.Threshold, cfg, now)
		f.AffectedUserID = k
		f.SourceIP = run[len(run)-1].IPAddress
		f.Description = fmt.Sprintf("%s active from %d countries within %s: %s", k, count, r.Window, strings.Join(distinct(run, country), ", "))
		out = append(out, f)
	}
	return out
}

// clientSummary names the distinct browser/OS pairs seen in run.
func clientSummary(run []*models.Entry) string {
	return strings.Join(distinct(run, func(e *models.Entry) string {
		if e.UserAgent == "" {
			return ""
		}
		ua := useragent.New(e.UserAgent)
		name, _ := ua.Browser()
		if ua.Bot() {
			name = "bot:" + name
		}
		if platform := ua.OS(); platform != "" {
			return name + "/" + platform
		}
		return name
	}), ", ")
}

func distinct(run []*models.Entry, attr func(*models.Entry) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range run {
		v := attr(e)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
