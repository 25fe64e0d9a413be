package handler

import (
	"net/url"
	"strconv"
	"time"

	"ledger/internal/ledger/models"
	dErrors "ledger/pkg/domain-errors"
	"ledger/pkg/platform/audit"
	liststr "ledger/pkg/platform/strings"
)

// ParseQueryFilter reads GET /audit/entries parameters. event_type may be
// repeated or comma separated.
func ParseQueryFilter(q url.Values) (models.QueryFilter, error) {
	var f models.QueryFilter
	var err error

	if f.Start, err = parseTime(q.Get("start"), "start"); err != nil {
		return f, err
	}
	if f.End, err = parseTime(q.Get("end"), "end"); err != nil {
		return f, err
	}
	f.TenantID = q.Get("tenant_id")
	f.ActorUserID = q.Get("actor_user_id")

	for _, part := range liststr.SplitList(q["event_type"]...) {
		t := audit.EventType(part)
		if !t.Known() {
			return f, dErrors.New(dErrors.CodeBadRequest, "unknown event_type "+strconv.Quote(part))
		}
		f.EventTypes = append(f.EventTypes, t)
	}

	if v := q.Get("min_height"); v != "" {
		h, err := parseInt64(v, "min_height")
		if err != nil {
			return f, err
		}
		f.MinHeight = &h
	}
	if v := q.Get("max_height"); v != "" {
		h, err := parseInt64(v, "max_height")
		if err != nil {
			return f, err
		}
		f.MaxHeight = &h
	}
	if f.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseDetectWindow(q url.Values, now time.Time, defaultLookback time.Duration) (time.Time, time.Time, error) {
	start, err := parseTime(q.Get("start"), "start")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime(q.Get("end"), "end")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start != nil && end != nil {
		return *start, *end, nil
	}
	if start != nil || end != nil {
		return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeBadRequest, "start and end must be given together")
	}

	lookback := defaultLookback
	if v := q.Get("lookback"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return time.Time{}, time.Time{}, dErrors.New(dErrors.CodeBadRequest, "lookback must be a positive duration")
		}
		lookback = d
	}
	now = now.UTC()
	return now.Add(-lookback), now, nil
}

func parseTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, name+" must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

func parseInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func parseInt64(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
