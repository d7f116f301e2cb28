package purchases

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/risk"
	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/types"
)

const dateLayout = "2006-01-02"

// Filter narrows a buyer's purchase list. Status, seller, search and dates
// are pushed to the store; urgency, savings and health are derived and
// applied after fetch.
type Filter struct {
	Status       types.OrderStatus
	HealthStatus types.HealthStatus
	Urgency      risk.Urgency
	Savings      risk.Savings
	Search       string
	SellerID     string
	DateFrom     *time.Time
	// DateTo is an exclusive upper bound
	DateTo *time.Time
}

// ParseFilter reads the purchase list query parameters. A date-only dateTo
// includes that whole day.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter

	if s := q.Get("status"); s != "" {
		status := types.OrderStatus(s)
		if status.Rank() < 0 && !status.IsSideExit() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Status = status
	}

	if s := q.Get("healthStatus"); s != "" {
		switch h := types.HealthStatus(s); h {
		case types.HealthOnTrack, types.HealthAtRisk, types.HealthDelayed, types.HealthCritical:
			f.HealthStatus = h
		default:
			return f, fmt.Errorf("unknown health status %q", s)
		}
	}

	if s := q.Get("urgency"); s != "" {
		u, err := risk.ParseUrgency(s)
		if err != nil {
			return f, err
		}
		f.Urgency = u
	}

	if s := q.Get("savings"); s != "" {
		v, err := risk.ParseSavings(s)
		if err != nil {
			return f, err
		}
		f.Savings = v
	}

	f.Search = strings.TrimSpace(q.Get("search"))
	f.SellerID = q.Get("sellerId")

	if s := q.Get("dateFrom"); s != "" {
		t, _, err := parseDate(s)
		if err != nil {
			return f, fmt.Errorf("invalid dateFrom: %w", err)
		}
		f.DateFrom = &t
	}

	if s := q.Get("dateTo"); s != "" {
		t, dateOnly, err := parseDate(s)
		if err != nil {
			return f, fmt.Errorf("invalid dateTo: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		f.DateTo = &t
	}

	if f.DateFrom != nil && f.DateTo != nil && !f.DateFrom.Before(*f.DateTo) {
		return f, fmt.Errorf("dateFrom must be before dateTo")
	}

	return f, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected %s or RFC3339, got %q", dateLayout, s)
	}
	return t.UTC(), false, nil
}

// matchesDerived applies the in-memory part of the filter
func (f Filter) matchesDerived(p *Purchase) bool {
	if f.Urgency != "" && p.Urgency != f.Urgency {
		return false
	}
	if f.Savings != "" && p.Savings != f.Savings {
		return false
	}
	if f.HealthStatus != "" && p.HealthStatus != f.HealthStatus {
		return false
	}
	return true
}
