// Package normalize converts the heterogeneous counter and date strings
// Instagram renders ("1.2k", "3 mi", "44 minutes ago", "23 de janeiro")
// into canonical integers, hour offsets and timestamps.
package normalize

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const hoursPerDay = 24

// hoursPerUnit maps a lowercased unit token to its hour value. English
// and Portuguese, singular and plural, plus the single-letter forms
// Instagram uses in compact timestamps.
var hoursPerUnit = map[string]float64{
	"s": 1.0 / 3600, "sec": 1.0 / 3600, "secs": 1.0 / 3600,
	"second": 1.0 / 3600, "seconds": 1.0 / 3600,
	"segundo": 1.0 / 3600, "segundos": 1.0 / 3600,

	"m": 1.0 / 60, "min": 1.0 / 60, "mins": 1.0 / 60,
	"minute": 1.0 / 60, "minutes": 1.0 / 60,
	"minuto": 1.0 / 60, "minutos": 1.0 / 60,

	"h": 1, "hr": 1, "hrs": 1,
	"hour": 1, "hours": 1,
	"hora": 1, "horas": 1,

	"d": hoursPerDay, "day": hoursPerDay, "days": hoursPerDay,
	"dia": hoursPerDay, "dias": hoursPerDay,

	"w": 7 * hoursPerDay, "wk": 7 * hoursPerDay,
	"week": 7 * hoursPerDay, "weeks": 7 * hoursPerDay,
	"semana": 7 * hoursPerDay, "semanas": 7 * hoursPerDay,

	"mo": 30 * hoursPerDay, "month": 30 * hoursPerDay, "months": 30 * hoursPerDay,
	"mes": 30 * hoursPerDay, "mês": 30 * hoursPerDay, "meses": 30 * hoursPerDay,

	"y": 365 * hoursPerDay, "yr": 365 * hoursPerDay,
	"year": 365 * hoursPerDay, "years": 365 * hoursPerDay,
	"ano": 365 * hoursPerDay, "anos": 365 * hoursPerDay,
}

var monthsByName = map[string]time.Month{
	"january": time.January, "jan": time.January, "janeiro": time.January,
	"february": time.February, "feb": time.February, "fevereiro": time.February,
	"march": time.March, "mar": time.March, "março": time.March, "marco": time.March,
	"april": time.April, "apr": time.April, "abril": time.April, "abr": time.April,
	"may": time.May, "maio": time.May, "mai": time.May,
	"june": time.June, "jun": time.June, "junho": time.June,
	"july": time.July, "jul": time.July, "julho": time.July,
	"august": time.August, "aug": time.August, "agosto": time.August, "ago": time.August,
	"september": time.September, "sep": time.September, "setembro": time.September, "set": time.September,
	"october": time.October, "oct": time.October, "outubro": time.October, "out": time.October,
	"november": time.November, "nov": time.November, "novembro": time.November,
	"december": time.December, "dec": time.December, "dezembro": time.December, "dez": time.December,
}

var (
	relativeRe    = regexp.MustCompile(`(\d+)\s*([\p{L}]+)`)
	monthFirstRe  = regexp.MustCompile(`^([\p{L}]+)\.?\s+(\d{1,2})(?:,?\s*(\d{4}))?$`)
	dayFirstRe    = regexp.MustCompile(`^(\d{1,2})\s+(?:de\s+)?([\p{L}]+)\.?(?:\s+(?:de\s+)?(\d{4}))?$`)
	countRe       = regexp.MustCompile(`^([\d.,]+)\s*([\p{L}]*)\.?$`)
	thousandDotRe = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	thousandSepRe = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)
)

// RelativeTimeToHours parses a relative-duration string ("44 minutes
// ago", "2 dias", "3 h", "agora") into an hour offset.
func RelativeTimeToHours(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}

	switch s {
	case "agora", "agora mesmo", "just now", "now":
		return 0, true
	}

	for _, noise := range []string{"ago", "atrás", "atras", "há", "ha "} {
		s = strings.TrimSpace(strings.TrimPrefix(s, noise))
		s = strings.TrimSpace(strings.TrimSuffix(s, noise))
	}

	m := relativeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	unitHours, ok := hoursPerUnit[m[2]]
	if !ok {
		return 0, false
	}

	return value * unitHours, true
}

// ResolvePostedAt converts a raw post date into an absolute timestamp.
// Strategies, in order: ISO-8601 parse, absolute calendar text resolved
// against now (rolled back one year when it lands in the future),
// relative-duration text.
func ResolvePostedAt(raw string, now time.Time) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	if t, ok := parseCalendar(s, now); ok {
		return t, true
	}

	if hours, ok := RelativeTimeToHours(s); ok {
		return now.Add(-time.Duration(hours * float64(time.Hour))), true
	}

	return time.Time{}, false
}

func parseCalendar(s string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(s)

	var monthTok, dayTok, yearTok string
	if m := monthFirstRe.FindStringSubmatch(lower); m != nil {
		monthTok, dayTok, yearTok = m[1], m[2], m[3]
	} else if m := dayFirstRe.FindStringSubmatch(lower); m != nil {
		dayTok, monthTok, yearTok = m[1], m[2], m[3]
	} else {
		return time.Time{}, false
	}

	month, ok := monthsByName[monthTok]
	if !ok {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(dayTok)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}

	year := now.Year()
	explicitYear := false
	if yearTok != "" {
		if y, err := strconv.Atoi(yearTok); err == nil {
			year = y
			explicitYear = true
		}
	}

	t := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	if !explicitYear && t.After(now) {
		t = t.AddDate(-1, 0, 0)
	}

	return t, true
}

// IsRecent reports whether a post dated raw falls inside the recency
// window. Unparseable dates are not recent. Monotonic in windowDays.
func IsRecent(raw string, windowDays int, now time.Time) bool {
	t, ok := ResolvePostedAt(raw, now)
	if !ok {
		return false
	}

	age := now.Sub(t)
	if age < 0 {
		age = 0
	}

	return age <= time.Duration(windowDays)*hoursPerDay*time.Hour
}

// ParseCount parses counter strings like "1.2k", "3,4 mi", "12 mil" or
// "1.234" into an integer.
func ParseCount(raw string) (int64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, " likes")
	s = strings.TrimSuffix(s, " curtidas")
	if s == "" {
		return 0, false
	}

	m := countRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	numTok, unitTok := m[1], m[2]

	var multiplier float64 = 1
	switch unitTok {
	case "":
	case "k":
		multiplier = 1e3
	case "mil":
		multiplier = 1e3
	case "m", "mi", "mio":
		multiplier = 1e6
	case "b", "bi":
		multiplier = 1e9
	default:
		return 0, false
	}

	if multiplier == 1 {
		// Dots or commas grouping thousands, e.g. "1.234" or "1,234".
		if thousandDotRe.MatchString(numTok) {
			numTok = strings.ReplaceAll(numTok, ".", "")
		} else if thousandSepRe.MatchString(numTok) {
			numTok = strings.ReplaceAll(numTok, ",", "")
		}
	}

	// Decimal comma in suffixed counters ("3,4 mi").
	numTok = strings.ReplaceAll(numTok, ",", ".")

	value, err := strconv.ParseFloat(numTok, 64)
	if err != nil {
		return 0, false
	}

	return int64(value * multiplier), true
}

// CanonicalURL reduces a URL to its scheme/host/path identity: host
// lowercased, query and fragment dropped, trailing slash stripped.
func CanonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(raw), "/")
	}

	path := strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path
}

// UsernameFromURL extracts the username from a profile URL or returns
// the input when it is already a bare username.
func UsernameFromURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return strings.TrimSpace(strings.Split(strings.Trim(s, "/"), "/")[0])
	}

	u, err := url.Parse(s)
	if err != nil || !strings.Contains(strings.ToLower(u.Host), "instagram.com") {
		return ""
	}

	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			return part
		}
	}

	return ""
}

// CanonicalProfileURL builds the canonical profile URL for a username
// or profile reference. The result matches what CanonicalURL produces
// for the same profile, so either form yields the same dedupe key.
func CanonicalProfileURL(raw string) string {
	if username := UsernameFromURL(raw); username != "" {
		return "https://www.instagram.com/" + username
	}
	return strings.TrimSpace(raw)
}
