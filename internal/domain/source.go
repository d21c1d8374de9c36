package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const dateLayout = "20060102"

// filenameRe matches "<prefix>_<YYYYMMDD>_<YYYYMMDD>.<ext>".
var filenameRe = regexp.MustCompile(`^(.+)_(\d{8})_(\d{8})\.([A-Za-z0-9]+)$`)

// FilenamePattern restricts candidate filenames to one product.
// An empty Prefix or Ext accepts any value.
type FilenamePattern struct {
	Prefix string
	Ext    string // without the leading dot
}

// ParsedFilename is a candidate filename split into its date tokens.
type ParsedFilename struct {
	Name  string
	Start string
	End   string
}

// ParseFilename splits a candidate filename, returning false when it does not
// match the naming convention or the pattern.
func (p FilenamePattern) ParseFilename(name string) (ParsedFilename, bool) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return ParsedFilename{}, false
	}
	if p.Prefix != "" && m[1] != p.Prefix {
		return ParsedFilename{}, false
	}
	if ext := strings.TrimPrefix(p.Ext, "."); ext != "" && !strings.EqualFold(m[4], ext) {
		return ParsedFilename{}, false
	}
	return ParsedFilename{Name: name, Start: m[2], End: m[3]}, true
}

// SelectLatest picks the candidate with the greatest start date, breaking ties
// on the greatest end date. Fixed-width YYYYMMDD tokens order lexically.
func (p FilenamePattern) SelectLatest(candidates []string) (ParsedFilename, error) {
	if len(candidates) == 0 {
		return ParsedFilename{}, fmt.Errorf("%w: empty listing", ErrNoSourceAvailable)
	}

	var best ParsedFilename
	found := false
	for _, c := range candidates {
		parsed, ok := p.ParseFilename(c)
		if !ok {
			continue
		}
		if !found || parsed.Start > best.Start || (parsed.Start == best.Start && parsed.End > best.End) {
			best = parsed
			found = true
		}
	}
	if !found {
		return ParsedFilename{}, fmt.Errorf("%w: no filename among %d candidates matches %s_<start>_<end>.%s",
			ErrNoSourceAvailable, len(candidates), p.Prefix, strings.TrimPrefix(p.Ext, "."))
	}
	return best, nil
}

// Source resolves the parsed filename against a base URL.
func (f ParsedFilename) Source(baseURL string) RasterSource {
	start, _ := time.Parse(dateLayout, f.Start)
	end, _ := time.Parse(dateLayout, f.End)
	return RasterSource{
		URL:         joinURL(baseURL, f.Name),
		Filename:    f.Name,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

// ComputeSource synthesizes the source for a window starting on the UTC date
// of now and spanning horizonDays inclusive days.
func (p FilenamePattern) ComputeSource(baseURL string, now time.Time, horizonDays int) RasterSource {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := horizonDays - 1
	if days < 0 {
		days = 0
	}
	end := start.AddDate(0, 0, days)

	name := fmt.Sprintf("%s_%s_%s.%s", p.Prefix, start.Format(dateLayout), end.Format(dateLayout), strings.TrimPrefix(p.Ext, "."))
	return RasterSource{
		URL:         joinURL(baseURL, name),
		Filename:    name,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

func joinURL(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}
