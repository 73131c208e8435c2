package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// searchYears bounds Next for expressions such as "0 0 30 2 *" that never
// fire.
const searchYears = 5

// Schedule is a five-field cron expression: minute, hour, day of month,
// month, day of week (0 or 7 is Sunday). Each field accepts "*", values,
// ranges, lists and steps ("*/15", "1-5", "0,30", "9-17/4"). As in cron,
// when both day fields are restricted a day matching either one fires.
type Schedule struct {
	expr                          string
	minute, hour, dom, month, dow uint64 // bit n set: value n matches
	domStar, dowStar              bool
}

type cronField struct {
	name   string
	lo, hi int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 7},
}

// ParseSchedule parses expr.
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return Schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(parts))
	}
	var masks [5]uint64
	for i, f := range cronFields {
		m, err := parseField(parts[i], f.lo, f.hi)
		if err != nil {
			return Schedule{}, fmt.Errorf("%s field: %w", f.name, err)
		}
		masks[i] = m
	}
	dow := masks[4]
	if dow&(1<<7) != 0 {
		dow = dow&^(1<<7) | 1
	}
	return Schedule{
		expr:    strings.Join(parts, " "),
		minute:  masks[0],
		hour:    masks[1],
		dom:     masks[2],
		month:   masks[3],
		dow:     dow,
		domStar: parts[2] == "*",
		dowStar: parts[4] == "*",
	}, nil
}

func (s Schedule) String() string { return s.expr }

// Next returns the first minute strictly after after that the schedule
// fires, in after's location.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	loc := after.Location()
	t := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), after.Minute()+1, 0, 0, loc)
	end := t.AddDate(searchYears, 0, 0)

	for t.Before(end) {
		switch {
		case !has(s.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !has(s.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron %q does not fire within %d years", s.expr, searchYears)
}

func (s Schedule) dayMatches(t time.Time) bool {
	dom := has(s.dom, t.Day())
	dow := has(s.dow, int(t.Weekday()))
	if s.domStar || s.dowStar {
		return dom && dow
	}
	return dom || dow
}

func has(mask uint64, v int) bool { return mask&(1<<uint(v)) != 0 }

// parseField turns one comma-separated field into a bit mask of the values
// it allows within [lo, hi].
func parseField(field string, lo, hi int) (uint64, error) {
	var mask uint64
	for _, term := range strings.Split(field, ",") {
		rng, stepStr, stepped := strings.Cut(term, "/")
		step := 1
		if stepped {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n < 1 {
				return 0, fmt.Errorf("bad step in %q", term)
			}
			step = n
		}

		first, last := lo, hi
		switch from, to, isRange := strings.Cut(rng, "-"); {
		case rng == "*":
		case isRange:
			var err1, err2 error
			first, err1 = strconv.Atoi(from)
			last, err2 = strconv.Atoi(to)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("bad range %q", term)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", term)
			}
			first = v
			if !stepped {
				last = v
			}
		}
		if first < lo || last > hi || first > last {
			return 0, fmt.Errorf("%q outside %d-%d", term, lo, hi)
		}
		for v := first; v <= last; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}
