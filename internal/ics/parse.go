package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

// Properties persisted on the series parent to carry alarm state across
// restarts.
const (
	PropLastAck      = "X-MOZ-LASTACK"
	PropSnoozeTime   = "X-MOZ-SNOOZE-TIME"
	snoozeTimePrefix = PropSnoozeTime + "-"
)

// Raw property names, used where the library constant differs between
// releases.
const (
	propRecurrenceID    = ical.ComponentProperty("RECURRENCE-ID")
	propDue             = ical.ComponentProperty("DUE")
	propDuration        = ical.ComponentProperty("DURATION")
	propCompleted       = ical.ComponentProperty("COMPLETED")
	propPercentComplete = ical.ComponentProperty("PERCENT-COMPLETE")
	propRdate           = ical.ComponentProperty("RDATE")
	propAction          = ical.ComponentProperty("ACTION")
	propTrigger         = ical.ComponentProperty("TRIGGER")
)

// Parse parses an ICS payload into items. Overridden instances
// (RECURRENCE-ID) are attached to their series parent as exceptions.
// Floating and all-day values that need an instant (recurrence ids) are
// resolved in loc.
func Parse(sourceID string, body []byte, loc *time.Location) ([]*model.Item, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "source", sourceID)
		return nil, err
	}

	parents := make([]*model.Item, 0)
	byUID := make(map[string]*model.Item)
	var overrides []*model.Item

	for _, comp := range cal.Components {
		var (
			kind model.Kind
			base *ical.ComponentBase
		)
		switch c := comp.(type) {
		case *ical.VEvent:
			kind, base = model.KindEvent, &c.ComponentBase
		case *ical.VTodo:
			kind, base = model.KindTask, &c.ComponentBase
		default:
			continue
		}

		it, perr := parseComponent(sourceID, kind, base, loc)
		if perr != nil {
			// Log and skip this component, but keep parsing others.
			appLog.Error("ics component parse failed", perr, "source", sourceID, "kind", kind)
			continue
		}
		if it.RecurrenceID != nil {
			overrides = append(overrides, it)
			continue
		}
		if _, dup := byUID[it.UID]; dup {
			appLog.Warn("ics duplicate UID; keeping first", "source", sourceID, "uid", it.UID)
			continue
		}
		byUID[it.UID] = it
		parents = append(parents, it)
	}

	for _, ov := range overrides {
		parent, ok := byUID[ov.UID]
		if !ok {
			// Orphaned override: keep it as a standalone item.
			parents = append(parents, ov)
			continue
		}
		if parent.Exceptions == nil {
			parent.Exceptions = make(map[string]*model.Item)
		}
		ov.Parent = parent
		parent.Exceptions[ov.RecurrenceKey()] = ov
	}

	appLog.Debug("ics parse completed", "source", sourceID, "item_count", len(parents))
	return parents, nil
}

func parseComponent(sourceID string, kind model.Kind, c *ical.ComponentBase, loc *time.Location) (*model.Item, error) {
	it := &model.Item{SourceID: sourceID, Kind: kind}

	uidProp := c.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	it.UID = uidProp.Value

	if p := c.GetProperty(ical.ComponentPropertySummary); p != nil {
		it.Summary = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyDescription); p != nil {
		it.Description = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyLocation); p != nil {
		it.Location = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyStatus); p != nil {
		it.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	if p := c.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		dt, err := parseDateTimeProp(p)
		if err != nil {
			return nil, err
		}
		it.Start = dt
	}

	endProp := ical.ComponentPropertyDtEnd
	if kind == model.KindTask {
		endProp = propDue
	}
	if p := c.GetProperty(endProp); p != nil {
		dt, err := parseDateTimeProp(p)
		if err != nil {
			return nil, err
		}
		it.End = dt
	} else if p := c.GetProperty(propDuration); p != nil && !it.Start.IsZero() {
		if d, err := model.ParseDuration(p.Value); err == nil {
			it.End = it.Start
			it.End.Time = it.Start.Time.Add(d)
		}
	}

	if p := c.GetProperty(propCompleted); p != nil {
		if dt, err := parseDateTimeProp(p); err == nil {
			t := dt.In(loc)
			it.Completed = &t
		}
	}
	if p := c.GetProperty(propPercentComplete); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			it.PercentComplete = n
		}
	}

	// RRULE (kept raw; expansion is in expand.go).
	if p := c.GetProperty(ical.ComponentPropertyRrule); p != nil {
		it.RRule = p.Value
	}
	it.ExDates = parseDateList(c.GetProperties(ical.ComponentPropertyExdate), loc)
	it.RDates = parseDateList(c.GetProperties(propRdate), loc)

	if p := c.GetProperty(propRecurrenceID); p != nil {
		dt, err := parseDateTimeProp(p)
		if err != nil {
			return nil, err
		}
		rid := dt.In(loc)
		it.RecurrenceID = &rid
	}

	for _, sub := range c.Components {
		va, ok := sub.(*ical.VAlarm)
		if !ok {
			continue
		}
		a, err := parseAlarm(&va.ComponentBase)
		if err != nil {
			appLog.Debug("ics alarm skipped", "source", sourceID, "uid", it.UID, "reason", err.Error())
			continue
		}
		it.Alarms = append(it.Alarms, a)
	}

	for _, p := range c.Properties {
		name := strings.ToUpper(p.IANAToken)
		switch {
		case name == PropLastAck:
			if dt, err := parseDateTimeProp(&p); err == nil {
				t := dt.In(loc).UTC()
				it.AlarmLastAck = &t
			}
		case name == PropSnoozeTime || strings.HasPrefix(name, snoozeTimePrefix):
			key, ok := snoozeKeyFromProp(name)
			if !ok {
				continue
			}
			if dt, err := parseDateTimeProp(&p); err == nil {
				if it.Snoozes == nil {
					it.Snoozes = make(map[string]time.Time)
				}
				it.Snoozes[key] = dt.In(loc).UTC()
			}
		case strings.HasPrefix(name, "X-"):
			if it.Props == nil {
				it.Props = make(map[string]string)
			}
			it.Props[name] = p.Value
		}
	}

	return it, nil
}

// snoozeKeyFromProp maps a snooze property name to an occurrence key.
// Suffixes are either canonical recurrence keys or microseconds since the
// epoch as written by older clients.
func snoozeKeyFromProp(name string) (string, bool) {
	if name == PropSnoozeTime {
		return "", true
	}
	suffix := strings.TrimPrefix(name, snoozeTimePrefix)
	if t, err := model.ParseRecurrenceKey(suffix); err == nil {
		return model.RecurrenceKey(t), true
	}
	if us, err := strconv.ParseInt(suffix, 10, 64); err == nil {
		return model.RecurrenceKey(time.UnixMicro(us)), true
	}
	return "", false
}

func parseAlarm(c *ical.ComponentBase) (model.Alarm, error) {
	var a model.Alarm

	if p := c.GetProperty(propAction); p != nil {
		a.Action = strings.ToUpper(strings.TrimSpace(p.Value))
	}
	if a.Action == "" {
		return a, errors.New("missing ACTION")
	}
	if p := c.GetProperty(ical.ComponentPropertySummary); p != nil {
		a.Summary = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyDescription); p != nil {
		a.Description = p.Value
	}

	trig := c.GetProperty(propTrigger)
	if trig == nil || strings.TrimSpace(trig.Value) == "" {
		return a, errors.New("missing TRIGGER")
	}

	if strings.EqualFold(firstParam(trig.ICalParameters, "VALUE"), "DATE-TIME") {
		dt, err := parseDateTimeProp(trig)
		if err != nil {
			return a, err
		}
		a.Related = model.RelatedAbsolute
		a.Date = dt
		return a, nil
	}

	d, err := model.ParseDuration(trig.Value)
	if err != nil {
		return a, err
	}
	a.Offset = d
	if strings.EqualFold(firstParam(trig.ICalParameters, "RELATED"), "END") {
		a.Related = model.RelatedEnd
	}
	return a, nil
}

func parseDateList(props []*ical.IANAProperty, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			dt, err := parseDateTimeValue(part, p.ICalParameters)
			if err != nil {
				continue
			}
			out = append(out, dt.In(loc))
		}
	}
	return out
}

func parseDateTimeProp(p *ical.IANAProperty) (model.DateTime, error) {
	return parseDateTimeValue(p.Value, p.ICalParameters)
}

// parseDateTimeValue parses DATE / DATE-TIME values honoring VALUE and TZID.
// Unknown TZIDs degrade to floating time.
func parseDateTimeValue(v string, params map[string][]string) (model.DateTime, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.DateTime{}, errors.New("empty time value")
	}

	if strings.EqualFold(firstParam(params, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.Parse("20060102", v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.Date(t.Year(), t.Month(), t.Day()), nil
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.At(t), nil
	}

	if tzid := firstParam(params, "TZID"); tzid != "" {
		if loc, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			t, err := time.ParseInLocation("20060102T150405", v, loc)
			if err != nil {
				return model.DateTime{}, err
			}
			return model.At(t), nil
		}
		appLog.Debug("ics unknown TZID; treating as floating", "tzid", tzid)
	}

	t, err := time.Parse("20060102T150405", v)
	if err != nil {
		return model.DateTime{}, err
	}
	return model.Floating(t), nil
}

func firstParam(params map[string][]string, key string) string {
	if params == nil {
		return ""
	}
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}
