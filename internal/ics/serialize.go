package ics

import (
	"errors"
	"sort"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"calalarm/internal/model"
)

const productID = "-//calalarm//alarm scheduler//EN"

// Marshal renders items (series parents, with their exceptions) as a
// VCALENDAR payload. Alarm acknowledgement and snooze state is written as
// X-MOZ-LASTACK and X-MOZ-SNOOZE-TIME[-<key>] on each parent.
func Marshal(items []*model.Item) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)

	for _, it := range items {
		if it == nil {
			continue
		}
		if it.UID == "" {
			return nil, errors.New("ics marshal: item without UID")
		}
		addComponent(cal, it, true)

		keys := make([]string, 0, len(it.Exceptions))
		for k := range it.Exceptions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			addComponent(cal, it.Exceptions[k], false)
		}
	}

	return []byte(cal.Serialize()), nil
}

func addComponent(cal *ical.Calendar, it *model.Item, parent bool) {
	var (
		comp ical.Component
		base *ical.ComponentBase
	)
	if it.Kind == model.KindTask {
		todo := &ical.VTodo{}
		comp, base = todo, &todo.ComponentBase
	} else {
		ev := &ical.VEvent{}
		comp, base = ev, &ev.ComponentBase
	}

	base.SetProperty(ical.ComponentPropertyUniqueId, it.UID)
	setText(base, ical.ComponentPropertySummary, it.Summary)
	setText(base, ical.ComponentPropertyDescription, it.Description)
	setText(base, ical.ComponentPropertyLocation, it.Location)
	setText(base, ical.ComponentPropertyStatus, it.Status)

	if !it.Start.IsZero() {
		setDateTime(base, ical.ComponentPropertyDtStart, it.Start)
	}
	if !it.End.IsZero() {
		endProp := ical.ComponentPropertyDtEnd
		if it.Kind == model.KindTask {
			endProp = propDue
		}
		setDateTime(base, endProp, it.End)
	}
	if it.Completed != nil {
		base.SetProperty(propCompleted, formatUTC(*it.Completed))
	}
	if it.PercentComplete > 0 {
		base.SetProperty(propPercentComplete, strconv.Itoa(it.PercentComplete))
	}

	if it.RecurrenceID != nil {
		base.SetProperty(propRecurrenceID, formatUTC(*it.RecurrenceID))
	}
	if parent {
		setText(base, ical.ComponentPropertyRrule, it.RRule)
		for _, rd := range it.RDates {
			base.AddProperty(propRdate, formatUTC(rd))
		}
		for _, ex := range it.ExDates {
			base.AddProperty(ical.ComponentPropertyExdate, formatUTC(ex))
		}
		writeAlarmState(base, it)
	}

	propNames := make([]string, 0, len(it.Props))
	for k := range it.Props {
		propNames = append(propNames, k)
	}
	sort.Strings(propNames)
	for _, k := range propNames {
		base.SetProperty(ical.ComponentProperty(k), it.Props[k])
	}

	for _, a := range it.Alarms {
		base.Components = append(base.Components, alarmComponent(a))
	}

	cal.Components = append(cal.Components, comp)
}

func writeAlarmState(base *ical.ComponentBase, it *model.Item) {
	if it.AlarmLastAck != nil {
		base.SetProperty(ical.ComponentProperty(PropLastAck), formatUTC(*it.AlarmLastAck))
	}
	keys := make([]string, 0, len(it.Snoozes))
	for k := range it.Snoozes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := PropSnoozeTime
		if k != "" {
			name = snoozeTimePrefix + k
		}
		base.SetProperty(ical.ComponentProperty(name), formatUTC(it.Snoozes[k]))
	}
}

func alarmComponent(a model.Alarm) *ical.VAlarm {
	va := &ical.VAlarm{}
	va.SetProperty(propAction, a.Action)
	setText(&va.ComponentBase, ical.ComponentPropertyDescription, a.Description)
	setText(&va.ComponentBase, ical.ComponentPropertySummary, a.Summary)

	switch a.Related {
	case model.RelatedAbsolute:
		va.SetProperty(propTrigger, formatDateTime(a.Date),
			&ical.KeyValues{Key: "VALUE", Value: []string{"DATE-TIME"}})
	case model.RelatedEnd:
		va.SetProperty(propTrigger, model.FormatDuration(a.Offset),
			&ical.KeyValues{Key: "RELATED", Value: []string{"END"}})
	default:
		va.SetProperty(propTrigger, model.FormatDuration(a.Offset))
	}
	return va
}

func setText(base *ical.ComponentBase, p ical.ComponentProperty, v string) {
	if v != "" {
		base.SetProperty(p, v)
	}
}

// setDateTime writes a DATE, floating, UTC or TZID-qualified value.
func setDateTime(base *ical.ComponentBase, p ical.ComponentProperty, dt model.DateTime) {
	switch {
	case dt.IsDate:
		base.SetProperty(p, dt.Time.Format("20060102"),
			&ical.KeyValues{Key: "VALUE", Value: []string{"DATE"}})
	case dt.Floating:
		base.SetProperty(p, dt.Time.Format("20060102T150405"))
	default:
		name := dt.Time.Location().String()
		if name == "UTC" || name == "Local" || name == "" {
			base.SetProperty(p, formatUTC(dt.Time))
			return
		}
		base.SetProperty(p, dt.Time.Format("20060102T150405"),
			&ical.KeyValues{Key: "TZID", Value: []string{name}})
	}
}

// formatDateTime renders dt for values that cannot carry a TZID.
func formatDateTime(dt model.DateTime) string {
	if dt.Floating && !dt.IsDate {
		return dt.Time.Format("20060102T150405")
	}
	return formatUTC(dt.Time)
}

func formatUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
