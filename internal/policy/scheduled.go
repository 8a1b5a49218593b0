package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

const defaultOffHoursReply = "We are currently outside working hours. Your message will be handled as soon as we are back."

var (
	clockPattern = regexp.MustCompile(`^([0-1][0-9]|2[0-3]):([0-5][0-9])$`)
	cronParser   = gronx.New()
)

// TimeWindow is a daily window in "HH:mm". Start is inclusive, End is
// exclusive; Start > End wraps past midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// contains reports whether hhmm falls in the window. Zero-padded "HH:mm"
// strings order lexically the same way they order in time.
func (w *TimeWindow) contains(hhmm string) bool {
	if w.Start <= w.End {
		return hhmm >= w.Start && hhmm < w.End
	}
	return hhmm >= w.Start || hhmm < w.End
}

type WorkingHours struct {
	Weekdays *TimeWindow `json:"weekdays,omitempty"`
	Weekends *TimeWindow `json:"weekends,omitempty"`
}

// ScheduledConfig admits inbound messages only during working hours.
type ScheduledConfig struct {
	WorkingHours  *WorkingHours    `json:"workingHours,omitempty"`
	Holidays      []string         `json:"holidays,omitempty"` // YYYY-MM-DD
	Timezone      string           `json:"timezone,omitempty"` // IANA name, default local
	CronWindows   []string         `json:"cronWindows,omitempty"`
	OffHoursReply string           `json:"offHoursReply,omitempty"`
	ForwardTo     *bus.RouteTarget `json:"forwardTo,omitempty"`
}

// ScheduledHandler gates messages on the wall clock in the binding's
// timezone. The message timestamp is used as the current time when set.
type ScheduledHandler struct {
	now func() time.Time
}

func NewScheduledHandler(now func() time.Time) *ScheduledHandler {
	if now == nil {
		now = time.Now
	}
	return &ScheduledHandler{now: now}
}

func (h *ScheduledHandler) Type() string { return TypeScheduled }

func (h *ScheduledHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *ScheduledConfig) []string {
		var errs []string
		if wh := c.WorkingHours; wh != nil {
			errs = append(errs, checkWindow("workingHours.weekdays", wh.Weekdays)...)
			errs = append(errs, checkWindow("workingHours.weekends", wh.Weekends)...)
		}
		for i, d := range c.Holidays {
			if _, err := time.Parse(time.DateOnly, d); err != nil {
				errs = append(errs, fmt.Sprintf("holidays[%d] must be a YYYY-MM-DD date, got %q", i, d))
			}
		}
		if c.Timezone != "" {
			if _, err := time.LoadLocation(c.Timezone); err != nil {
				errs = append(errs, fmt.Sprintf("timezone %q is not a known IANA zone", c.Timezone))
			}
		}
		for i, expr := range c.CronWindows {
			if !cronParser.IsValid(expr) {
				errs = append(errs, fmt.Sprintf("cronWindows[%d] is not a valid cron expression: %q", i, expr))
			}
		}
		if c.ForwardTo != nil {
			errs = append(errs, checkTarget("forwardTo", c.ForwardTo)...)
		}
		return errs
	})
}

func checkWindow(field string, w *TimeWindow) []string {
	if w == nil {
		return nil
	}
	var errs []string
	if !clockPattern.MatchString(w.Start) {
		errs = append(errs, fmt.Sprintf("%s.start must be HH:mm, got %q", field, w.Start))
	}
	if !clockPattern.MatchString(w.End) {
		errs = append(errs, fmt.Sprintf("%s.end must be HH:mm, got %q", field, w.End))
	}
	return errs
}

func (h *ScheduledHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[ScheduledConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if cfg.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
	}
	now := messageTime(pc, h.now).In(loc)

	date := now.Format(time.DateOnly)
	if containsString(cfg.Holidays, date) {
		return h.closed(cfg, "holiday "+date), nil
	}

	open, why, err := h.isOpen(cfg, now)
	if err != nil {
		return nil, err
	}
	if !open {
		return h.closed(cfg, why), nil
	}
	return allow("within working hours"), nil
}

// isOpen evaluates the working-hour rules. Cron windows, when configured,
// replace the weekday/weekend windows.
func (h *ScheduledHandler) isOpen(cfg *ScheduledConfig, now time.Time) (bool, string, error) {
	if len(cfg.CronWindows) > 0 {
		for _, expr := range cfg.CronWindows {
			due, err := cronParser.IsDue(expr, now)
			if err != nil {
				return false, "", fmt.Errorf("cronWindows: %w", err)
			}
			if due {
				return true, "", nil
			}
		}
		return false, "outside cron windows", nil
	}

	wd := now.Weekday()
	weekend := wd == time.Sunday || wd == time.Saturday

	var window *TimeWindow
	if cfg.WorkingHours != nil {
		if weekend {
			window = cfg.WorkingHours.Weekends
		} else {
			window = cfg.WorkingHours.Weekdays
		}
	}
	if window == nil {
		if weekend {
			return false, "closed on weekends", nil
		}
		return true, "", nil
	}

	hhmm := now.Format("15:04")
	if window.contains(hhmm) {
		return true, "", nil
	}
	return false, fmt.Sprintf("outside working hours %s-%s", window.Start, window.End), nil
}

func (h *ScheduledHandler) closed(cfg *ScheduledConfig, reason string) *Result {
	reply := cfg.OffHoursReply
	if reply == "" {
		reply = defaultOffHoursReply
	}
	res := &Result{Allow: false, Reason: reason, AutoReply: reply}
	if cfg.ForwardTo != nil {
		res.RouteTo = []bus.RouteTarget{*cfg.ForwardTo}
	}
	return res
}
