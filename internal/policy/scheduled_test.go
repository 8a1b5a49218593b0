package policy

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduledAt(t *testing.T, config string, at time.Time) *Result {
	t.Helper()
	h := NewScheduledHandler(fixedClock(testNow))
	msg := inbound("u1", "hello")
	msg.Timestamp = at
	res, err := h.Process(t.Context(), pcFor(binding("s", TypeScheduled, config), msg))
	require.NoError(t, err)
	return res
}

func TestScheduled_HolidayAlwaysDenies(t *testing.T) {
	cfg := `{"timezone":"UTC","holidays":["2024-01-01"],"workingHours":{"weekdays":{"start":"00:00","end":"23:59"}}}`
	for _, hour := range []int{0, 9, 12, 23} {
		res := scheduledAt(t, cfg, time.Date(2024, 1, 1, hour, 15, 0, 0, time.UTC))
		assert.False(t, res.Allow, "hour %d", hour)
		assert.NotEmpty(t, res.AutoReply)
		assert.Contains(t, res.Reason, "holiday")
	}
}

func TestScheduled_WeekendClosedByDefault(t *testing.T) {
	cfg := `{"timezone":"UTC","workingHours":{"weekdays":{"start":"09:00","end":"18:00"}}}`
	saturday := time.Date(2024, 1, 6, 11, 0, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, saturday.Weekday())

	res := scheduledAt(t, cfg, saturday)
	assert.False(t, res.Allow)
	assert.Equal(t, defaultOffHoursReply, res.AutoReply)
}

func TestScheduled_WeekdayWindow(t *testing.T) {
	cfg := `{"timezone":"UTC","workingHours":{"weekdays":{"start":"09:00","end":"18:00"}}}`
	tests := []struct {
		clock string
		want  bool
	}{
		{"08:59", false},
		{"09:00", true},
		{"12:30", true},
		{"17:59", true},
		{"18:00", false},
		{"23:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			at, err := time.Parse("2006-01-02 15:04", "2024-01-03 "+tt.clock) // Wednesday
			require.NoError(t, err)
			assert.Equal(t, tt.want, scheduledAt(t, cfg, at).Allow)
		})
	}
}

func TestScheduled_NoConfigOpensWeekdays(t *testing.T) {
	assert.True(t, scheduledAt(t, `{"timezone":"UTC"}`, time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC)).Allow)
	assert.False(t, scheduledAt(t, `{"timezone":"UTC"}`, time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)).Allow)
}

func TestScheduled_OvernightWindow(t *testing.T) {
	cfg := `{"timezone":"UTC","workingHours":{"weekdays":{"start":"22:00","end":"06:00"}}}`
	assert.True(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 23, 0, 0, 0, time.UTC)).Allow)
	assert.True(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 5, 59, 0, 0, time.UTC)).Allow)
	assert.False(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 6, 0, 0, 0, time.UTC)).Allow)
	assert.False(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)).Allow)
}

func TestScheduled_Timezone(t *testing.T) {
	// 02:00 UTC is 10:00 in Shanghai.
	cfg := `{"timezone":"Asia/Shanghai","workingHours":{"weekdays":{"start":"09:00","end":"18:00"}}}`
	assert.True(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC)).Allow)
	assert.False(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)).Allow)
}

func TestScheduled_CronWindowsReplaceWorkingHours(t *testing.T) {
	cfg := `{"timezone":"UTC","cronWindows":["* 9-11 * * *"],"workingHours":{"weekdays":{"start":"00:00","end":"23:59"}}}`
	assert.True(t, scheduledAt(t, cfg, time.Date(2024, 1, 6, 10, 15, 0, 0, time.UTC)).Allow) // Saturday inside cron
	assert.False(t, scheduledAt(t, cfg, time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)).Allow)
}

func TestScheduled_ForwardAndClockFallback(t *testing.T) {
	cfg := `{"timezone":"UTC","offHoursReply":"closed","forwardTo":{"channelId":"wecom","accountId":"duty"}}`
	h := NewScheduledHandler(fixedClock(time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC))) // Sunday
	res, err := h.Process(t.Context(), pcFor(binding("s", TypeScheduled, cfg), inbound("u1", "hi")))
	require.NoError(t, err)
	assert.False(t, res.Allow)
	assert.Equal(t, "closed", res.AutoReply)
	require.Len(t, res.RouteTo, 1)
	assert.Equal(t, "wecom", res.RouteTo[0].ChannelID)
}

func TestScheduled_Validate(t *testing.T) {
	h := NewScheduledHandler(nil)
	assert.True(t, h.Validate([]byte(`{"workingHours":{"weekdays":{"start":"09:00","end":"18:00"}},"holidays":["2024-01-01"]}`)).Valid)

	vr := h.Validate([]byte(`{
		"workingHours":{"weekdays":{"start":"9:00","end":"24:00"}},
		"holidays":["01/01/2024"],
		"timezone":"Mars/Olympus",
		"cronWindows":["not a cron"],
		"forwardTo":{"channelId":"wecom"}
	}`))
	assert.False(t, vr.Valid)
	assert.Equal(t, []string{
		`workingHours.weekdays.start must be HH:mm, got "9:00"`,
		`workingHours.weekdays.end must be HH:mm, got "24:00"`,
		`holidays[0] must be a YYYY-MM-DD date, got "01/01/2024"`,
		`timezone "Mars/Olympus" is not a known IANA zone`,
		`cronWindows[0] is not a valid cron expression: "not a cron"`,
		`forwardTo.accountId is required`,
	}, vr.Errors)
}

func TestTimeWindow_Contains(t *testing.T) {
	w := TimeWindow{Start: "09:00", End: "09:00"}
	assert.False(t, w.contains("09:00"))
	w = TimeWindow{Start: "00:00", End: "23:59"}
	assert.True(t, w.contains("00:00"))
	assert.False(t, w.contains("23:59"))
}
