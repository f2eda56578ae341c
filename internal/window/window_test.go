package window

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/filing-facts/internal/model"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func keys(ws []model.Window) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Key()
	}
	return out
}

func TestPlan_MidMonthRange(t *testing.T) {
	got := Plan(date(t, "2020-01-15"), date(t, "2020-03-10"))
	assert.Equal(t, []string{
		"2020-01-15..2020-01-31",
		"2020-02-01..2020-02-29",
		"2020-03-01..2020-03-10",
	}, keys(got))
}

func TestPlan_SingleDay(t *testing.T) {
	got := Plan(date(t, "2021-06-30"), date(t, "2021-06-30"))
	assert.Equal(t, []string{"2021-06-30..2021-06-30"}, keys(got))
}

func TestPlan_Inverted(t *testing.T) {
	assert.Empty(t, Plan(date(t, "2021-07-01"), date(t, "2021-06-30")))
}

func TestPlan_YearBoundary(t *testing.T) {
	got := Plan(date(t, "2019-12-31"), date(t, "2020-01-01"))
	assert.Equal(t, []string{
		"2019-12-31..2019-12-31",
		"2020-01-01..2020-01-01",
	}, keys(got))
}

func TestPlan_IgnoresTimeOfDay(t *testing.T) {
	start := time.Date(2020, 1, 15, 23, 59, 0, 0, time.UTC)
	end := time.Date(2020, 2, 3, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{
		"2020-01-15..2020-01-31",
		"2020-02-01..2020-02-03",
	}, keys(Plan(start, end)))
}

func TestPlan_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	base := date(t, "2004-01-01")

	for i := 0; i < 500; i++ {
		start := base.AddDate(0, 0, r.IntN(8000))
		end := start.AddDate(0, 0, r.IntN(900))

		ws := Plan(start, end)
		require.NotEmpty(t, ws)
		assert.True(t, ws[0].Start.Equal(start), "first window starts at start")
		assert.True(t, ws[len(ws)-1].End.Equal(end), "last window ends at end")

		for j, w := range ws {
			assert.False(t, w.End.Before(w.Start))
			assert.Equal(t, w.Start.Year(), w.End.Year())
			assert.Equal(t, w.Start.Month(), w.End.Month())
			if j > 0 {
				// Contiguous and non-overlapping.
				assert.True(t, ws[j-1].End.AddDate(0, 0, 1).Equal(w.Start))
				assert.Equal(t, 1, w.Start.Day())
			}
			if j < len(ws)-1 {
				assert.Equal(t, w.End.AddDate(0, 0, 1).Day(), 1, "inner windows end on the month's last day")
			}
		}
	}
}

func TestParseDate_Invalid(t *testing.T) {
	_, err := ParseDate("2020/01/01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window: parse date")
}
