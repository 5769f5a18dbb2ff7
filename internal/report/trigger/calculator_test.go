package trigger

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func utc(y int, mo time.Month, d, h, m, s int) time.Time {
	return time.Date(y, mo, d, h, m, s, 0, time.UTC)
}

func TestNext(t *testing.T) {
	t.Parallel()

	calc := New(time.UTC, time.Second)
	tests := []struct {
		name  string
		spec  Spec
		after time.Time
		want  time.Time
	}{
		{"daily later today", Daily(8, 30), utc(2024, 3, 10, 7, 0, 0), utc(2024, 3, 10, 8, 30, 0)},
		{"daily passed advances a day", Daily(8, 30), utc(2024, 3, 10, 9, 0, 0), utc(2024, 3, 11, 8, 30, 0)},
		{"daily exact boundary is inclusive", Daily(8, 30), utc(2024, 3, 10, 8, 30, 0), utc(2024, 3, 10, 8, 30, 0)},
		{"daily just past boundary", Daily(8, 30), utc(2024, 3, 10, 8, 30, 1), utc(2024, 3, 11, 8, 30, 0)},
		{"daily year rollover", Daily(0, 0), utc(2024, 12, 31, 23, 59, 0), utc(2025, 1, 1, 0, 0, 0)},
		// Tuesday 09:00 -> next Monday 08:00.
		{"weekly monday from tuesday", Weekly(time.Monday, 8, 0), utc(2024, 1, 2, 9, 0, 0), utc(2024, 1, 8, 8, 0, 0)},
		{"weekly same day before slot", Weekly(time.Tuesday, 10, 0), utc(2024, 1, 2, 9, 0, 0), utc(2024, 1, 2, 10, 0, 0)},
		{"weekly same day after slot", Weekly(time.Tuesday, 8, 0), utc(2024, 1, 2, 9, 0, 0), utc(2024, 1, 9, 8, 0, 0)},
		{"weekly sunday zero", Weekly(time.Sunday, 6, 15), utc(2024, 1, 2, 9, 0, 0), utc(2024, 1, 7, 6, 15, 0)},
		{"monthly this month", Monthly(15, 9, 0), utc(2024, 5, 10, 0, 0, 0), utc(2024, 5, 15, 9, 0, 0)},
		{"monthly next month", Monthly(15, 9, 0), utc(2024, 5, 16, 0, 0, 0), utc(2024, 6, 15, 9, 0, 0)},
		{"monthly 31 in april clamps", Monthly(31, 9, 0), utc(2024, 4, 1, 0, 0, 0), utc(2024, 4, 30, 9, 0, 0)},
		{"monthly 31 in leap february", Monthly(31, 9, 0), utc(2024, 2, 1, 0, 0, 0), utc(2024, 2, 29, 9, 0, 0)},
		{"monthly 31 in february", Monthly(31, 9, 0), utc(2023, 2, 1, 0, 0, 0), utc(2023, 2, 28, 9, 0, 0)},
		{"monthly 30 in leap february", Monthly(30, 0, 0), utc(2024, 2, 29, 0, 0, 0), utc(2024, 2, 29, 0, 0, 0)},
		{"monthly december rolls year", Monthly(5, 9, 0), utc(2024, 12, 6, 0, 0, 0), utc(2025, 1, 5, 9, 0, 0)},
		{"monthly exact boundary", Monthly(1, 0, 0), utc(2024, 7, 1, 0, 0, 0), utc(2024, 7, 1, 0, 0, 0)},
		{"onetime adds delay", OneTime(), utc(2024, 7, 1, 12, 0, 0), utc(2024, 7, 1, 12, 0, 1)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := calc.Next(tt.spec, tt.after)
			if err != nil {
				t.Fatalf("Next(%s): %v", tt.spec, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next(%s, %s)=%s, want %s", tt.spec, tt.after, got, tt.want)
			}
			if got.Before(tt.after) {
				t.Fatalf("next %s is before after %s", got, tt.after)
			}
		})
	}
}

func TestDailyRearmIsExactlyOneDay(t *testing.T) {
	t.Parallel()

	calc := New(time.UTC, 0)
	start := utc(2024, 1, 1, 0, 0, 0)
	for h := 0; h < 24; h += 5 {
		for m := 0; m < 60; m += 17 {
			spec := Daily(h, m)
			for i := 0; i < 48; i++ {
				after := start.Add(time.Duration(i) * 37 * time.Minute)
				first, err := calc.Next(spec, after)
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				if first.Before(after) || first.Hour() != h || first.Minute() != m {
					t.Fatalf("Next(%s, %s)=%s", spec, after, first)
				}
				second, err := calc.NextAfter(spec, first)
				if err != nil {
					t.Fatalf("next after: %v", err)
				}
				if d := second.Sub(first); d != 24*time.Hour {
					t.Fatalf("re-arm gap %s for %s at %s", d, spec, first)
				}
			}
		}
	}
}

func TestNextAfterIsStrict(t *testing.T) {
	t.Parallel()

	calc := New(time.UTC, 0)
	fired := utc(2024, 1, 31, 9, 0, 0)
	got, err := calc.NextAfter(Monthly(31, 9, 0), fired)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	if want := utc(2024, 2, 29, 9, 0, 0); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	once, err := calc.NextAfter(OneTime(), fired)
	if err != nil || !once.IsZero() {
		t.Fatalf("onetime next after=%s err=%v, want zero", once, err)
	}
}

func TestNextUsesCalculatorLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	calc := New(loc, 0)
	// 00:30 UTC is 07:30 in UTC+7, so an 08:00 daily slot is 30 minutes away.
	got, err := calc.Next(Daily(8, 0), utc(2024, 1, 1, 0, 30, 0))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := utc(2024, 1, 1, 1, 0, 0); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
	if got.Location() != loc {
		t.Fatalf("result location %v, want %v", got.Location(), loc)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec  Spec
		field string
	}{
		{Daily(24, 0), "schedule.hour"},
		{Daily(-1, 0), "schedule.hour"},
		{Daily(0, 60), "schedule.minute"},
		{Spec{Kind: KindWeekly, Weekday: 7}, "schedule.weekday"},
		{Monthly(0, 0, 0), "schedule.day"},
		{Monthly(32, 0, 0), "schedule.day"},
		{Spec{Kind: "hourly"}, "schedule.kind"},
		{Spec{}, "schedule.kind"},
		{Daily(23, 59), ""},
		{Monthly(31, 0, 0), ""},
		{OneTime(), ""},
	}
	for _, tt := range tests {
		err := tt.spec.Validate()
		if tt.field == "" {
			if err != nil {
				t.Fatalf("%+v: unexpected err %v", tt.spec, err)
			}
			continue
		}
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != tt.field {
			t.Fatalf("%+v: err=%v, want field %s", tt.spec, err, tt.field)
		}
		if _, err := New(time.UTC, 0).Next(tt.spec, time.Now()); err == nil {
			t.Fatalf("%+v: Next accepted an invalid spec", tt.spec)
		}
	}
}

func TestSpecJSONRoundTrip(t *testing.T) {
	t.Parallel()

	for _, spec := range []Spec{Daily(8, 5), Weekly(time.Sunday, 0, 0), Weekly(time.Saturday, 23, 59), Monthly(31, 6, 0), OneTime()} {
		b, err := json.Marshal(spec)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Spec
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if got != spec {
			t.Fatalf("round trip %s: got %+v, want %+v", b, got, spec)
		}
	}
}

func TestSpecJSONLenientInput(t *testing.T) {
	t.Parallel()

	var got Spec
	if err := json.Unmarshal([]byte(`{"kind":"Weekly","weekday":"monday","hour":8,"minute":0}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != Weekly(time.Monday, 8, 0) {
		t.Fatalf("got %+v", got)
	}
	if err := json.Unmarshal([]byte(`{"kind":"weekly","weekday":"someday"}`), &got); err == nil {
		t.Fatalf("expected unknown weekday error")
	}
}
