package liquidation

import "testing"

func TestFilterMatch(t *testing.T) {
	ev := Event{Coin: "BTC", Notional: 500, LiquidatedUser: "0xabc"}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches everything", Filter{}, true},
		{"coin match is case-insensitive", Filter{Coin: "btc"}, true},
		{"coin mismatch excludes", Filter{Coin: "ETH"}, false},
		{"notional floor inclusive pass", Filter{MinNotional: 500}, true},
		{"notional floor exclusive fail", Filter{MinNotional: 501}, false},
		{"user match is case-insensitive", Filter{User: "0xABC"}, true},
		{"user mismatch excludes", Filter{User: "0xdef"}, false},
		{"all fields ANDed", Filter{Coin: "BTC", MinNotional: 100, User: "0xabc"}, true},
		{"one mismatched field excludes", Filter{Coin: "BTC", MinNotional: 9999}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Match(ev); got != tc.want {
				t.Errorf("Match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPeriodKeyAndBucketCount(t *testing.T) {
	want := map[string]int{"2h": 24, "4h": 48, "8h": 32, "12h": 48, "24h": 48}
	for _, p := range Periods {
		if got := want[p.Key()]; got != p.BucketCount() {
			t.Errorf("period %s: BucketCount() = %d, want %d", p.Key(), p.BucketCount(), got)
		}
	}
}
