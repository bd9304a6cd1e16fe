package cache

import (
	"fmt"
)

// Cache key layout, §6 "Cache keys".
const (
	KeyAllData        = "liquidations:all-data"
	KeyStatsAll        = "liquidations:stats:all"
	KeyLastObservedID = "liquidations:sse:lastTimeMs"
	ChannelBroadcast  = "liquidations:sse:broadcast"
)

func KeyRecent(hours, limit int) string {
	return fmt.Sprintf("liquidations:recent:%dh:%d", hours, limit)
}

func KeyChart(period string) string {
	return "liquidations:chart:" + period
}
