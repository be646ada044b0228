package aggregate

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

type demoRun struct {
	mapLabel string
	luck     float64
	tokens   float64
}

var demoRuns = []demoRun{
	{mapLabel: "small", luck: 850, tokens: 92},
	{mapLabel: "medium", luck: 1250, tokens: 185},
	{mapLabel: "large", luck: 1600, tokens: 310},
	{mapLabel: "medium", luck: 1100, tokens: 150},
	{mapLabel: "small", luck: 700, tokens: 64},
}

// syntheticFeed renders demo runs spaced a few minutes apart before now.
func syntheticFeed(now time.Time) feedPayload {
	runs := make([]FeedRun, 0, len(demoRuns))
	for index, demo := range demoRuns {
		createdAt := now.Add(-time.Duration(index*7+2) * time.Minute).UnixMilli()
		runs = append(runs, FeedRun{
			ID:         fmt.Sprintf("demo-%d", index+1),
			PlayerName: fmt.Sprintf("Demo Farmer %d", index+1),
			Map:        demo.mapLabel,
			Luck:       demo.luck,
			Tokens:     demo.tokens,
			Efficiency: records.Efficiency(demo.tokens, demo.luck),
			CreatedAt:  createdAt,
		})
	}
	return feedPayload{Runs: runs, Total: int64(len(runs))}
}

func syntheticStats(now time.Time) AggregateStats {
	return AggregateStats{
		TotalRuns:           1284,
		TotalCalculations:   3411,
		ActivePlayers:       57,
		TotalTokens:         241870,
		AverageLuck:         1175.5,
		AverageTokensPerRun: 161.25,
		TopMaps: []MapStat{
			{Map: "medium", Runs: 612, AverageTokens: 171.4},
			{Map: "small", Runs: 401, AverageTokens: 83.9},
			{Map: "large", Runs: 271, AverageTokens: 298.2},
		},
		BestRun: &BestRun{
			PlayerName: "Demo Farmer 3",
			Map:        "large",
			Tokens:     512,
			CreatedAt:  now.Add(-3 * time.Hour).UnixMilli(),
		},
		GeneratedAt: now.UnixMilli(),
	}
}
