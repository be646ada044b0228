package aggregate

import (
	"context"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const topMapLimit = 5

func (s *Service) queryFeed(ctx context.Context, now time.Time) (feedPayload, error) {
	since := now.Add(-s.feedWindow).UnixMilli()
	until := now.UnixMilli()
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&records.FeedEntry{}).
		Where("created_at_ms BETWEEN ? AND ?", since, until).
		Count(&total).Error; err != nil {
		return feedPayload{}, err
	}

	var entries []records.FeedEntry
	if err := db.Where("created_at_ms BETWEEN ? AND ?", since, until).
		Order("created_at_ms DESC, entry_id DESC").
		Limit(s.pageSize).
		Find(&entries).Error; err != nil {
		return feedPayload{}, err
	}

	runs := make([]FeedRun, 0, len(entries))
	for _, entry := range entries {
		runs = append(runs, FeedRun{
			ID:         entry.EntryID,
			PlayerName: entry.PlayerName,
			Map:        entry.MapLabel,
			Luck:       entry.Luck,
			Tokens:     entry.Tokens,
			Efficiency: entry.Efficiency,
			CreatedAt:  entry.CreatedAtMillis,
		})
	}
	return feedPayload{Runs: runs, Total: total}, nil
}

type variantTotal struct {
	Variant records.Variant
	Count   int64
	Tokens  float64
}

type averages struct {
	AverageLuck   float64
	AverageTokens float64
}

func (s *Service) queryStats(ctx context.Context, now time.Time) (AggregateStats, error) {
	db := s.db.WithContext(ctx)
	stats := AggregateStats{GeneratedAt: now.UnixMilli(), TopMaps: []MapStat{}}
	feedVariants := []records.Variant{records.VariantCalculation, records.VariantMapRun}

	var totals []variantTotal
	if err := db.Model(&records.StoredRecord{}).
		Select("variant, COUNT(*) AS count, COALESCE(SUM(tokens), 0) AS tokens").
		Where("variant IN ?", feedVariants).
		Group("variant").
		Scan(&totals).Error; err != nil {
		return AggregateStats{}, err
	}
	for _, total := range totals {
		switch total.Variant {
		case records.VariantMapRun:
			stats.TotalRuns = total.Count
		case records.VariantCalculation:
			stats.TotalCalculations = total.Count
		}
		stats.TotalTokens += total.Tokens
	}
	if stats.TotalRuns+stats.TotalCalculations == 0 {
		return stats, nil
	}

	if err := db.Model(&records.StoredRecord{}).
		Distinct("owner_key").
		Where("created_at_ms >= ?", now.Add(-s.feedWindow).UnixMilli()).
		Count(&stats.ActivePlayers).Error; err != nil {
		return AggregateStats{}, err
	}

	var avg averages
	if err := db.Model(&records.StoredRecord{}).
		Select("COALESCE(AVG(CASE WHEN luck > 0 THEN luck END), 0) AS average_luck, "+
			"COALESCE(AVG(CASE WHEN variant = ? THEN tokens END), 0) AS average_tokens", records.VariantMapRun).
		Where("variant IN ?", feedVariants).
		Scan(&avg).Error; err != nil {
		return AggregateStats{}, err
	}
	stats.AverageLuck = round2(avg.AverageLuck)
	stats.AverageTokensPerRun = round2(avg.AverageTokens)
	stats.TotalTokens = round2(stats.TotalTokens)

	var top []MapStat
	if err := db.Model(&records.StoredRecord{}).
		Select("map_label, COUNT(*) AS runs, AVG(tokens) AS average_tokens").
		Where("variant = ?", records.VariantMapRun).
		Group("map_label").
		Order("runs DESC, map_label ASC").
		Limit(topMapLimit).
		Scan(&top).Error; err != nil {
		return AggregateStats{}, err
	}
	for index := range top {
		top[index].AverageTokens = round2(top[index].AverageTokens)
	}
	if top != nil {
		stats.TopMaps = top
	}

	var best []records.FeedEntry
	if err := db.Where("created_at_ms <= ?", now.UnixMilli()).
		Order("tokens DESC, created_at_ms DESC").Limit(1).Find(&best).Error; err != nil {
		return AggregateStats{}, err
	}
	if len(best) == 1 {
		stats.BestRun = &BestRun{
			PlayerName: best[0].PlayerName,
			Map:        best[0].MapLabel,
			Tokens:     best[0].Tokens,
			CreatedAt:  best[0].CreatedAtMillis,
		}
	}
	return stats, nil
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
