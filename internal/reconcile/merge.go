// Package reconcile merges locally cached record history with the server copy.
package reconcile

import (
	"sort"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

// Strategy names how a conflict between a local and a server record was resolved.
type Strategy string

const (
	// StrategyNewest keeps whichever copy has the larger createdAt; ties go to the server.
	StrategyNewest Strategy = "newest"
	// StrategyServer always keeps the server copy.
	StrategyServer Strategy = "server"
	// StrategyMerge unions fields with server precedence and keeps the larger createdAt.
	StrategyMerge Strategy = "merge"
	// StrategyCollapse folds repeated natural keys inside a single source onto the first occurrence.
	StrategyCollapse Strategy = "collapse"
)

// StrategyFor returns the conflict strategy configured for a variant.
func StrategyFor(variant records.Variant) Strategy {
	switch variant {
	case records.VariantCalculation:
		return StrategyNewest
	case records.VariantMapRun:
		return StrategyServer
	case records.VariantEquipmentBuild:
		return StrategyMerge
	default:
		return StrategyServer
	}
}

// Conflict is an observability entry describing one resolution. It is never replayed.
type Conflict struct {
	NaturalKey      string
	Strategy        Strategy
	Resolved        bool
	Kept            records.Origin
	LocalCreatedAt  int64
	ServerCreatedAt int64
	// KeptCreatedAt and DroppedCreatedAt are set for every conflict, collapses included.
	KeptCreatedAt    int64
	DroppedCreatedAt int64
}

// Rejection reports an input record that could not take part in the merge.
type Rejection struct {
	Record records.Record
	Origin records.Origin
	Reason string
}

// Result is the canonical record set plus the conflict log.
type Result struct {
	Merged    []records.Record
	Conflicts []Conflict
	Rejected  []Rejection
}

// Merge reconciles local and server records of one variant. It is pure: the same inputs always
// produce the same output and no input slice or map is mutated.
func Merge(local, server []records.Record, variant records.Variant) Result {
	strategy := StrategyFor(variant)
	result := Result{
		Merged:    make([]records.Record, 0, len(local)+len(server)),
		Conflicts: []Conflict{},
		Rejected:  []Rejection{},
	}

	serverIndex := make(map[string]int, len(server))
	for _, candidate := range server {
		record, ok := admit(&result, candidate, variant, records.OriginServer)
		if !ok {
			continue
		}
		key := record.NaturalKey()
		if position, seen := serverIndex[key]; seen {
			result.Conflicts = append(result.Conflicts, collapsed(key, result.Merged[position], record))
			continue
		}
		serverIndex[key] = len(result.Merged)
		result.Merged = append(result.Merged, record)
	}

	localSeen := make(map[string]records.Record, len(local))
	for _, candidate := range local {
		record, ok := admit(&result, candidate, variant, records.OriginLocal)
		if !ok {
			continue
		}
		key := record.NaturalKey()
		if first, seen := localSeen[key]; seen {
			result.Conflicts = append(result.Conflicts, collapsed(key, first, record))
			continue
		}
		localSeen[key] = record

		position, onServer := serverIndex[key]
		if !onServer {
			result.Merged = append(result.Merged, record)
			continue
		}
		kept, conflict := resolve(strategy, record, result.Merged[position])
		result.Merged[position] = kept
		result.Conflicts = append(result.Conflicts, conflict)
	}

	sort.SliceStable(result.Merged, func(i, j int) bool {
		return less(result.Merged[i], result.Merged[j])
	})
	return result
}

func admit(result *Result, candidate records.Record, variant records.Variant, origin records.Origin) (records.Record, bool) {
	record := candidate.Clone()
	record.Origin = origin
	if record.Variant == "" {
		record.Variant = variant
	}
	if record.Variant != variant {
		result.Rejected = append(result.Rejected, Rejection{Record: record, Origin: origin, Reason: "variant mismatch"})
		return records.Record{}, false
	}
	if err := records.ValidateForMerge(record); err != nil {
		result.Rejected = append(result.Rejected, Rejection{Record: record, Origin: origin, Reason: err.Error()})
		return records.Record{}, false
	}
	return record, true
}

func resolve(strategy Strategy, local, server records.Record) (records.Record, Conflict) {
	conflict := Conflict{
		NaturalKey:      server.NaturalKey(),
		Strategy:        strategy,
		Resolved:        true,
		Kept:            records.OriginServer,
		LocalCreatedAt:  local.CreatedAt,
		ServerCreatedAt: server.CreatedAt,
	}

	kept := server
	switch strategy {
	case StrategyNewest:
		if local.CreatedAt > server.CreatedAt {
			conflict.Kept = records.OriginLocal
			kept = local
		}
	case StrategyServer:
	case StrategyMerge:
		kept = server.Clone()
		kept.Payload = unionMaps(local.Payload, server.Payload)
		kept.Results = unionMaps(local.Results, server.Results)
		if local.CreatedAt > kept.CreatedAt {
			kept.CreatedAt = local.CreatedAt
		}
	default:
		conflict.Resolved = false
	}

	conflict.KeptCreatedAt = kept.CreatedAt
	conflict.DroppedCreatedAt = server.CreatedAt
	if conflict.Kept == records.OriginServer {
		conflict.DroppedCreatedAt = local.CreatedAt
	}
	return kept, conflict
}

func collapsed(key string, kept, dropped records.Record) Conflict {
	conflict := Conflict{
		NaturalKey:       key,
		Strategy:         StrategyCollapse,
		Resolved:         true,
		Kept:             kept.Origin,
		KeptCreatedAt:    kept.CreatedAt,
		DroppedCreatedAt: dropped.CreatedAt,
	}
	if kept.Origin == records.OriginServer {
		conflict.ServerCreatedAt = kept.CreatedAt
	} else {
		conflict.LocalCreatedAt = kept.CreatedAt
	}
	return conflict
}

// unionMaps overlays preferred on top of base.
func unionMaps(base, preferred map[string]any) map[string]any {
	if base == nil && preferred == nil {
		return nil
	}
	union := make(map[string]any, len(base)+len(preferred))
	for key, value := range base {
		union[key] = value
	}
	for key, value := range preferred {
		union[key] = value
	}
	return union
}

func less(left, right records.Record) bool {
	if left.CreatedAt != right.CreatedAt {
		return left.CreatedAt > right.CreatedAt
	}
	leftKey, rightKey := left.NaturalKey(), right.NaturalKey()
	if leftKey != rightKey {
		return leftKey < rightKey
	}
	if left.Origin != right.Origin {
		return left.Origin == records.OriginServer
	}
	return left.ID < right.ID
}
