package health

// AggregationStrategy combines many check results into one overall status
type AggregationStrategy int

const (
	// Worst reports the most severe status among all checks
	Worst AggregationStrategy = iota
	// Weighted averages per-status scores scaled by each check's weight
	Weighted
	// Majority reports the status held by a strict majority of checks,
	// falling back to Worst on ties
	Majority
)

func (s AggregationStrategy) String() string {
	switch s {
	case Worst:
		return "worst"
	case Weighted:
		return "weighted"
	case Majority:
		return "majority"
	default:
		return "unknown"
	}
}

// statusScore maps a status to its contribution in weighted aggregation
func statusScore(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1.0
	case StatusDegraded:
		return 0.5
	case StatusUnknown:
		return 0.25
	default:
		return 0.0
	}
}

// severity orders statuses from best to worst for comparison
func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	default:
		return 3
	}
}

// aggregate computes the overall status from per-check results and weights
func aggregate(strategy AggregationStrategy, results map[string]CheckResult, weights map[string]float64) Status {
	if len(results) == 0 {
		return StatusUnknown
	}

	switch strategy {
	case Weighted:
		return aggregateWeighted(results, weights)
	case Majority:
		return aggregateMajority(results)
	default:
		return aggregateWorst(results)
	}
}

func aggregateWorst(results map[string]CheckResult) Status {
	worst := StatusHealthy
	for _, r := range results {
		if severity(r.Status) > severity(worst) {
			worst = r.Status
		}
	}
	return worst
}

func aggregateWeighted(results map[string]CheckResult, weights map[string]float64) Status {
	var sum, total float64
	for name, r := range results {
		w := weights[name]
		if w <= 0 {
			w = 1.0
		}
		sum += statusScore(r.Status) * w
		total += w
	}
	if total == 0 {
		return StatusUnknown
	}

	avg := sum / total
	switch {
	case avg >= 0.8:
		return StatusHealthy
	case avg >= 0.5:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

func aggregateMajority(results map[string]CheckResult) Status {
	counts := make(map[Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	for status, n := range counts {
		if 2*n > len(results) {
			return status
		}
	}
	return aggregateWorst(results)
}
