package distributor

import (
	"math"
	"sort"
)

// objectives extracts the maximization vector (trust, −latency, −cost,
// capability) for Pareto comparison.
func objectives(c Candidate) [4]float64 {
	return [4]float64{
		c.Trust,
		-float64(c.LatencyMS),
		-c.AvgCostUSD,
		c.CapabilityMatch,
	}
}

// dominates reports whether a dominates b: no worse in every objective,
// strictly better in at least one.
func dominates(a, b [4]float64) bool {
	better := false
	for i := range a {
		if a[i] < b[i] {
			return false
		}
		if a[i] > b[i] {
			better = true
		}
	}
	return better
}

// paretoFront returns the non-dominated candidates.
func paretoFront(candidates []Candidate) []Candidate {
	var front []Candidate
	for i, c := range candidates {
		dominated := false
		objC := objectives(c)
		for j, other := range candidates {
			if i == j {
				continue
			}
			if dominates(objectives(other), objC) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, c)
		}
	}
	return front
}

// selectPareto picks from the Pareto front by crowding distance, preferring
// the most isolated (most diverse) alternative. Ties break by node id.
func selectPareto(candidates []Candidate) Candidate {
	front := paretoFront(candidates)
	if len(front) == 1 {
		return front[0]
	}

	distances := crowdingDistances(front)
	best := 0
	for i := 1; i < len(front); i++ {
		if distances[i] > distances[best] {
			best = i
			continue
		}
		if distances[i] == distances[best] &&
			front[i].Peer.Identity.NodeID < front[best].Peer.Identity.NodeID {
			best = i
		}
	}
	return front[best]
}

// crowdingDistances computes the NSGA-II style crowding distance per front
// member: boundary members get infinite distance.
func crowdingDistances(front []Candidate) []float64 {
	n := len(front)
	distances := make([]float64, n)
	for obj := 0; obj < 4; obj++ {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return objectives(front[order[a]])[obj] < objectives(front[order[b]])[obj]
		})

		lo := objectives(front[order[0]])[obj]
		hi := objectives(front[order[n-1]])[obj]
		span := hi - lo
		distances[order[0]] = math.Inf(1)
		distances[order[n-1]] = math.Inf(1)
		if span == 0 {
			continue
		}
		for i := 1; i < n-1; i++ {
			prev := objectives(front[order[i-1]])[obj]
			next := objectives(front[order[i+1]])[obj]
			distances[order[i]] += (next - prev) / span
		}
	}
	return distances
}
