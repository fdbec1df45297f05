package cluster

import "math"

// merge is one agglomeration step: clusters a and b joined at distance.
// Leaves are 0..n-1; the cluster created at step s has id n+s.
type merge struct {
	a, b     int
	distance float64
	size     int
}

// sqDistances returns the full symmetric matrix of squared Euclidean
// distances, sized for the 2n-1 clusters the linkage can create.
func sqDistances(vectors [][]float64) [][]float64 {
	n := len(vectors)
	m := make([][]float64, 2*n-1)
	for i := range m {
		m[i] = make([]float64, 2*n-1)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var d float64
			for k := range vectors[i] {
				diff := vectors[i][k] - vectors[j][k]
				d += diff * diff
			}
			m[i][j], m[j][i] = d, d
		}
	}
	return m
}

// wardLinkage runs Ward's agglomerative clustering with the Lance-Williams
// update and returns the n-1 merges in order. Reported distances are
// Euclidean, not squared, to match scipy's linkage output.
func wardLinkage(vectors [][]float64) []merge {
	n := len(vectors)
	if n < 2 {
		return nil
	}
	d := sqDistances(vectors)
	size := make([]int, 2*n-1)
	active := make([]bool, 2*n-1)
	for i := 0; i < n; i++ {
		size[i] = 1
		active[i] = true
	}

	merges := make([]merge, 0, n-1)
	for step := 0; step < n-1; step++ {
		top := n + step
		best := math.Inf(1)
		bi, bj := -1, -1
		for i := 0; i < top; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < top; j++ {
				if active[j] && d[i][j] < best {
					best, bi, bj = d[i][j], i, j
				}
			}
		}

		active[bi], active[bj] = false, false
		active[top] = true
		size[top] = size[bi] + size[bj]
		merges = append(merges, merge{a: bi, b: bj, distance: math.Sqrt(best), size: size[top]})

		ni, nj := float64(size[bi]), float64(size[bj])
		for k := 0; k < top; k++ {
			if !active[k] {
				continue
			}
			nk := float64(size[k])
			v := ((nk+ni)*d[bi][k] + (nk+nj)*d[bj][k] - nk*best) / (nk + ni + nj)
			d[top][k], d[k][top] = v, v
		}
	}
	return merges
}

// cutDendrogram keeps every merge at or below threshold and returns a
// sequential cluster label for each of the n leaves.
func cutDendrogram(merges []merge, n int, threshold float64) []int {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	var root func(int) int
	root = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for step, m := range merges {
		if m.distance > threshold {
			continue
		}
		id := n + step
		parent[root(m.a)] = id
		parent[root(m.b)] = id
	}

	labels := make([]int, n)
	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		r := root(i)
		if _, ok := seen[r]; !ok {
			seen[r] = len(seen)
		}
		labels[i] = seen[r]
	}
	return labels
}
