package cluster

import (
	"context"
)

type simFunc func(a, b string) float64

// matrix holds pairwise similarities of the clustered entities.
type matrix struct {
	ids []string
	sim [][]float64
}

func newMatrix(ctx context.Context, ids []string, f simFunc) (*matrix, error) {
	m := &matrix{ids: ids, sim: make([][]float64, len(ids))}
	for i := range ids {
		m.sim[i] = make([]float64, len(ids))
	}
	for i := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.sim[i][i] = 1
		for j := i + 1; j < len(ids); j++ {
			s := f(ids[i], ids[j])
			m.sim[i][j], m.sim[j][i] = s, s
		}
	}
	return m, nil
}

// agglomerate performs average-linkage clustering: it repeatedly merges the
// pair of groups with the highest mean pairwise similarity while that mean
// stays at or above threshold. Groups are returned as index lists. The bool
// result reports whether ctx ended the merging early.
func agglomerate(ctx context.Context, m *matrix, threshold float64) ([][]int, bool) {
	n := len(m.ids)
	groups := make([][]int, n)
	active := make([]bool, n)
	// sums[i][j] is the summed similarity between members of groups i and j.
	sums := make([][]float64, n)
	for i := 0; i < n; i++ {
		groups[i] = []int{i}
		active[i] = true
		sums[i] = append([]float64(nil), m.sim[i]...)
	}

	interrupted := false
	for {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		bi, bj, best := -1, -1, -1.0
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				avg := sums[i][j] / float64(len(groups[i])*len(groups[j]))
				if avg > best {
					bi, bj, best = i, j, avg
				}
			}
		}
		if bi < 0 || best < threshold {
			break
		}

		groups[bi] = append(groups[bi], groups[bj]...)
		groups[bj] = nil
		active[bj] = false
		for k := 0; k < n; k++ {
			if !active[k] || k == bi {
				continue
			}
			sums[bi][k] += sums[bj][k]
			sums[k][bi] = sums[bi][k]
		}
	}

	var out [][]int
	for i := 0; i < n; i++ {
		if active[i] {
			out = append(out, groups[i])
		}
	}
	return out, interrupted
}

func (m *matrix) members(group []int) []string {
	out := make([]string, len(group))
	for i, idx := range group {
		out[i] = m.ids[idx]
	}
	return out
}
