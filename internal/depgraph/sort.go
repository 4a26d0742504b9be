package depgraph

import (
	"sort"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// SortCommits orders commits for processing. Commits of projects present in
// order are ranked by their index in it; projects absent from order come
// last. Equal ranks are ordered by commit timestamp. The sort is stable.
func SortCommits(commits []ledger.Commit, order []string) {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		if _, seen := rank[name]; !seen {
			rank[name] = i
		}
	}
	last := len(order)
	rankOf := func(c ledger.Commit) int {
		if r, ok := rank[c.ProjectName]; ok {
			return r
		}
		return last
	}
	sort.SliceStable(commits, func(i, j int) bool {
		ri, rj := rankOf(commits[i]), rankOf(commits[j])
		if ri != rj {
			return ri < rj
		}
		return commits[i].DtCommit < commits[j].DtCommit
	})
}

// SortByTimestamp orders commits by commit timestamp only.
func SortByTimestamp(commits []ledger.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].DtCommit < commits[j].DtCommit
	})
}
