package git

// GraphEdge is one curve drawn from a commit to one of its parents when the
// parent does not sit in the same lane (merge sources).
type GraphEdge struct {
	FromLane  int    `json:"from_lane"`
	ToLane    int    `json:"to_lane"`
	ParentSHA string `json:"parent_sha"`
}

// GraphRow is one commit positioned for the log view.
type GraphRow struct {
	Commit Commit      `json:"commit"`
	Lane   int         `json:"lane"`
	Edges  []GraphEdge `json:"edges,omitempty"`
}

// LayoutGraph assigns a lane to every commit for rendering. Commits must be
// in parent-order (children before parents), as produced by Log. The first
// parent of a commit inherits its lane; additional parents are placed in the
// first free lane and connected with an edge. Lanes are freed once no
// remaining commit expects them. The layout is deterministic for a fixed
// input order.
func LayoutGraph(commits []Commit) []GraphRow {
	rows := make([]GraphRow, 0, len(commits))
	// lanes[i] holds the sha the lane is waiting for; "" means free.
	var lanes []string

	findLane := func(sha string) int {
		for i, want := range lanes {
			if want == sha {
				return i
			}
		}
		return -1
	}
	allocLane := func(sha string) int {
		for i, want := range lanes {
			if want == "" {
				lanes[i] = sha
				return i
			}
		}
		lanes = append(lanes, sha)
		return len(lanes) - 1
	}

	for _, c := range commits {
		lane := findLane(c.SHA)
		if lane < 0 {
			lane = allocLane(c.SHA)
		}
		// Other lanes waiting for this commit collapse into it.
		for i, want := range lanes {
			if i != lane && want == c.SHA {
				lanes[i] = ""
			}
		}

		row := GraphRow{Commit: c, Lane: lane}
		if len(c.Parents) == 0 {
			lanes[lane] = ""
		} else {
			lanes[lane] = c.Parents[0]
			for _, parent := range c.Parents[1:] {
				target := findLane(parent)
				if target < 0 {
					target = allocLane(parent)
				}
				row.Edges = append(row.Edges, GraphEdge{FromLane: lane, ToLane: target, ParentSHA: parent})
			}
		}
		rows = append(rows, row)
	}
	return rows
}
