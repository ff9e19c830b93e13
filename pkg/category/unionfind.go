package category

// disjointSet groups indices transitively. The root of every set is its
// smallest member, so the earliest category in list order survives.
type disjointSet struct {
	parent []int
}

func newDisjointSet(n int) *disjointSet {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &disjointSet{parent: parent}
}

func (d *disjointSet) find(x int) int {
	for d.parent[x] != x {
		d.parent[x] = d.parent[d.parent[x]]
		x = d.parent[x]
	}
	return x
}

func (d *disjointSet) union(x, y int) {
	px, py := d.find(x), d.find(y)
	if px == py {
		return
	}
	if px < py {
		d.parent[py] = px
	} else {
		d.parent[px] = py
	}
}

// components returns every set with more than one member, each ordered
// ascending and the sets ordered by root.
func (d *disjointSet) components() [][]int {
	byRoot := make(map[int][]int)
	var roots []int
	for i := range d.parent {
		r := d.find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], i)
	}
	var out [][]int
	for _, r := range roots {
		if len(byRoot[r]) > 1 {
			out = append(out, byRoot[r])
		}
	}
	return out
}
