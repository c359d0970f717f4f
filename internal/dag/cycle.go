package dag

// findCycle runs a depth-first search over dependency edges, in definition
// order, marking nodes on the recursion stack. It returns one cycle as task
// names with the first name repeated at the end, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)

	color := make([]int, len(g.tasks))
	stack := make([]int, 0, len(g.tasks))
	var cycle []int

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = grey
		stack = append(stack, u)
		for _, v := range g.deps[u] {
			switch color[v] {
			case grey:
				// v is on the stack: the cycle is stack[pos(v):] + v.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append(append([]int(nil), stack[i:]...), v)
						break
					}
				}
				return true
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.tasks {
		if color[i] == white && visit(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	names := make([]string, len(cycle))
	for i, idx := range cycle {
		names[i] = g.tasks[idx].Name
	}
	return names
}
