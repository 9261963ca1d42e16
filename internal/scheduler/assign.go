package scheduler

// assigner hands out accounts by smooth weighted round robin, the weight of
// each account being the quota it has left. Every pick consumes one unit, so
// an account is never given more work than it can send today.
type assigner struct {
	slots []*slot
}

type slot struct {
	id      string
	budget  int
	current int
}

func newAssigner(ids []string, budget func(id string) int) *assigner {
	a := &assigner{}
	for _, id := range ids {
		if b := budget(id); b > 0 {
			a.slots = append(a.slots, &slot{id: id, budget: b})
		}
	}
	return a
}

// next returns the account for the next lead, or "" once every budget is
// spent. pinned wins whenever it still has budget.
func (a *assigner) next(pinned string) string {
	if pinned != "" {
		for _, s := range a.slots {
			if s.id == pinned && s.budget > 0 {
				s.budget--
				return s.id
			}
		}
	}
	var best *slot
	total := 0
	for _, s := range a.slots {
		if s.budget <= 0 {
			continue
		}
		s.current += s.budget
		total += s.budget
		if best == nil || s.current > best.current {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	best.current -= total
	best.budget--
	return best.id
}

func (a *assigner) remaining() int {
	n := 0
	for _, s := range a.slots {
		n += s.budget
	}
	return n
}
