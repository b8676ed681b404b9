package domain

// UserAggregate counts classified items per category for one user.
// It is not safe for concurrent use; callers serialize Increment.
type UserAggregate struct {
	UserID string
	counts map[Category]int
}

func NewUserAggregate(userID string) *UserAggregate {
	return &UserAggregate{UserID: userID, counts: make(map[Category]int, len(AllCategories))}
}

func (a *UserAggregate) Increment(c Category) {
	a.counts[c]++
}

func (a *UserAggregate) Count(c Category) int {
	return a.counts[c]
}

func (a *UserAggregate) Total() int {
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

// Counts returns a copy of the per-category counts.
func (a *UserAggregate) Counts() map[Category]int {
	out := make(map[Category]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}
