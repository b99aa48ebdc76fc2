package model

// QueueStateGroup is one row of the queue state aggregation: the number of live jobs
// sharing a type name, a state and a combination of derived flags.
type QueueStateGroup struct {
	Name    string `json:"name"`
	State   State  `json:"state"`
	Zombie  bool   `json:"zombie"`
	Wall    bool   `json:"wall"`
	Removed bool   `json:"removed"`
	Killed  bool   `json:"killed"`
	Count   int    `json:"n"`
}

// Flags renders the group's derived flags, e.g. ".W.K".
func (g QueueStateGroup) Flags() string {
	return FlagString(g.Zombie, g.Wall, g.Removed, g.Killed)
}

// QueueStateKey identifies an aggregation bucket.
type QueueStateKey struct {
	Name    string
	State   State
	Zombie  bool
	Wall    bool
	Removed bool
	Killed  bool
}

// KeyOf returns the aggregation bucket a job falls into.
func KeyOf(j *Job) QueueStateKey {
	return QueueStateKey{
		Name:    j.Name,
		State:   j.State,
		Zombie:  j.IsZombie(),
		Wall:    j.IsWall(),
		Removed: j.IsRemoved(),
		Killed:  j.IsKilled(),
	}
}

// Group converts the key into a group carrying count n.
func (k QueueStateKey) Group(n int) QueueStateGroup {
	return QueueStateGroup{
		Name:    k.Name,
		State:   k.State,
		Zombie:  k.Zombie,
		Wall:    k.Wall,
		Removed: k.Removed,
		Killed:  k.Killed,
		Count:   n,
	}
}

// QueueCounts maps each state to its number of live jobs.
type QueueCounts map[State]int

// Total returns the number of jobs across all states.
func (c QueueCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}
