package background

// liveSet tracks the open cross-process parent actors of one worker
// loop instance. It is created and released on the controller loop but
// mutated only on the worker loop, so insert and remove never race.
type liveSet struct {
	actors []*ParentActor
}

func newLiveSet() *liveSet {
	return &liveSet{actors: make([]*ParentActor, 0, 1)}
}

func (s *liveSet) add(a *ParentActor) {
	s.actors = append(s.actors, a)
}

func (s *liveSet) remove(a *ParentActor) bool {
	for i, e := range s.actors {
		if e == a {
			s.actors = append(s.actors[:i], s.actors[i+1:]...)
			return true
		}
	}
	return false
}

func (s *liveSet) contains(a *ParentActor) bool {
	for _, e := range s.actors {
		if e == a {
			return true
		}
	}
	return false
}

// snapshot copies the set; closing an actor mutates the live set, so
// forced close iterates over a copy.
func (s *liveSet) snapshot() []*ParentActor {
	out := make([]*ParentActor, len(s.actors))
	copy(out, s.actors)
	return out
}

func (s *liveSet) empty() bool { return len(s.actors) == 0 }
