package session

import (
	"golang.org/x/sync/errgroup"
)

// reconcileSubscriptions deregisters event names no longer wanted and
// registers newly wanted ones, leaving any always-tracked internal
// registrations (CIRC/STREAM under restrict_stream_events) untouched
// regardless of what the client asked for (spec §4.4.2, §4.4.3). It uses
// errgroup to perform the (de)registrations concurrently, since they are
// independent controller round-trips.
func (s *Session) reconcileSubscriptions(old, wanted map[string]struct{}) error {
	var eg errgroup.Group

	for name := range old {
		if _, stillWanted := wanted[name]; stillWanted {
			continue
		}
		if s.alwaysTracked(name) {
			continue
		}
		name := name
		eg.Go(func() error { return s.deregisterAtController(name) })
	}

	for name := range wanted {
		if s.isControllerRegistered(name) {
			continue
		}
		rule := s.rules.AllowedEvents[name]
		if rule.Suppress && !s.complain {
			// Client believes it is subscribed but will never see events
			// (spec §4.4.2).
			continue
		}
		name := name
		eg.Go(func() error { return s.registerAtController(name) })
	}

	return eg.Wait()
}

func (s *Session) registerAtController(name string) error {
	if err := s.link.AddListener(name, s); err != nil {
		return err
	}
	s.mu.Lock()
	s.controllerRegistered[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Session) deregisterAtController(name string) error {
	if err := s.link.RemoveListener(name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.controllerRegistered, name)
	s.mu.Unlock()
	return nil
}

func (s *Session) isControllerRegistered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.controllerRegistered[name]
	return ok
}
