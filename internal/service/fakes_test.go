package service

import (
	"context"
	"errors"
	"sync"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
)

// fakeSource is an in-memory EventSource
type fakeSource struct {
	mu           sync.Mutex
	handlers     map[string]interfaces.EventHandler
	subscribes   int
	unsubscribes int
	failNext     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]interfaces.EventHandler)}
}

func (f *fakeSource) Subscribe(_ context.Context, topic string, handler interfaces.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return &fleet.SubscriptionError{Topic: topic, Err: err}
	}
	if _, ok := f.handlers[topic]; ok {
		return errors.New("already subscribed")
	}
	f.handlers[topic] = handler
	f.subscribes++
	return nil
}

func (f *fakeSource) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[topic]; ok {
		delete(f.handlers, topic)
		f.unsubscribes++
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string]interfaces.EventHandler)
	return nil
}

// emit delivers evt to the topic handler, reporting whether anyone listened
func (f *fakeSource) emit(topic string, evt model.StatusEvent) bool {
	f.mu.Lock()
	handler, ok := f.handlers[topic]
	f.mu.Unlock()
	if ok {
		handler(evt)
	}
	return ok
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.unsubscribes
}

func (f *fakeSource) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// fakeFetcher is a scripted SnapshotFetcher
type fakeFetcher struct {
	mu           sync.Mutex
	roster       *model.Roster
	rosterErr    error
	servers      map[string]model.ServerRecord
	serverErr    error
	provision    *model.ProvisionResult
	provisionErr error
	rosterCalls  int
	lastLimit    int
}

func (f *fakeFetcher) FetchRoster(_ context.Context, messageLimit int) (*model.Roster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterCalls++
	f.lastLimit = messageLimit
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	if f.roster == nil {
		return &model.Roster{}, nil
	}
	out := *f.roster
	out.Servers = make([]model.ServerRecord, len(f.roster.Servers))
	for i := range f.roster.Servers {
		out.Servers[i] = f.roster.Servers[i].Clone()
	}
	return &out, nil
}

func (f *fakeFetcher) FetchServer(_ context.Context, serverID string, messageLimit int) (*model.ServerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = messageLimit
	if f.serverErr != nil {
		return nil, f.serverErr
	}
	rec, ok := f.servers[serverID]
	if !ok {
		return nil, errors.New("not found")
	}
	out := rec.Clone()
	return &out, nil
}

func (f *fakeFetcher) Provision(context.Context) (*model.ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return f.provision, nil
}
