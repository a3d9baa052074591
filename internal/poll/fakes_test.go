package poll

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeStore struct {
	mu        sync.Mutex
	polls     map[string]*domain.PollInstance
	links     map[string]*domain.ChannelLink
	linkOrder []string
	channels  map[string]*domain.Channel
	targets   []string
	campaign  map[string]string

	failCreateLink  map[string]bool
	failMarkRunning error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		polls:          map[string]*domain.PollInstance{},
		links:          map[string]*domain.ChannelLink{},
		channels:       map[string]*domain.Channel{},
		campaign:       map[string]string{},
		failCreateLink: map[string]bool{},
	}
}

func copyLink(l *domain.ChannelLink) domain.ChannelLink {
	c := *l
	c.VotesByOption = maps.Clone(l.VotesByOption)
	return c
}

func (f *fakeStore) GetPoll(_ context.Context, id string) (*domain.PollInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[id]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (f *fakeStore) ListPollsByStatus(_ context.Context, status domain.PollStatus) ([]domain.PollInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.PollInstance{}
	for _, p := range f.polls {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRunningPollsByCampaign(_ context.Context, campaignID string) ([]domain.PollInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.PollInstance{}
	for _, p := range f.polls {
		if p.Status == domain.PollRunning && p.CampaignID != nil && *p.CampaignID == campaignID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) transition(id string, from, to domain.PollStatus, apply func(p *domain.PollInstance)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[id]
	if !ok || p.Status != from {
		return false
	}
	p.Status = to
	apply(p)
	return true
}

func (f *fakeStore) MarkPollRunning(_ context.Context, id string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	failure := f.failMarkRunning
	f.mu.Unlock()
	if failure != nil {
		return false, failure
	}
	return f.transition(id, domain.PollPending, domain.PollRunning, func(p *domain.PollInstance) {
		p.StartedAt = &startedAt
	}), nil
}

func (f *fakeStore) MarkPollEnded(_ context.Context, id string, endedAt time.Time, final domain.Aggregate) (bool, error) {
	return f.transition(id, domain.PollRunning, domain.PollEnded, func(p *domain.PollInstance) {
		p.EndedAt = &endedAt
		p.FinalResults = &final
	}), nil
}

func (f *fakeStore) MarkPollCancelled(_ context.Context, id string, endedAt time.Time) (bool, error) {
	return f.transition(id, domain.PollRunning, domain.PollCancelled, func(p *domain.PollInstance) {
		p.EndedAt = &endedAt
	}), nil
}

func (f *fakeStore) CreateLink(_ context.Context, link *domain.ChannelLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateLink[link.ChannelID] {
		return fmt.Errorf("inserting link for channel %s: connection reset", link.ChannelID)
	}
	for _, l := range f.links {
		if l.InstanceID == link.InstanceID && l.ChannelID == link.ChannelID {
			return fmt.Errorf("duplicate link for channel %s", link.ChannelID)
		}
	}
	c := copyLink(link)
	f.links[link.ID] = &c
	f.linkOrder = append(f.linkOrder, link.ID)
	return nil
}

func (f *fakeStore) ListLinks(_ context.Context, instanceID string) ([]domain.ChannelLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.ChannelLink{}
	for _, id := range f.linkOrder {
		if l, ok := f.links[id]; ok && l.InstanceID == instanceID {
			out = append(out, copyLink(l))
		}
	}
	return out, nil
}

func (f *fakeStore) FindLink(_ context.Context, instanceID, channelID string) (*domain.ChannelLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.InstanceID == instanceID && l.ChannelID == channelID {
			c := copyLink(l)
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdateLinkVotes(_ context.Context, link *domain.ChannelLink) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.polls[link.InstanceID]
	if !ok || p.Status != domain.PollRunning {
		return false, nil
	}
	if _, ok := f.links[link.ID]; !ok {
		return false, nil
	}
	c := copyLink(link)
	f.links[link.ID] = &c
	return true, nil
}

func (f *fakeStore) UpdateLinkStatus(_ context.Context, linkID string, status domain.LinkStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.links[linkID]; ok {
		l.Status = status
	}
	return nil
}

func (f *fakeStore) DeleteLink(_ context.Context, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, linkID)
	return nil
}

func (f *fakeStore) GetChannel(_ context.Context, id string) (*domain.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, nil
	}
	c := *ch
	return &c, nil
}

func (f *fakeStore) ListTargetChannels(_ context.Context, _ *domain.PollInstance) ([]domain.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Channel{}
	for _, id := range f.targets {
		if ch := f.channels[id]; ch != nil && ch.IsActive {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateChannelMetadata(_ context.Context, id, broadcasterType, profileImageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.channels[id]
	ch.BroadcasterType = broadcasterType
	ch.ProfileImageURL = profileImageURL
	return nil
}

func (f *fakeStore) DeactivateChannel(_ context.Context, id string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.channels[id]
	ch.IsActive = false
	ch.LastFailureAt = &failedAt
	return nil
}

func (f *fakeStore) addChannel(id, broadcasterType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id] = &domain.Channel{
		ID:              id,
		ProviderUserID:  "user-" + id,
		Login:           id,
		BroadcasterType: broadcasterType,
		IsActive:        true,
	}
	f.targets = append(f.targets, id)
}

func (f *fakeStore) addPoll(p domain.PollInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[p.ID] = &p
}

func (f *fakeStore) poll(id string) domain.PollInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.polls[id]
}

func (f *fakeStore) channel(id string) domain.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.channels[id]
}

// linkFor returns the stored link of channelID on instanceID.
func (f *fakeStore) linkFor(t *testing.T, instanceID, channelID string) domain.ChannelLink {
	t.Helper()
	l, _ := f.FindLink(context.Background(), instanceID, channelID)
	if l == nil {
		t.Fatalf("no link for channel %s on %s", channelID, instanceID)
	}
	return *l
}

func (f *fakeStore) setLinkVotes(t *testing.T, instanceID, channelID string, votes ...int) {
	t.Helper()
	l := f.linkFor(t, instanceID, channelID)
	p := f.poll(instanceID)
	l.SetVotes(votes, len(p.Options))
	f.mu.Lock()
	f.links[l.ID] = &l
	f.mu.Unlock()
}

type fakeProvider struct {
	mu          sync.Mutex
	next        int
	polls       map[string]*provider.Poll
	byChannel   map[string]string
	failCreate  map[string]int
	failGet     map[string]int
	failEnd     map[string]int
	users       map[string]provider.User
	ended       map[string]string
	createCalls int
	getCalls    int
	onGet       func(broadcasterID string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		polls:      map[string]*provider.Poll{},
		byChannel:  map[string]string{},
		failCreate: map[string]int{},
		failGet:    map[string]int{},
		failEnd:    map[string]int{},
		users:      map[string]provider.User{},
		ended:      map[string]string{},
	}
}

func copyPoll(p *provider.Poll) *provider.Poll {
	c := *p
	c.Choices = append([]provider.Choice(nil), p.Choices...)
	return &c
}

func (f *fakeProvider) CreatePoll(_ context.Context, broadcasterID, _ string, req provider.CreatePollRequest) (*provider.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if code := f.failCreate[broadcasterID]; code != 0 {
		return nil, &provider.APIError{StatusCode: code}
	}
	f.next++
	p := &provider.Poll{
		ID:            fmt.Sprintf("remote-%d", f.next),
		BroadcasterID: broadcasterID,
		Title:         req.Title,
		Status:        provider.StatusActive,
		Duration:      req.DurationSeconds,
	}
	for _, c := range req.Choices {
		p.Choices = append(p.Choices, provider.Choice{Title: c})
	}
	f.polls[p.ID] = p
	f.byChannel[broadcasterID] = p.ID
	return copyPoll(p), nil
}

func (f *fakeProvider) GetPoll(_ context.Context, broadcasterID, pollID, _ string) (*provider.Poll, error) {
	f.mu.Lock()
	hook := f.onGet
	f.mu.Unlock()
	if hook != nil {
		hook(broadcasterID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if code := f.failGet[broadcasterID]; code != 0 {
		return nil, &provider.APIError{StatusCode: code}
	}
	p, ok := f.polls[pollID]
	if !ok {
		return nil, &provider.APIError{StatusCode: 404}
	}
	return copyPoll(p), nil
}

func (f *fakeProvider) EndPoll(_ context.Context, broadcasterID, pollID, _, status string) (*provider.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code := f.failEnd[broadcasterID]; code != 0 {
		return nil, &provider.APIError{StatusCode: code}
	}
	p, ok := f.polls[pollID]
	if !ok {
		return nil, &provider.APIError{StatusCode: 404}
	}
	p.Status = status
	f.ended[pollID] = status
	return copyPoll(p), nil
}

func (f *fakeProvider) GetUsers(_ context.Context, _ string, ids []string) ([]provider.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []provider.User{}
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// setVotes sets the remote counts of the poll open on channelID.
func (f *fakeProvider) setVotes(channelID string, votes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.polls[f.byChannel["user-"+channelID]]
	for i, v := range votes {
		p.Choices[i].Votes = v
	}
}

func (f *fakeProvider) setStatus(channelID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[f.byChannel["user-"+channelID]].Status = status
}

func (f *fakeProvider) endedWith(channelID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended[f.byChannel["user-"+channelID]]
}

type fakeTokens struct {
	missing map[string]bool
}

func (f *fakeTokens) AccessToken(_ context.Context, channelID string) (string, error) {
	if f.missing[channelID] {
		return "", fmt.Errorf("no token for %s", channelID)
	}
	return "tok-" + channelID, nil
}

type broadcastEvent struct {
	kind   string
	pollID string
	agg    domain.Aggregate
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (f *fakeBroadcaster) add(e broadcastEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeBroadcaster) EmitStart(p *domain.PollInstance) {
	f.add(broadcastEvent{kind: "start", pollID: p.ID})
}

func (f *fakeBroadcaster) EmitUpdate(p *domain.PollInstance, agg domain.Aggregate) {
	f.add(broadcastEvent{kind: "update", pollID: p.ID, agg: agg})
}

func (f *fakeBroadcaster) EmitEnd(p *domain.PollInstance, agg domain.Aggregate) {
	f.add(broadcastEvent{kind: "end", pollID: p.ID, agg: agg})
}

func (f *fakeBroadcaster) EmitCancelled(p *domain.PollInstance) {
	f.add(broadcastEvent{kind: "cancelled", pollID: p.ID})
}

func (f *fakeBroadcaster) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, e := range f.events {
		out = append(out, e.kind)
	}
	return out
}

func (f *fakeBroadcaster) last() broadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type announcement struct {
	pollID       string
	agg          domain.Aggregate
	wasCancelled bool
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []announcement
}

func (f *fakeAnnouncer) Announce(_ context.Context, p *domain.PollInstance, agg domain.Aggregate, wasCancelled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, announcement{pollID: p.ID, agg: agg, wasCancelled: wasCancelled})
	return nil
}

func (f *fakeAnnouncer) all() []announcement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]announcement(nil), f.calls...)
}

// fakeTasks records started ticks; tests fire them explicitly.
type fakeTasks struct {
	mu    sync.Mutex
	ticks map[string]worker.TickFunc
}

func (f *fakeTasks) Start(id string, tick worker.TickFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ticks[id]; ok {
		return false
	}
	f.ticks[id] = tick
	return true
}

func (f *fakeTasks) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ticks[id]; !ok {
		return false
	}
	delete(f.ticks, id)
	return true
}

func (f *fakeTasks) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ticks[id]
	return ok
}

func (f *fakeTasks) fire(t *testing.T, id string) {
	t.Helper()
	f.mu.Lock()
	tick, ok := f.ticks[id]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no running task for %s", id)
	}
	tick(context.Background(), id)
}

type fixture struct {
	store       *fakeStore
	provider    *fakeProvider
	tokens      *fakeTokens
	tasks       *fakeTasks
	broadcaster *fakeBroadcaster
	announcer   *fakeAnnouncer
	clock       *fakeClock
}

func setupTestService(t *testing.T) (*Service, *fixture) {
	t.Helper()
	fx := &fixture{
		store:       newFakeStore(),
		provider:    newFakeProvider(),
		tokens:      &fakeTokens{missing: map[string]bool{}},
		tasks:       &fakeTasks{ticks: map[string]worker.TickFunc{}},
		broadcaster: &fakeBroadcaster{},
		announcer:   &fakeAnnouncer{},
		clock:       &fakeClock{now: t0},
	}
	retry := engine.Options{
		MaxRetries:        2,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
		Service:           "test",
	}
	logger := testLogger()
	svc := NewService(Dependencies{
		Store:       fx.store,
		Provider:    fx.provider,
		Tokens:      fx.tokens,
		Executor:    engine.NewExecutor(engine.NewCircuitBreaker(0, 0, logger), nil, logger),
		Tasks:       fx.tasks,
		Broadcaster: fx.broadcaster,
		Announcer:   fx.announcer,
		Clock:       fx.clock,
		Retry:       &retry,
		Logger:      logger,
	})
	fx.store.addPoll(domain.PollInstance{
		ID:              "poll-1",
		OwnerID:         "owner-1",
		Title:           "Next map?",
		Options:         []string{"Forest", "Cave", "Desert"},
		DurationSeconds: 15,
		Status:          domain.PollPending,
		CreatedAt:       t0.Add(-time.Minute),
	})
	return svc, fx
}

// launched returns a service whose poll-1 is running on chan-a, chan-b and chan-c.
func launched(t *testing.T) (*Service, *fixture) {
	t.Helper()
	svc, fx := setupTestService(t)
	fx.store.addChannel("chan-a", domain.BroadcasterPartner)
	fx.store.addChannel("chan-b", domain.BroadcasterAffiliate)
	fx.store.addChannel("chan-c", domain.BroadcasterPartner)
	if _, err := svc.Launch(context.Background(), "poll-1"); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return svc, fx
}
