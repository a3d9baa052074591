package poll

import (
	"context"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
)

func TestTick_UpdatesLinksAndBroadcasts(t *testing.T) {
	_, fx := launched(t)
	fx.provider.setVotes("chan-a", 3, 1, 0)
	fx.provider.setVotes("chan-b", 0, 2, 2)

	fx.tasks.fire(t, "poll-1")

	a := fx.store.linkFor(t, "poll-1", "chan-a")
	if a.TotalVotes != 4 || a.VotesByOption[0] != 3 || a.Status != domain.LinkRunning {
		t.Errorf("chan-a link = %+v", a)
	}
	last := fx.broadcaster.last()
	if last.kind != "update" {
		t.Fatalf("last broadcast = %s, want update", last.kind)
	}
	want := map[int]int{0: 3, 1: 3, 2: 2}
	if !reflect.DeepEqual(last.agg.VotesByOption, want) || last.agg.TotalVotes != 8 {
		t.Errorf("aggregate = %+v, want %v", last.agg, want)
	}
}

func TestTick_UnauthorizedFetchKeepsLastCounts(t *testing.T) {
	_, fx := launched(t)
	fx.store.setLinkVotes(t, "poll-1", "chan-b", 1, 1, 0)
	fx.provider.setVotes("chan-a", 3, 0, 1)
	fx.provider.setVotes("chan-b", 9, 9, 9)
	fx.provider.setVotes("chan-c", 0, 0, 2)
	fx.provider.failGet["user-chan-b"] = http.StatusUnauthorized

	fx.tasks.fire(t, "poll-1")

	b := fx.store.linkFor(t, "poll-1", "chan-b")
	if !reflect.DeepEqual(b.VotesByOption, map[int]int{0: 1, 1: 1, 2: 0}) || b.TotalVotes != 2 {
		t.Errorf("chan-b counts changed: %+v", b)
	}
	if c := fx.store.linkFor(t, "poll-1", "chan-c"); c.TotalVotes != 2 {
		t.Errorf("chan-c should still update, got %+v", c)
	}
	agg := fx.broadcaster.last().agg
	if !reflect.DeepEqual(agg.VotesByOption, map[int]int{0: 4, 1: 1, 2: 3}) || agg.TotalVotes != 8 {
		t.Errorf("aggregate = %+v", agg)
	}
	if fx.store.poll("poll-1").Status != domain.PollRunning {
		t.Error("fetch failures must not change the poll status")
	}
	if !fx.tasks.Running("poll-1") {
		t.Error("fetch failures must not stop the task")
	}
}

func TestTick_MapsRemoteStatus(t *testing.T) {
	_, fx := launched(t)
	fx.provider.setStatus("chan-a", provider.StatusCompleted)
	fx.provider.setStatus("chan-b", provider.StatusModerated)

	fx.tasks.fire(t, "poll-1")

	if l := fx.store.linkFor(t, "poll-1", "chan-a"); l.Status != domain.LinkCompleted {
		t.Errorf("chan-a status = %s, want completed", l.Status)
	}
	if l := fx.store.linkFor(t, "poll-1", "chan-b"); l.Status != domain.LinkTerminated {
		t.Errorf("chan-b status = %s, want terminated", l.Status)
	}

	before := fx.provider.getCalls
	fx.tasks.fire(t, "poll-1")
	if got := fx.provider.getCalls - before; got != 1 {
		t.Errorf("finished links should not be fetched again, got %d fetches", got)
	}
}

func TestTick_EndsAtExpiry(t *testing.T) {
	_, fx := launched(t)

	fx.clock.set(t0.Add(15*time.Second - time.Millisecond))
	fx.tasks.fire(t, "poll-1")
	if fx.store.poll("poll-1").Status != domain.PollRunning {
		t.Fatal("poll ended before its duration elapsed")
	}

	fx.clock.set(t0.Add(15 * time.Second))
	fx.tasks.fire(t, "poll-1")

	p := fx.store.poll("poll-1")
	if p.Status != domain.PollEnded {
		t.Fatalf("status = %s, want ended", p.Status)
	}
	if !p.EndedAt.Equal(t0.Add(15 * time.Second)) {
		t.Errorf("EndedAt = %v", p.EndedAt)
	}
	if fx.tasks.Running("poll-1") {
		t.Error("task should stop after expiry")
	}
	if len(fx.announcer.all()) != 1 {
		t.Errorf("expected exactly one announcement, got %d", len(fx.announcer.all()))
	}
}

func TestTick_ExpiryEndsOnce(t *testing.T) {
	svc, fx := launched(t)
	fx.clock.set(t0.Add(time.Minute))

	tick := func() { svc.tick(context.Background(), "poll-1") }
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick()
		}()
	}
	wg.Wait()

	if n := len(fx.announcer.all()); n != 1 {
		t.Errorf("end ran %d times, want 1", n)
	}
}

func TestTick_DiscardsResultsAfterClose(t *testing.T) {
	svc, fx := launched(t)
	fx.provider.setVotes("chan-a", 7, 7, 7)

	var once sync.Once
	fx.provider.onGet = func(string) {
		once.Do(func() {
			fx.store.MarkPollCancelled(context.Background(), "poll-1", t0)
			fx.tasks.Stop("poll-1")
		})
	}
	updatesBefore := len(fx.broadcaster.kinds())

	svc.tick(context.Background(), "poll-1")

	if a := fx.store.linkFor(t, "poll-1", "chan-a"); a.TotalVotes != 0 {
		t.Errorf("late result landed on chan-a: %+v", a)
	}
	if got := len(fx.broadcaster.kinds()); got != updatesBefore {
		t.Errorf("no broadcast expected after close, got %v", fx.broadcaster.kinds())
	}
}

func TestTick_RemovedLinkDoesNotAbortOthers(t *testing.T) {
	svc, fx := launched(t)
	fx.provider.setVotes("chan-a", 4, 0, 0)
	fx.provider.setVotes("chan-b", 2, 3, 0)
	fx.provider.setVotes("chan-c", 0, 0, 7)
	removed := fx.store.linkFor(t, "poll-1", "chan-a")

	fx.provider.onGet = func(broadcasterID string) {
		if broadcasterID == "user-chan-a" {
			fx.store.DeleteLink(context.Background(), removed.ID)
		}
	}
	updatesBefore := len(fx.broadcaster.kinds())

	svc.tick(context.Background(), "poll-1")

	if b := fx.store.linkFor(t, "poll-1", "chan-b"); b.TotalVotes != 5 {
		t.Errorf("chan-b total = %d, want 5", b.TotalVotes)
	}
	if c := fx.store.linkFor(t, "poll-1", "chan-c"); c.TotalVotes != 7 {
		t.Errorf("chan-c total = %d, want 7", c.TotalVotes)
	}
	if got := len(fx.broadcaster.kinds()); got != updatesBefore+1 {
		t.Fatalf("expected one update broadcast, got %v", fx.broadcaster.kinds())
	}
	agg := fx.broadcaster.last().agg
	if agg.TotalVotes != 12 || !reflect.DeepEqual(agg.VotesByOption, map[int]int{0: 2, 1: 3, 2: 7}) {
		t.Errorf("aggregate should exclude the removed channel, got %+v", agg)
	}
}

func TestTick_StopsForTerminalPoll(t *testing.T) {
	svc, fx := launched(t)
	fx.store.MarkPollCancelled(context.Background(), "poll-1", t0)

	svc.tick(context.Background(), "poll-1")

	if fx.tasks.Running("poll-1") {
		t.Error("task should stop once the poll is no longer running")
	}
}

func TestLinkStatusFor(t *testing.T) {
	tests := []struct {
		remote string
		want   domain.LinkStatus
	}{
		{provider.StatusActive, domain.LinkRunning},
		{provider.StatusCompleted, domain.LinkCompleted},
		{provider.StatusArchived, domain.LinkCompleted},
		{provider.StatusTerminated, domain.LinkTerminated},
		{provider.StatusModerated, domain.LinkTerminated},
		{provider.StatusInvalid, domain.LinkTerminated},
	}
	for _, tt := range tests {
		if got := linkStatusFor(tt.remote); got != tt.want {
			t.Errorf("linkStatusFor(%s) = %s, want %s", tt.remote, got, tt.want)
		}
	}
}
