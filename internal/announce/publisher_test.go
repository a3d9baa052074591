package announce

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestPublisher(t *testing.T) (*Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPublisher(client, "", testLogger()), client
}

func TestPublisher_Announce(t *testing.T) {
	pub, client := setupTestPublisher(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	poll := &domain.PollInstance{ID: "poll-1", Title: "Pick", Options: []string{"A", "B"}}
	agg := domain.Aggregate{
		VotesByOption: map[int]int{0: 2, 1: 6},
		TotalVotes:    8,
		Percentages:   map[int]float64{0: 25, 1: 75},
	}
	if err := pub.Announce(ctx, poll, agg, false); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Announcement
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if got.PollID != "poll-1" || got.WasCancelled || got.Results.TotalVotes != 8 {
			t.Errorf("unexpected announcement %+v", got)
		}
		if !reflect.DeepEqual(got.Winners, []int{1}) {
			t.Errorf("Winners = %v, want [1]", got.Winners)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement received")
	}
}

func TestPublisher_AnnounceWithoutSubscribers(t *testing.T) {
	pub, _ := setupTestPublisher(t)
	poll := &domain.PollInstance{ID: "poll-1"}
	if err := pub.Announce(context.Background(), poll, domain.Aggregate{}, true); err != nil {
		t.Fatalf("Announce: %v", err)
	}
}

func TestPublisher_AnnounceRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pub := NewPublisher(client, "custom", testLogger())
	mr.Close()

	if err := pub.Announce(context.Background(), &domain.PollInstance{ID: "p"}, domain.Aggregate{}, false); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestWinners(t *testing.T) {
	tests := []struct {
		name  string
		votes map[int]int
		want  []int
	}{
		{name: "no votes", votes: map[int]int{0: 0, 1: 0}, want: []int{}},
		{name: "single winner", votes: map[int]int{0: 1, 1: 4, 2: 2}, want: []int{1}},
		{name: "tie", votes: map[int]int{0: 3, 1: 1, 2: 3}, want: []int{0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := 0
			for _, v := range tt.votes {
				total += v
			}
			got := Winners(domain.Aggregate{VotesByOption: tt.votes, TotalVotes: total})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Winners = %v, want %v", got, tt.want)
			}
		})
	}
}
