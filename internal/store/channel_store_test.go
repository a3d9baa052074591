package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/google/uuid"
)

// setupTestStore connects to TEST_DATABASE_URL and applies the migrations;
// the test is skipped when no database is configured.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.RunMigrations(ctx, "../../migrations"); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	return s
}

func TestChannelStore_UpdateTokensReactivatesChannel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ownerID := uuid.NewString()
	var channelID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO channels (user_id, provider_user_id, login, broadcaster_type)
		VALUES ($1, $2, 'tester', 'partner') RETURNING id
	`, ownerID, "prov-"+uuid.NewString()[:8]).Scan(&channelID)
	if err != nil {
		t.Fatalf("inserting channel: %v", err)
	}
	t.Cleanup(func() { s.pool.Exec(context.Background(), `DELETE FROM channels WHERE id = $1`, channelID) })

	poll := &domain.PollInstance{OwnerID: ownerID}
	targets := func() int {
		t.Helper()
		channels, err := s.ListTargetChannels(ctx, poll)
		if err != nil {
			t.Fatalf("ListTargetChannels: %v", err)
		}
		return len(channels)
	}

	if err := s.DeactivateChannel(ctx, channelID, time.Now()); err != nil {
		t.Fatalf("DeactivateChannel: %v", err)
	}
	if n := targets(); n != 0 {
		t.Fatalf("deactivated channel still targeted (%d)", n)
	}

	if err := s.UpdateTokens(ctx, channelID, []byte("a"), []byte("r")); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}
	if n := targets(); n != 1 {
		t.Fatalf("expected refreshed channel to be targeted, got %d", n)
	}
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if !ch.IsActive || ch.LastFailureAt != nil {
		t.Errorf("channel = active %v, last_failure_at %v", ch.IsActive, ch.LastFailureAt)
	}
}
