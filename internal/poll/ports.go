package poll

import (
	"context"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/worker"
)

type PollStore interface {
	GetPoll(ctx context.Context, id string) (*domain.PollInstance, error)
	ListPollsByStatus(ctx context.Context, status domain.PollStatus) ([]domain.PollInstance, error)
	ListRunningPollsByCampaign(ctx context.Context, campaignID string) ([]domain.PollInstance, error)
	MarkPollRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	MarkPollEnded(ctx context.Context, id string, endedAt time.Time, final domain.Aggregate) (bool, error)
	MarkPollCancelled(ctx context.Context, id string, endedAt time.Time) (bool, error)
}

type LinkStore interface {
	CreateLink(ctx context.Context, link *domain.ChannelLink) error
	ListLinks(ctx context.Context, instanceID string) ([]domain.ChannelLink, error)
	FindLink(ctx context.Context, instanceID, channelID string) (*domain.ChannelLink, error)
	UpdateLinkVotes(ctx context.Context, link *domain.ChannelLink) (bool, error)
	UpdateLinkStatus(ctx context.Context, linkID string, status domain.LinkStatus) error
	DeleteLink(ctx context.Context, linkID string) error
}

type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	ListTargetChannels(ctx context.Context, poll *domain.PollInstance) ([]domain.Channel, error)
	UpdateChannelMetadata(ctx context.Context, id, broadcasterType, profileImageURL string) error
	DeactivateChannel(ctx context.Context, id string, failedAt time.Time) error
}

// Store is the persistence the orchestrator needs. *store.PostgresStore
// satisfies it.
type Store interface {
	PollStore
	LinkStore
	ChannelStore
}

// Provider is the external poll API.
type Provider interface {
	CreatePoll(ctx context.Context, broadcasterID, token string, req provider.CreatePollRequest) (*provider.Poll, error)
	GetPoll(ctx context.Context, broadcasterID, pollID, token string) (*provider.Poll, error)
	EndPoll(ctx context.Context, broadcasterID, pollID, token, status string) (*provider.Poll, error)
	GetUsers(ctx context.Context, token string, ids []string) ([]provider.User, error)
}

// Tokens supplies decrypted channel credentials.
type Tokens interface {
	AccessToken(ctx context.Context, channelID string) (string, error)
}

// Broadcaster pushes live poll events to connected clients.
type Broadcaster interface {
	EmitStart(poll *domain.PollInstance)
	EmitUpdate(poll *domain.PollInstance, agg domain.Aggregate)
	EmitEnd(poll *domain.PollInstance, agg domain.Aggregate)
	EmitCancelled(poll *domain.PollInstance)
}

// Announcer publishes closing results.
type Announcer interface {
	Announce(ctx context.Context, poll *domain.PollInstance, agg domain.Aggregate, wasCancelled bool) error
}

// Tasks is the registry of recurring polling tasks. *worker.Scheduler
// satisfies it.
type Tasks interface {
	Start(id string, tick worker.TickFunc) bool
	Stop(id string) bool
	Running(id string) bool
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
