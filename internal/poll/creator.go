package poll

import (
	"context"
	"fmt"
	"net/http"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxUsersPerLookup is the provider's batch limit for user lookups.
const maxUsersPerLookup = 100

// LaunchReport describes what launching did on each target channel.
type LaunchReport struct {
	Links []domain.ChannelLink `json:"links"`
	// Fallback channels cannot host a native poll and need chat voting.
	Fallback []string `json:"fallback_channels"`
	// Deactivated channels rejected their credentials.
	Deactivated []string `json:"deactivated_channels"`
	Failed      []string `json:"failed_channels"`
}

type creation int

const (
	creationLinked creation = iota
	creationFallback
	creationDeactivated
	creationProviderFailure
	creationSkipped
)

type channelResult struct {
	kind creation
	link *domain.ChannelLink
}

// createRemotePolls opens a remote poll on every native-capable target
// channel and persists a link for each one created. One channel failing
// never stops the others. It fails with ErrProviderUnavailable only when
// every native-capable channel failed for provider-side reasons.
func (s *Service) createRemotePolls(ctx context.Context, poll *domain.PollInstance) (*LaunchReport, error) {
	channels, err := s.store.ListTargetChannels(ctx, poll)
	if err != nil {
		return nil, fmt.Errorf("listing target channels: %w", err)
	}
	s.refreshMetadata(ctx, poll.ID, channels)

	results := make([]channelResult, len(channels))
	var g errgroup.Group
	g.SetLimit(maxConcurrentChannels)
	for i := range channels {
		ch := &channels[i]
		if !ch.NativePollCapable() {
			results[i] = channelResult{kind: creationFallback}
			continue
		}
		g.Go(func() error {
			results[i] = s.createOnChannel(ctx, poll, ch)
			return nil
		})
	}
	g.Wait()

	report := &LaunchReport{
		Links:       []domain.ChannelLink{},
		Fallback:    []string{},
		Deactivated: []string{},
		Failed:      []string{},
	}
	native, providerFailures := 0, 0
	for i, r := range results {
		id := channels[i].ID
		if r.kind != creationFallback {
			native++
		}
		switch r.kind {
		case creationLinked:
			report.Links = append(report.Links, *r.link)
		case creationFallback:
			report.Fallback = append(report.Fallback, id)
		case creationDeactivated:
			report.Deactivated = append(report.Deactivated, id)
		case creationProviderFailure:
			providerFailures++
			report.Failed = append(report.Failed, id)
		case creationSkipped:
			report.Failed = append(report.Failed, id)
		}
	}

	if native > 0 && providerFailures == native {
		return report, fmt.Errorf("launching poll %s: %w: all %d channels failed", poll.ID, domain.ErrProviderUnavailable, native)
	}
	return report, nil
}

func (s *Service) createOnChannel(ctx context.Context, poll *domain.PollInstance, ch *domain.Channel) channelResult {
	log := s.logger.With("instance_id", poll.ID, "channel_id", ch.ID)

	token, err := s.tokens.AccessToken(ctx, ch.ID)
	if err != nil {
		log.Warn("skipping channel without usable token", "error", err)
		return channelResult{kind: creationSkipped}
	}

	req := provider.CreatePollRequest{
		Title:           poll.Title,
		Choices:         poll.Options,
		DurationSeconds: poll.DurationSeconds,
	}
	if poll.ChannelPoints != nil && poll.ChannelPoints.Enabled {
		req.ChannelPointsVotingEnabled = true
		req.ChannelPointsPerVote = poll.ChannelPoints.PerVote
	}

	opts := s.retryOptions(opCreatePoll, poll.ID, ch.ID)
	res := engine.Execute(ctx, s.executor, opts, func(ctx context.Context) engine.Outcome[*provider.Poll] {
		return outcome(s.provider.CreatePoll(ctx, ch.ProviderUserID, token, req))
	})

	switch {
	case res.OK():
	case res.StatusCode == http.StatusUnauthorized:
		log.Warn("channel credentials rejected, deactivating channel")
		if err := s.store.DeactivateChannel(ctx, ch.ID, s.clock.Now()); err != nil {
			log.Error("failed to deactivate channel", "error", err)
		}
		return channelResult{kind: creationDeactivated}
	case res.Kind == engine.KindExhausted || res.Kind == engine.KindCircuitOpen:
		log.Warn("remote poll creation failed", "result", res.Kind, "attempts", res.Attempts, "error", res.Err)
		return channelResult{kind: creationProviderFailure}
	default:
		log.Warn("remote poll creation rejected", "result", res.Kind, "status_code", res.StatusCode, "error", res.Err)
		return channelResult{kind: creationSkipped}
	}

	remoteID := res.Data.ID
	link := &domain.ChannelLink{
		ID:           uuid.NewString(),
		InstanceID:   poll.ID,
		ChannelID:    ch.ID,
		RemotePollID: &remoteID,
		Status:       domain.LinkCreated,
	}
	link.SetVotes(make([]int, len(poll.Options)), len(poll.Options))
	if err := s.store.CreateLink(ctx, link); err != nil {
		log.Error("failed to store channel link, archiving remote poll", "remote_poll_id", remoteID, "error", err)
		s.archiveRemote(ctx, poll, link)
		return channelResult{kind: creationSkipped}
	}
	return channelResult{kind: creationLinked, link: link}
}

// archiveRemote ends the remote poll behind an untracked link. Failures are
// logged only.
func (s *Service) archiveRemote(ctx context.Context, poll *domain.PollInstance, link *domain.ChannelLink) {
	if _, err := s.endRemotePoll(ctx, poll, link, provider.StatusArchived); err != nil {
		s.logger.Warn("failed to archive untracked remote poll",
			"instance_id", poll.ID,
			"channel_id", link.ChannelID,
			"remote_poll_id", *link.RemotePollID,
			"error", err,
		)
	}
}

// rollbackLaunch archives the remote polls of a launch that could not be
// completed and deletes their links, so the instance can be launched again.
func (s *Service) rollbackLaunch(ctx context.Context, poll *domain.PollInstance, links []domain.ChannelLink) {
	for i := range links {
		link := &links[i]
		s.archiveRemote(ctx, poll, link)
		if err := s.store.DeleteLink(ctx, link.ID); err != nil {
			s.logger.Error("failed to delete link of aborted launch",
				"instance_id", poll.ID,
				"channel_id", link.ChannelID,
				"error", err,
			)
		}
	}
}

// refreshMetadata updates broadcaster type and profile image of channels
// from the provider, in place. Failures leave the stored values in use.
func (s *Service) refreshMetadata(ctx context.Context, instanceID string, channels []domain.Channel) {
	if len(channels) == 0 {
		return
	}

	var token string
	for _, ch := range channels {
		t, err := s.tokens.AccessToken(ctx, ch.ID)
		if err == nil {
			token = t
			break
		}
	}
	if token == "" {
		s.logger.Warn("metadata refresh skipped, no usable token", "instance_id", instanceID)
		return
	}

	byUserID := make(map[string]*domain.Channel, len(channels))
	ids := make([]string, 0, len(channels))
	for i := range channels {
		byUserID[channels[i].ProviderUserID] = &channels[i]
		ids = append(ids, channels[i].ProviderUserID)
	}

	for start := 0; start < len(ids); start += maxUsersPerLookup {
		batch := ids[start:min(start+maxUsersPerLookup, len(ids))]

		opts := s.retryOptions(opGetUsers, instanceID, "")
		res := engine.Execute(ctx, s.executor, opts, func(ctx context.Context) engine.Outcome[[]provider.User] {
			return outcome(s.provider.GetUsers(ctx, token, batch))
		})
		if !res.OK() {
			s.logger.Warn("metadata refresh failed, using stored values", "instance_id", instanceID, "error", res.Err)
			continue
		}

		for _, u := range res.Data {
			ch, ok := byUserID[u.ID]
			if !ok || (ch.BroadcasterType == u.BroadcasterType && ch.ProfileImageURL == u.ProfileImageURL) {
				continue
			}
			if err := s.store.UpdateChannelMetadata(ctx, ch.ID, u.BroadcasterType, u.ProfileImageURL); err != nil {
				s.logger.Warn("failed to store channel metadata", "channel_id", ch.ID, "error", err)
			}
			ch.BroadcasterType = u.BroadcasterType
			ch.ProfileImageURL = u.ProfileImageURL
		}
	}
}
