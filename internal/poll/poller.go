package poll

import (
	"context"
	"fmt"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/tally"
	"golang.org/x/sync/errgroup"
)

// Provider operations, also the prefix of their breaker keys.
const (
	opCreatePoll = "create_poll"
	opGetPoll    = "get_poll"
	opEndPoll    = "end_poll"
	opGetUsers   = "get_users"
)

// tick is one polling round for a running instance: end it when expired,
// otherwise refresh every open link and broadcast the new tally.
func (s *Service) tick(ctx context.Context, id string) {
	poll, err := s.store.GetPoll(ctx, id)
	if err != nil {
		s.logger.Warn("poll tick: loading poll failed", "instance_id", id, "error", err)
		return
	}
	if poll == nil || poll.Status != domain.PollRunning {
		s.tasks.Stop(id)
		return
	}

	if !s.clock.Now().Before(poll.EndsAt()) {
		// Stop succeeds once, so expiry ends the instance at most once.
		if s.tasks.Stop(id) {
			if _, err := s.end(ctx, poll); err != nil {
				s.logger.Error("failed to end expired poll", "instance_id", id, "error", err)
			}
		}
		return
	}

	links, err := s.store.ListLinks(ctx, id)
	if err != nil {
		s.logger.Warn("poll tick: listing links failed", "instance_id", id, "error", err)
		return
	}

	fetched := make([]*provider.Poll, len(links))
	var g errgroup.Group
	g.SetLimit(maxConcurrentChannels)
	for i := range links {
		link := &links[i]
		if link.RemotePollID == nil || link.Done() {
			continue
		}
		g.Go(func() error {
			remote, err := s.fetchRemotePoll(ctx, poll, link)
			if err != nil {
				s.logger.Warn("poll tick: fetch failed, keeping last counts",
					"instance_id", id,
					"channel_id", link.ChannelID,
					"status_code", provider.StatusCode(err),
					"error", err,
				)
				return nil
			}
			fetched[i] = remote
			return nil
		})
	}
	g.Wait()

	if !s.tasks.Running(id) {
		s.logger.Debug("poll tick: instance closed while fetching, discarding results", "instance_id", id)
		return
	}

	live := make([]domain.ChannelLink, 0, len(links))
	for i := range links {
		link := &links[i]
		remote := fetched[i]
		if remote == nil {
			live = append(live, *link)
			continue
		}
		link.SetVotes(remote.Votes(), len(poll.Options))
		link.Status = linkStatusFor(remote.Status)
		ok, err := s.store.UpdateLinkVotes(ctx, link)
		if err != nil {
			s.logger.Warn("poll tick: storing counts failed", "instance_id", id, "channel_id", link.ChannelID, "error", err)
			continue
		}
		if !ok {
			// Link removed or instance closed since the fetch started.
			s.logger.Debug("poll tick: link no longer writable, discarding its result", "instance_id", id, "channel_id", link.ChannelID)
			continue
		}
		live = append(live, *link)
	}

	if !s.tasks.Running(id) {
		s.logger.Debug("poll tick: instance closed while storing, skipping broadcast", "instance_id", id)
		return
	}
	s.broadcaster.EmitUpdate(poll, tally.Aggregate(len(poll.Options), live))
}

func (s *Service) fetchRemotePoll(ctx context.Context, poll *domain.PollInstance, link *domain.ChannelLink) (*provider.Poll, error) {
	ch, token, err := s.credentials(ctx, link.ChannelID)
	if err != nil {
		return nil, err
	}
	opts := s.retryOptions(opGetPoll, poll.ID, link.ChannelID)
	res := engine.Execute(ctx, s.executor, opts, func(ctx context.Context) engine.Outcome[*provider.Poll] {
		return outcome(s.provider.GetPoll(ctx, ch.ProviderUserID, *link.RemotePollID, token))
	})
	if !res.OK() {
		return nil, res.Err
	}
	return res.Data, nil
}

// endRemotePoll ends the link's remote poll with status and returns the
// provider's closing state.
func (s *Service) endRemotePoll(ctx context.Context, poll *domain.PollInstance, link *domain.ChannelLink, status string) (*provider.Poll, error) {
	ch, token, err := s.credentials(ctx, link.ChannelID)
	if err != nil {
		return nil, err
	}
	opts := s.retryOptions(opEndPoll, poll.ID, link.ChannelID)
	opts.Metadata = map[string]string{"end_status": status}
	res := engine.Execute(ctx, s.executor, opts, func(ctx context.Context) engine.Outcome[*provider.Poll] {
		return outcome(s.provider.EndPoll(ctx, ch.ProviderUserID, *link.RemotePollID, token, status))
	})
	if !res.OK() {
		return nil, res.Err
	}
	return res.Data, nil
}

func (s *Service) credentials(ctx context.Context, channelID string) (*domain.Channel, string, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, "", fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	if ch == nil {
		return nil, "", fmt.Errorf("channel %s not found", channelID)
	}
	token, err := s.tokens.AccessToken(ctx, channelID)
	if err != nil {
		return nil, "", fmt.Errorf("loading token of channel %s: %w", channelID, err)
	}
	return ch, token, nil
}

func (s *Service) retryOptions(operation, instanceID, channelID string) engine.Options {
	opts := s.retry
	opts.Operation = operation
	opts.BreakerKey = breakerKey(operation, channelID)
	opts.InstanceID = instanceID
	opts.ChannelID = channelID
	return opts
}

func breakerKey(operation, channelID string) string {
	if channelID == "" {
		return operation
	}
	return operation + ":" + channelID
}

// outcome adapts a provider call to the executor's tagged outcome.
func outcome[T any](v T, err error) engine.Outcome[T] {
	if err != nil {
		return engine.Failed[T](provider.StatusCode(err), err, provider.RetryAfter(err))
	}
	return engine.Succeeded(v)
}

// linkStatusFor maps a validated remote poll status to the local link status.
func linkStatusFor(remote string) domain.LinkStatus {
	switch remote {
	case provider.StatusActive:
		return domain.LinkRunning
	case provider.StatusCompleted, provider.StatusArchived:
		return domain.LinkCompleted
	default:
		return domain.LinkTerminated
	}
}
