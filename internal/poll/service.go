package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/domain"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/engine"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/tally"
)

// maxConcurrentChannels bounds per-instance fan-out to the provider.
const maxConcurrentChannels = 8

// Dependencies wires a Service. Clock and Retry are optional.
type Dependencies struct {
	Store       Store
	Provider    Provider
	Tokens      Tokens
	Executor    *engine.Executor
	Tasks       Tasks
	Broadcaster Broadcaster
	Announcer   Announcer
	Clock       Clock

	// Retry is the template for every provider call; Operation, BreakerKey
	// and the correlation ids are filled in per call.
	Retry *engine.Options

	Logger *slog.Logger
}

// Service drives poll instances through pending -> running -> ended or
// cancelled, owning remote poll creation, the polling tick and closure.
// Lifecycle calls for the same instance are expected to be serialized by
// the caller.
type Service struct {
	store       Store
	provider    Provider
	tokens      Tokens
	executor    *engine.Executor
	tasks       Tasks
	broadcaster Broadcaster
	announcer   Announcer
	clock       Clock
	retry       engine.Options
	logger      *slog.Logger
}

func NewService(d Dependencies) *Service {
	s := &Service{
		store:       d.Store,
		provider:    d.Provider,
		tokens:      d.Tokens,
		executor:    d.Executor,
		tasks:       d.Tasks,
		broadcaster: d.Broadcaster,
		announcer:   d.Announcer,
		clock:       d.Clock,
		logger:      d.Logger,
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if d.Retry != nil {
		s.retry = *d.Retry
	} else {
		s.retry = engine.DefaultProviderOptions("", "")
	}
	return s
}

// Launch creates remote polls on every eligible channel of a pending
// instance, marks it running and starts its polling task.
func (s *Service) Launch(ctx context.Context, id string) (*LaunchReport, error) {
	poll, err := s.loadPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if !poll.Status.CanTransitionTo(domain.PollRunning) {
		return nil, &domain.TransitionError{InstanceID: id, From: poll.Status, To: domain.PollRunning}
	}
	if err := poll.Validate(); err != nil {
		return nil, err
	}

	report, err := s.createRemotePolls(ctx, poll)
	if err != nil {
		return report, err
	}

	now := s.clock.Now()
	ok, err := s.store.MarkPollRunning(ctx, id, now)
	if err != nil {
		s.rollbackLaunch(ctx, poll, report.Links)
		return nil, fmt.Errorf("launching poll %s: %w", id, err)
	}
	if !ok {
		s.rollbackLaunch(ctx, poll, report.Links)
		return nil, s.transitionError(ctx, id, domain.PollRunning)
	}
	poll.Status = domain.PollRunning
	poll.StartedAt = &now

	s.broadcaster.EmitStart(poll)
	s.tasks.Start(id, s.tick)

	s.logger.Info("poll launched",
		"instance_id", id,
		"links", len(report.Links),
		"fallback_channels", len(report.Fallback),
		"deactivated_channels", len(report.Deactivated),
		"failed_channels", len(report.Failed),
	)
	return report, nil
}

// Cancel stops a running instance without a result: remote polls are
// archived and the instance is marked cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	poll, err := s.loadPoll(ctx, id)
	if err != nil {
		return err
	}
	if !poll.Status.CanTransitionTo(domain.PollCancelled) {
		return &domain.TransitionError{InstanceID: id, From: poll.Status, To: domain.PollCancelled}
	}

	s.tasks.Stop(id)

	links, err := s.store.ListLinks(ctx, id)
	if err != nil {
		return fmt.Errorf("cancelling poll %s: %w", id, err)
	}
	for i := range links {
		if links[i].RemotePollID == nil || links[i].Done() {
			continue
		}
		remote, err := s.endRemotePoll(ctx, poll, &links[i], provider.StatusArchived)
		if err != nil {
			s.logger.Warn("failed to archive remote poll",
				"instance_id", id,
				"channel_id", links[i].ChannelID,
				"error", err,
			)
			continue
		}
		links[i].Status = linkStatusFor(remote.Status)
		if err := s.store.UpdateLinkStatus(ctx, links[i].ID, links[i].Status); err != nil {
			s.logger.Warn("failed to store link status", "instance_id", id, "channel_id", links[i].ChannelID, "error", err)
		}
	}

	now := s.clock.Now()
	ok, err := s.store.MarkPollCancelled(ctx, id, now)
	if err != nil {
		return fmt.Errorf("cancelling poll %s: %w", id, err)
	}
	if !ok {
		return s.transitionError(ctx, id, domain.PollCancelled)
	}
	poll.Status = domain.PollCancelled
	poll.EndedAt = &now

	s.broadcaster.EmitCancelled(poll)
	agg := tally.Aggregate(len(poll.Options), links)
	if err := s.announcer.Announce(ctx, poll, agg, true); err != nil {
		s.logger.Warn("failed to announce cancellation", "instance_id", id, "error", err)
	}

	s.logger.Info("poll cancelled", "instance_id", id)
	return nil
}

// End closes a running instance and returns its final results.
func (s *Service) End(ctx context.Context, id string) (*domain.Aggregate, error) {
	poll, err := s.loadPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if !poll.Status.CanTransitionTo(domain.PollEnded) {
		return nil, &domain.TransitionError{InstanceID: id, From: poll.Status, To: domain.PollEnded}
	}

	s.tasks.Stop(id)
	return s.end(ctx, poll)
}

// end terminates the remaining remote polls, folding their closing counts
// into the links, then writes the final snapshot.
func (s *Service) end(ctx context.Context, poll *domain.PollInstance) (*domain.Aggregate, error) {
	links, err := s.store.ListLinks(ctx, poll.ID)
	if err != nil {
		return nil, fmt.Errorf("ending poll %s: %w", poll.ID, err)
	}

	for i := range links {
		link := &links[i]
		if link.RemotePollID == nil || link.Done() {
			continue
		}
		remote, err := s.endRemotePoll(ctx, poll, link, provider.StatusTerminated)
		if err != nil {
			s.logger.Warn("failed to terminate remote poll, fetching final counts",
				"instance_id", poll.ID,
				"channel_id", link.ChannelID,
				"error", err,
			)
			if remote, err = s.fetchRemotePoll(ctx, poll, link); err != nil {
				s.logger.Warn("keeping last known counts",
					"instance_id", poll.ID,
					"channel_id", link.ChannelID,
					"error", err,
				)
				continue
			}
		}
		link.SetVotes(remote.Votes(), len(poll.Options))
		link.Status = linkStatusFor(remote.Status)
		if _, err := s.store.UpdateLinkVotes(ctx, link); err != nil {
			s.logger.Warn("failed to store final counts", "instance_id", poll.ID, "channel_id", link.ChannelID, "error", err)
		}
	}

	agg := tally.Aggregate(len(poll.Options), links)
	now := s.clock.Now()
	ok, err := s.store.MarkPollEnded(ctx, poll.ID, now, agg)
	if err != nil {
		return nil, fmt.Errorf("ending poll %s: %w", poll.ID, err)
	}
	if !ok {
		return nil, s.transitionError(ctx, poll.ID, domain.PollEnded)
	}
	poll.Status = domain.PollEnded
	poll.EndedAt = &now
	poll.FinalResults = &agg

	s.broadcaster.EmitEnd(poll, agg)
	if err := s.announcer.Announce(ctx, poll, agg, false); err != nil {
		s.logger.Warn("failed to announce results", "instance_id", poll.ID, "error", err)
	}

	s.logger.Info("poll ended", "instance_id", poll.ID, "total_votes", agg.TotalVotes)
	return &agg, nil
}

// GetAggregatedVotes returns the final snapshot of an ended instance, or
// the live tally otherwise.
func (s *Service) GetAggregatedVotes(ctx context.Context, id string) (*domain.Aggregate, error) {
	poll, err := s.loadPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if poll.FinalResults != nil {
		return poll.FinalResults, nil
	}
	links, err := s.store.ListLinks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("aggregating poll %s: %w", id, err)
	}
	agg := tally.Aggregate(len(poll.Options), links)
	return &agg, nil
}

// RemoveChannelFromRunningPolls detaches a channel that left a campaign
// from every running poll of that campaign. Its remote polls are
// terminated on a best-effort basis. It returns the number of links removed.
func (s *Service) RemoveChannelFromRunningPolls(ctx context.Context, channelID, campaignID string) (int, error) {
	polls, err := s.store.ListRunningPollsByCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("listing running polls of campaign %s: %w", campaignID, err)
	}

	removed := 0
	var errs []error
	for i := range polls {
		poll := &polls[i]
		link, err := s.store.FindLink(ctx, poll.ID, channelID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if link == nil {
			continue
		}

		if link.RemotePollID != nil && !link.Done() {
			if _, err := s.endRemotePoll(ctx, poll, link, provider.StatusTerminated); err != nil {
				s.logger.Warn("failed to terminate remote poll of removed channel",
					"instance_id", poll.ID,
					"channel_id", channelID,
					"error", err,
				)
			}
		}
		if err := s.store.DeleteLink(ctx, link.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++

		if agg, err := s.GetAggregatedVotes(ctx, poll.ID); err == nil {
			s.broadcaster.EmitUpdate(poll, *agg)
		}
		s.logger.Info("channel removed from poll", "instance_id", poll.ID, "channel_id", channelID)
	}
	return removed, errors.Join(errs...)
}

// Resume restarts polling for every instance persisted as running, e.g.
// after a process restart. Expired instances are ended by their first tick.
func (s *Service) Resume(ctx context.Context) (int, error) {
	polls, err := s.store.ListPollsByStatus(ctx, domain.PollRunning)
	if err != nil {
		return 0, fmt.Errorf("listing running polls: %w", err)
	}
	resumed := 0
	for _, p := range polls {
		if s.tasks.Start(p.ID, s.tick) {
			resumed++
		}
	}
	s.logger.Info("polling resumed", "instances", resumed)
	return resumed, nil
}

// BreakerState exposes the breaker snapshot of one operation:channel key.
func (s *Service) BreakerState(operation, channelID string) engine.CircuitBreakerState {
	return s.executor.BreakerState(breakerKey(operation, channelID))
}

func (s *Service) loadPoll(ctx context.Context, id string) (*domain.PollInstance, error) {
	poll, err := s.store.GetPoll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading poll %s: %w", id, err)
	}
	if poll == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPollNotFound, id)
	}
	return poll, nil
}

// transitionError reports a guarded update that matched no row because the
// instance moved on concurrently.
func (s *Service) transitionError(ctx context.Context, id string, to domain.PollStatus) error {
	poll, err := s.loadPoll(ctx, id)
	if err != nil {
		return err
	}
	return &domain.TransitionError{InstanceID: id, From: poll.Status, To: to}
}
