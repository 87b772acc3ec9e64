// Copyright 2024-2026 Aiku AI

package proxy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Orchestrator drives the scripted link/unlink conversations with bridge
// bot control rooms. All platform variation comes from the Platform
// declarations; the orchestrator only knows the common shape: send a
// script, wait for the first classifiable reply, race a deadline.
type Orchestrator struct {
	cfg *Config
	log zerolog.Logger

	// sleep is swapped out by tests to skip the settle delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator builds an orchestrator with the given tuning.
func NewOrchestrator(cfg *Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:   cfg,
		log:   log.With().Str("component", "orchestrator").Logger(),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingOp is one in-flight scripted conversation: a room subscription, a
// single-fire completion slot, and the classifier rules. The resolved flag
// guarantees at most one Outcome ever lands in result even when several
// matching replies arrive concurrently.
type pendingOp struct {
	sub      *Subscription
	resolved atomic.Bool
	result   chan Outcome
}

// newPendingOp subscribes to the control room before any script message is
// sent, so a fast bot reply cannot slip past the classifier.
func newPendingOp(s *Session, roomID id.RoomID, rules []ResponseRule) *pendingOp {
	op := &pendingOp{result: make(chan Outcome, 1)}
	own := s.UserID()
	op.sub = s.Subscribe(roomID, func(evt *event.Event) {
		if evt.Sender == own {
			return
		}
		msg := evt.Content.AsMessage()
		if msg == nil || msg.Body == "" {
			return
		}
		for _, rule := range rules {
			match := rule.Pattern.FindStringSubmatch(msg.Body)
			if match == nil {
				continue
			}
			if op.resolved.CompareAndSwap(false, true) {
				op.result <- rule.Resolve(match)
			}
			return
		}
	})
	return op
}

// detach cancels the room subscription. Safe to call repeatedly; every exit
// path out of await runs it so no listener outlives its operation.
func (op *pendingOp) detach() {
	op.sub.Cancel()
}

// await blocks until the conversation resolves or the deadline passes.
// If the deadline and a reply race, the reply wins.
func (op *pendingOp) await(ctx context.Context, deadline time.Duration) (Outcome, error) {
	defer op.detach()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case out := <-op.result:
		return out, out.Err
	case <-timer.C:
		select {
		case out := <-op.result:
			return out, out.Err
		default:
		}
		op.resolved.Store(true)
		return Outcome{}, ErrTimeout
	case <-ctx.Done():
		op.resolved.Store(true)
		return Outcome{}, ctx.Err()
	}
}

// sendScript sends the ordered outbound messages with a settle delay
// between consecutive sends, respecting the bot's turn-taking.
func (o *Orchestrator) sendScript(ctx context.Context, s *Session, roomID id.RoomID, steps []string, settle time.Duration) error {
	for i, step := range steps {
		if i > 0 {
			if err := o.sleep(ctx, settle); err != nil {
				return err
			}
		}
		if _, err := s.API().SendText(ctx, roomID, step); err != nil {
			return wrapSend(roomID.String(), i, err)
		}
	}
	return nil
}

// controlRoom resolves the platform's control room for a session.
func (o *Orchestrator) controlRoom(s *Session, p *Platform) (id.RoomID, error) {
	roomID, ok := s.ControlRoom(p.BotUserID(o.cfg.ServerDomain))
	if !ok {
		return "", ErrNoControlRoom
	}
	return roomID, nil
}

// Link starts the login conversation for a platform. For single-phase
// platforms it runs the full script-wait-classify cycle and returns the
// parsed result (pairing code or confirmed username). For two-phase
// platforms it only sends the identifying credential; Verify completes the
// flow with the user-supplied code.
func (o *Orchestrator) Link(ctx context.Context, s *Session, p *Platform, req *LinkRequest) (map[string]string, error) {
	roomID, err := o.controlRoom(s, p)
	if err != nil {
		return nil, err
	}
	steps, err := p.InitScript(req)
	if err != nil {
		return nil, err
	}

	if p.TwoPhase {
		if err := o.sendScript(ctx, s, roomID, steps, o.cfg.SettleDelay(p.Name)); err != nil {
			return nil, err
		}
		o.log.Info().Str("platform", p.Name).Str("room_id", roomID.String()).Msg("Login code requested")
		return map[string]string{"status": "code_requested"}, nil
	}

	return o.converse(ctx, s, p, roomID, steps, p.LoginRules)
}

// Verify completes a two-phase login with the code the user received
// out of band.
func (o *Orchestrator) Verify(ctx context.Context, s *Session, p *Platform, req *LinkRequest) (map[string]string, error) {
	if !p.TwoPhase {
		return nil, badRequest("platform has no verify step")
	}
	roomID, err := o.controlRoom(s, p)
	if err != nil {
		return nil, err
	}
	steps, err := p.VerifyScript(req)
	if err != nil {
		return nil, err
	}
	return o.converse(ctx, s, p, roomID, steps, p.LoginRules)
}

// converse runs one scripted exchange: attach the classifier, send the
// script, wait for the first matching reply or the deadline.
func (o *Orchestrator) converse(ctx context.Context, s *Session, p *Platform, roomID id.RoomID, steps []string, rules []ResponseRule) (map[string]string, error) {
	op := newPendingOp(s, roomID, rules)
	if err := o.sendScript(ctx, s, roomID, steps, o.cfg.SettleDelay(p.Name)); err != nil {
		op.detach()
		return nil, err
	}
	out, err := op.await(ctx, o.cfg.ResponseTimeout(p.Name))
	if err != nil {
		o.log.Warn().Err(err).Str("platform", p.Name).Str("room_id", roomID.String()).Msg("Link conversation failed")
		return nil, err
	}
	o.log.Info().Str("platform", p.Name).Str("room_id", roomID.String()).Msg("Link conversation resolved")
	return out.Values, nil
}

// Unlink logs a platform account out: ask the bot for its connection
// listing, extract the connection identifier, issue the machine-directed
// logout command, optionally wait for the confirmation phrase, and leave
// the now-stale bridged rooms.
func (o *Orchestrator) Unlink(ctx context.Context, s *Session, p *Platform) error {
	botID := p.BotUserID(o.cfg.ServerDomain)
	roomID, ok := s.ControlRoom(botID)
	if !ok {
		return ErrNoControlRoom
	}
	deadline := o.cfg.ResponseTimeout(p.Name)

	descriptor := newPendingOp(s, roomID, []ResponseRule{{
		Pattern: p.LogoutDescriptor,
		Resolve: func(match []string) Outcome {
			return Outcome{Values: map[string]string{"connId": match[1]}}
		},
	}})
	if _, err := s.API().SendText(ctx, roomID, "logout"); err != nil {
		descriptor.detach()
		return wrapSend(roomID.String(), 0, err)
	}
	out, err := descriptor.await(ctx, deadline)
	if err != nil {
		return err
	}
	connID := out.Values["connId"]

	// Attach the confirmation listener before the machine command so the
	// bot's reply cannot be missed, then give the bot a moment to finish
	// its own processing of the listing.
	var confirm *pendingOp
	if p.LogoutConfirm != nil {
		confirm = newPendingOp(s, roomID, []ResponseRule{{
			Pattern: p.LogoutConfirm,
			Resolve: func([]string) Outcome { return Outcome{} },
		}})
	}
	if err := o.sleep(ctx, o.cfg.LogoutCommandDelay()); err != nil {
		if confirm != nil {
			confirm.detach()
		}
		return err
	}
	if _, err := s.API().SendText(ctx, roomID, p.LogoutCommand(connID)); err != nil {
		if confirm != nil {
			confirm.detach()
		}
		return wrapSend(roomID.String(), 0, err)
	}
	if confirm != nil {
		if _, err := confirm.await(ctx, deadline); err != nil {
			// The primary logout already went through; a missing
			// confirmation phrase is not a failure.
			o.log.Debug().Err(err).Str("platform", p.Name).Msg("No logout confirmation observed")
		}
	}

	o.leaveBridgedRooms(ctx, s, p, roomID, botID)
	o.log.Info().Str("platform", p.Name).Str("conn_id", connID).Msg("Platform unlinked")
	return nil
}

// leaveBridgedRooms leaves every joined room carrying the platform's room
// marker, except the control room itself (and any other two-member bot DM).
// Per-room failures are logged and never abort the batch: the logout
// already succeeded.
func (o *Orchestrator) leaveBridgedRooms(ctx context.Context, s *Session, p *Platform, controlRoom id.RoomID, botID id.UserID) {
	for _, room := range s.JoinedRooms() {
		if room.ID == controlRoom || !p.MatchesRoomName(room.Name) {
			continue
		}
		if _, isBotDM := room.Members[botID]; isBotDM && len(room.Members) == 2 {
			continue
		}
		if err := s.API().LeaveRoom(ctx, room.ID); err != nil {
			o.log.Warn().Err(err).Str("room_id", room.ID.String()).Msg("Failed to leave bridged room")
			continue
		}
		o.log.Info().Str("room_id", room.ID.String()).Str("platform", p.Name).Msg("Left bridged room")
	}
}
