package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/signaling"
)

type outgoingInvite struct {
	callee string
	timer  *time.Timer
}

type incomingInvite struct {
	inv   Invitation
	timer *time.Timer
}

// Invite rings calleeID, who must be in the room. The answer arrives through
// OnInvitationAccepted or OnInvitationDeclined; no answer within the invite
// timeout counts as declined with reason "expired".
func (o *Orchestrator) Invite(ctx context.Context, calleeID string) (string, error) {
	var id string
	err := o.do(ctx, func() error {
		if o.channel == nil {
			return ErrNoCall
		}
		var err error
		id, err = o.invite(calleeID)
		return err
	})
	return id, err
}

func (o *Orchestrator) invite(calleeID string) (string, error) {
	id := uuid.NewString()
	data := models.InviteData{
		InvitationID: id,
		Role:         o.opts.Role,
		ExpiresAt:    time.Now().Add(o.opts.InviteTimeout).UTC(),
	}
	if err := o.send(o.channel, o.roomID, models.SignalTypeInvite, data, calleeID); err != nil {
		return "", err
	}

	gen := o.gen
	entry := &outgoingInvite{callee: calleeID}
	entry.timer = time.AfterFunc(o.opts.InviteTimeout, func() {
		o.post(gen, func() {
			if o.outgoing[id] != entry {
				return
			}
			delete(o.outgoing, id)
			if o.ringing == calleeID {
				o.ringing = ""
			}
			o.logger.Info().Str("invitation_id", id).Str("callee", calleeID).Msg("Invitation expired")
			o.listener.OnInvitationDeclined(id, models.DeclineReasonExpired)
		})
	})
	o.outgoing[id] = entry
	o.logger.Info().Str("invitation_id", id).Str("callee", calleeID).Msg("Invitation sent")
	return id, nil
}

// Accept answers an incoming invitation.
func (o *Orchestrator) Accept(ctx context.Context, invitationID string) error {
	return o.do(ctx, func() error {
		in, ok := o.takeIncoming(invitationID)
		if !ok {
			return ErrUnknownInvitation
		}
		o.logger.Info().Str("invitation_id", invitationID).Str("from", in.inv.From).Msg("Invitation accepted")
		return o.send(o.channel, o.roomID, models.SignalTypeAccept,
			models.DeclineData{InvitationID: invitationID}, in.inv.From)
	})
}

// Decline refuses an incoming invitation.
func (o *Orchestrator) Decline(ctx context.Context, invitationID string) error {
	return o.do(ctx, func() error {
		in, ok := o.takeIncoming(invitationID)
		if !ok {
			return ErrUnknownInvitation
		}
		o.logger.Info().Str("invitation_id", invitationID).Str("from", in.inv.From).Msg("Invitation declined")
		return o.send(o.channel, o.roomID, models.SignalTypeDecline,
			models.DeclineData{InvitationID: invitationID, Reason: models.DeclineReasonDeclined}, in.inv.From)
	})
}

func (o *Orchestrator) takeIncoming(id string) (*incomingInvite, bool) {
	in, ok := o.incoming[id]
	if !ok || o.channel == nil {
		return nil, false
	}
	in.timer.Stop()
	delete(o.incoming, id)
	return in, true
}

func (o *Orchestrator) onInvite(msg models.SignalMessage) {
	var data models.InviteData
	if err := signaling.DecodeData(msg, &data); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	if o.State() == StateConnected || (o.remote != "" && o.remote != msg.From) {
		o.logger.Info().Str("invitation_id", data.InvitationID).Str("from", msg.From).Msg("Busy, declining invitation")
		if err := o.send(o.channel, o.roomID, models.SignalTypeDecline,
			models.DeclineData{InvitationID: data.InvitationID, Reason: models.DeclineReasonBusy}, msg.From); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to decline invitation")
		}
		return
	}

	inv := Invitation{
		ID:        data.InvitationID,
		From:      msg.From,
		Role:      data.Role,
		RoomID:    msg.RoomID,
		ExpiresAt: data.ExpiresAt,
	}
	wait := o.opts.InviteTimeout
	if until := time.Until(data.ExpiresAt); until > 0 && until < wait {
		wait = until
	}

	gen := o.gen
	entry := &incomingInvite{inv: inv}
	entry.timer = time.AfterFunc(wait, func() {
		o.post(gen, func() {
			if o.incoming[inv.ID] != entry {
				return
			}
			delete(o.incoming, inv.ID)
			o.logger.Info().Str("invitation_id", inv.ID).Str("from", inv.From).Msg("Invitation expired")
			if err := o.send(o.channel, o.roomID, models.SignalTypeDecline,
				models.DeclineData{InvitationID: inv.ID, Reason: models.DeclineReasonExpired}, inv.From); err != nil {
				o.logger.Warn().Err(err).Msg("Failed to decline invitation")
			}
			o.listener.OnInvitationDeclined(inv.ID, models.DeclineReasonExpired)
		})
	})
	o.incoming[inv.ID] = entry
	o.listener.OnIncomingCall(inv)
}

func (o *Orchestrator) onAccept(msg models.SignalMessage) {
	var data models.DeclineData
	if err := signaling.DecodeData(msg, &data); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	out, ok := o.outgoing[data.InvitationID]
	if !ok || out.callee != msg.From {
		return
	}
	out.timer.Stop()
	delete(o.outgoing, data.InvitationID)
	o.listener.OnInvitationAccepted(data.InvitationID, msg.From)

	if o.ringing == msg.From {
		o.ringing = ""
		if o.remote == msg.From {
			o.startNegotiation()
		}
	}
}

func (o *Orchestrator) onDecline(msg models.SignalMessage) {
	var data models.DeclineData
	if err := signaling.DecodeData(msg, &data); err != nil {
		o.decodeFailed(msg, err)
		return
	}
	out, ok := o.outgoing[data.InvitationID]
	if !ok || out.callee != msg.From {
		return
	}
	out.timer.Stop()
	delete(o.outgoing, data.InvitationID)
	if o.ringing == msg.From {
		o.ringing = ""
	}
	reason := data.Reason
	if reason == "" {
		reason = models.DeclineReasonDeclined
	}
	o.logger.Info().Str("invitation_id", data.InvitationID).Str("reason", reason).Msg("Invitation not accepted")
	o.listener.OnInvitationDeclined(data.InvitationID, reason)
}

// stopRinging forgets a pending ring once the other side has started
// negotiating.
func (o *Orchestrator) stopRinging() {
	o.ringing = ""
}

func (o *Orchestrator) clearInvites() {
	for _, out := range o.outgoing {
		out.timer.Stop()
	}
	for _, in := range o.incoming {
		in.timer.Stop()
	}
	clear(o.outgoing)
	clear(o.incoming)
	o.ringing = ""
}
