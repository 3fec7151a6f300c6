// Package relay routes call signaling between users. Clients send events to
// the relay; the relay checks who may talk to whom, stamps the authenticated
// sender and republishes to the recipients' inbox topics.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/observer/owlycall/internal/metrics"
	"github.com/observer/owlycall/internal/pubsub"
	"github.com/observer/owlycall/internal/signaling"
)

// EventCallState is published on a call's topic whenever the relay's view of
// the call changes.
const EventCallState = "call.state"

// CallStatePayload describes a call state change.
type CallStatePayload struct {
	CallID         string    `json:"callId"`
	ConversationID string    `json:"conversationId"`
	State          string    `json:"state"`
	At             time.Time `json:"at"`
}

const DefaultRingTimeout = 45 * time.Second

// RouterConfig configures a Router.
type RouterConfig struct {
	// RingTimeout bounds how long an unanswered call is kept. It should be
	// longer than the clients' own ring timeouts.
	RingTimeout time.Duration
	// SweepInterval is how often expired calls are collected.
	SweepInterval time.Duration
}

// Router is the signaling switchboard.
type Router struct {
	cfg      RouterConfig
	calls    *Calls
	dir      Directory
	recorder Recorder
	ps       pubsub.PubSub
	metrics  *metrics.Relay
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates a router. recorder and m may be nil.
func NewRouter(cfg RouterConfig, dir Directory, recorder Recorder, ps pubsub.PubSub, m *metrics.Relay, logger *slog.Logger) *Router {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.RingTimeout / 3
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Router{
		cfg:      cfg,
		calls:    NewCalls(),
		dir:      dir,
		recorder: recorder,
		ps:       ps,
		metrics:  m,
		logger:   logger.With("component", "relay"),
		now:      time.Now,
	}
}

// Calls exposes the in-flight call table.
func (r *Router) Calls() *Calls { return r.calls }

// Run consumes client events published on the relay topic by in-process buses
// and expires abandoned calls. It blocks until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.ps.Subscribe(ctx, pubsub.Topics.Relay(), func(ctx context.Context, msg *pubsub.Message) {
		if err := r.Route(ctx, msg.From, msg.Type, msg.Payload); err != nil {
			r.reply(ctx, msg.From, msg.Type, err)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// reply reports a routing failure to the sender.
func (r *Router) reply(ctx context.Context, userID, event string, err error) {
	c := code(err)
	r.metrics.Rejected(c)
	r.logger.Debug("event rejected", "event", event, "user_id", userID, "error", err)
	if userID == "" {
		return
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		rerr = newError(CodeInternal, "internal error")
	}
	_ = r.publish(ctx, userID, signaling.EventError, signaling.ErrorPayload{Code: rerr.Code, Message: rerr.Message})
}

// Route handles one event sent by the authenticated user from. Returned errors
// are *Error values meant for the sender.
func (r *Router) Route(ctx context.Context, from, event string, raw json.RawMessage) error {
	if from == "" {
		return newError(CodeNotAuthenticated, "must authenticate first")
	}

	var err error
	switch event {
	case signaling.EventInitiateCall:
		err = r.initiate(ctx, from, raw)
	case signaling.EventAnswerCall:
		err = r.answer(ctx, from, raw)
	case signaling.EventCallReady:
		err = r.ready(ctx, from, raw)
	case signaling.EventRejectCall:
		err = r.reject(ctx, from, raw)
	case signaling.EventCancelCall:
		err = r.cancel(ctx, from, raw)
	case signaling.EventHangUp:
		err = r.hangUp(ctx, from, raw)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate,
		signaling.EventToggleAudio, signaling.EventToggleVideo,
		signaling.EventStartScreenShare, signaling.EventStopScreenShare:
		err = r.forward(ctx, from, event, raw)
	case signaling.EventCallEnded:
		err = r.recordEnded(ctx, from, raw)
	case signaling.EventCallMissed:
		err = r.recordMissed(ctx, from, raw)
	default:
		err = newError(CodeUnknownEvent, "unknown event type: "+event)
	}
	if err != nil {
		return err
	}
	r.metrics.Routed(event)
	return nil
}

// ============================================================================
// Call setup
// ============================================================================

func (r *Router) initiate(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.InitiateCallPayload](raw)
	if err != nil || p.CallID == "" || p.ConversationID == "" {
		return newError(CodeInvalidPayload, "invalid initiate-call payload")
	}

	members, err := r.dir.Members(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, ErrUnknownConversation) {
			return newError(CodeNotMember, "not a member of this conversation")
		}
		r.logger.Error("load conversation members", "conversation_id", p.ConversationID, "error", err)
		return newError(CodeInternal, "failed to load conversation")
	}
	callees := make([]string, 0, len(members))
	isMember := false
	for _, m := range members {
		if m == from {
			isMember = true
			continue
		}
		callees = append(callees, m)
	}
	if !isMember {
		return newError(CodeNotMember, "not a member of this conversation")
	}
	if len(callees) == 0 {
		return newError(CodeNoCallees, "nobody to call")
	}

	err = r.calls.Begin(Call{
		ID:             p.CallID,
		ConversationID: p.ConversationID,
		InitiatorID:    from,
		Kind:           p.CallType,
		Callees:        callees,
		CreatedAt:      r.now(),
	})
	if errors.Is(err, ErrCallExists) {
		// A duplicated announce; the callees were already rung.
		return nil
	}

	profile, err := r.dir.Profile(ctx, from)
	if err != nil {
		r.logger.Warn("load caller profile", "user_id", from, "error", err)
		profile = Profile{ID: from, Username: from}
	}

	r.logger.Info("call initiated",
		"call_id", p.CallID,
		"conversation_id", p.ConversationID,
		"caller_id", from,
		"callee_count", len(callees),
		"call_type", p.CallType)

	incoming := signaling.IncomingCallPayload{
		CallID:         p.CallID,
		FromUserID:     from,
		FromUsername:   profile.Username,
		FromAvatar:     profile.Avatar,
		ConversationID: p.ConversationID,
		CallType:       p.CallType,
	}
	for _, callee := range callees {
		if err := r.publish(ctx, callee, signaling.EventIncomingCall, incoming); err != nil {
			r.logger.Error("failed to send incoming call notification", "user_id", callee, "error", err)
		}
	}

	if err := r.recorder.Ringing(ctx, p.CallID, p.ConversationID, from, p.CallType); err != nil {
		r.logger.Warn("record ringing call", "call_id", p.CallID, "error", err)
	}
	r.callState(ctx, p.CallID, p.ConversationID, "ringing")
	return nil
}

func (r *Router) answer(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CallActionPayload](raw)
	if err != nil || p.CallID == "" {
		return newError(CodeInvalidPayload, "invalid answer-call payload")
	}

	c, err := r.calls.Answer(p.CallID, from, r.now())
	switch {
	case errors.Is(err, ErrCallNotFound):
		return newError(CodeUnknownCall, "call not found")
	case errors.Is(err, ErrNotCallee):
		return newError(CodeNotParticipant, "not a callee of this call")
	case errors.Is(err, ErrAnswered):
		return newError(CodeAlreadyAnswered, "call was answered elsewhere")
	case err != nil:
		return newError(CodeInternal, "failed to answer call")
	}

	if err := r.publish(ctx, c.InitiatorID, signaling.EventCallAnswered, signaling.CallAnsweredPayload{
		CallID:     c.ID,
		FromUserID: from,
	}); err != nil {
		r.logger.Error("notify caller of answer", "call_id", c.ID, "error", err)
	}

	// Stop the others' phones ringing.
	for _, callee := range c.Callees {
		if callee == from {
			continue
		}
		_ = r.publish(ctx, callee, signaling.EventCallCancelled, signaling.CancelCallPayload{
			ConversationID: c.ConversationID,
			ToUserID:       callee,
			CallID:         c.ID,
			FromUserID:     c.InitiatorID,
		})
	}

	if err := r.recorder.Answered(ctx, c.ID, from); err != nil {
		r.logger.Warn("record answered call", "call_id", c.ID, "error", err)
	}
	r.callState(ctx, c.ID, c.ConversationID, "answered")
	return nil
}

// ready forwards call-ready to the caller. A callee's events can reach the
// router out of order when they cross relay instances, so call-ready also
// counts as answering when it overtakes answer-call.
func (r *Router) ready(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CallActionPayload](raw)
	if err != nil || p.CallID == "" {
		return newError(CodeInvalidPayload, "invalid call-ready payload")
	}
	c, err := r.calls.Answer(p.CallID, from, r.now())
	switch {
	case errors.Is(err, ErrCallNotFound):
		return newError(CodeUnknownCall, "call not found")
	case errors.Is(err, ErrNotCallee), errors.Is(err, ErrAnswered):
		return newError(CodeNotParticipant, "only the answering callee can be ready")
	case err != nil:
		return newError(CodeInternal, "failed to mark call ready")
	}
	return r.publish(ctx, c.InitiatorID, signaling.EventCallReady, signaling.CallActionPayload{
		ConversationID: c.ConversationID,
		FromUserID:     from,
		CallID:         c.ID,
	})
}

func (r *Router) reject(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CallActionPayload](raw)
	if err != nil || p.CallID == "" {
		return newError(CodeInvalidPayload, "invalid reject-call payload")
	}

	c, all, err := r.calls.Reject(p.CallID, from)
	switch {
	case errors.Is(err, ErrCallNotFound):
		// Callers may already have given up; nothing to tell anyone.
		return nil
	case errors.Is(err, ErrNotCallee):
		return newError(CodeNotParticipant, "not a callee of this call")
	case errors.Is(err, ErrAnswered):
		return nil
	case err != nil:
		return newError(CodeInternal, "failed to reject call")
	}
	if !all {
		return nil
	}

	r.calls.Remove(c.ID)
	if err := r.publish(ctx, c.InitiatorID, signaling.EventCallRejected, signaling.CallActionPayload{
		ConversationID: c.ConversationID,
		FromUserID:     from,
		CallID:         c.ID,
	}); err != nil {
		r.logger.Error("notify caller of rejection", "call_id", c.ID, "error", err)
	}
	r.finish(ctx, c, OutcomeDeclined, 0)
	return nil
}

// ============================================================================
// Termination
// ============================================================================

func (r *Router) cancel(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CancelCallPayload](raw)
	if err != nil || p.CallID == "" {
		return newError(CodeInvalidPayload, "invalid cancel-call payload")
	}
	c, ok := r.calls.Get(p.CallID)
	if !ok {
		return nil
	}
	if c.InitiatorID != from {
		return newError(CodeNotParticipant, "only the caller can cancel")
	}

	r.calls.Remove(c.ID)
	for _, callee := range c.Callees {
		_ = r.publish(ctx, callee, signaling.EventCallCancelled, signaling.CancelCallPayload{
			ConversationID: c.ConversationID,
			ToUserID:       callee,
			CallID:         c.ID,
			FromUserID:     from,
		})
	}
	r.finish(ctx, c, OutcomeCancelled, 0)
	return nil
}

func (r *Router) hangUp(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.HangUpPayload](raw)
	if err != nil || p.CallID == "" {
		return newError(CodeInvalidPayload, "invalid hang-up payload")
	}
	c, ok := r.calls.Get(p.CallID)
	if !ok {
		// Both sides hanging up is normal; the second one finds nothing.
		return nil
	}
	if !c.Involves(from) {
		return newError(CodeNotParticipant, "not a participant of this call")
	}

	r.calls.Remove(c.ID)
	p.FromUserID = from

	switch {
	case c.Answered():
		p.ToUserID = c.Peer(from)
		_ = r.publish(ctx, p.ToUserID, signaling.EventHangUp, p)
		r.finish(ctx, c, OutcomeEnded, int(c.Duration(r.now())/time.Second))
	case from == c.InitiatorID:
		for _, callee := range c.Callees {
			p.ToUserID = callee
			_ = r.publish(ctx, callee, signaling.EventHangUp, p)
		}
		r.finish(ctx, c, OutcomeCancelled, 0)
	default:
		// A callee hanging up an unanswered call is declining it.
		p.ToUserID = c.InitiatorID
		_ = r.publish(ctx, c.InitiatorID, signaling.EventHangUp, p)
		r.finish(ctx, c, OutcomeDeclined, 0)
	}
	return nil
}

func (r *Router) recordEnded(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CallEndedPayload](raw)
	if err != nil {
		return newError(CodeInvalidPayload, "invalid call-ended payload")
	}
	if p.CallID == "" {
		return nil
	}
	if err := r.recorder.Finished(ctx, p.CallID, OutcomeEnded, p.Duration); err != nil {
		r.logger.Warn("record ended call", "call_id", p.CallID, "error", err)
	}
	return nil
}

func (r *Router) recordMissed(ctx context.Context, from string, raw json.RawMessage) error {
	p, err := signaling.Decode[signaling.CallMissedPayload](raw)
	if err != nil {
		return newError(CodeInvalidPayload, "invalid call-missed payload")
	}
	if p.CallID == "" {
		return nil
	}
	if err := r.recorder.Finished(ctx, p.CallID, OutcomeMissed, 0); err != nil {
		r.logger.Warn("record missed call", "call_id", p.CallID, "error", err)
	}
	return nil
}

// Sweep drops ringing calls older than the ring timeout. Their callers are
// gone or never heard back; callees are told the call was cancelled.
func (r *Router) Sweep(ctx context.Context) {
	for _, c := range r.calls.Expire(r.now().Add(-r.cfg.RingTimeout)) {
		r.logger.Info("expiring unanswered call", "call_id", c.ID, "age", r.now().Sub(c.CreatedAt))
		for _, callee := range c.Callees {
			_ = r.publish(ctx, callee, signaling.EventCallCancelled, signaling.CancelCallPayload{
				ConversationID: c.ConversationID,
				ToUserID:       callee,
				CallID:         c.ID,
				FromUserID:     c.InitiatorID,
			})
		}
		r.finish(ctx, c, OutcomeMissed, 0)
	}
}

func (r *Router) finish(ctx context.Context, c Call, outcome string, duration int) {
	r.logger.Info("call finished", "call_id", c.ID, "outcome", outcome, "duration_s", duration)
	if err := r.recorder.Finished(ctx, c.ID, outcome, duration); err != nil {
		r.logger.Warn("record finished call", "call_id", c.ID, "error", err)
	}
	r.callState(ctx, c.ID, c.ConversationID, outcome)
}

// ============================================================================
// Negotiation and in-call events
// ============================================================================

// forward relays a peer-to-peer event to toUserId with fromUserId overwritten
// by the authenticated sender.
func (r *Router) forward(ctx context.Context, from, event string, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return newError(CodeInvalidPayload, "invalid "+event+" payload")
	}
	var callID, to string
	if v, ok := fields["callId"]; ok {
		_ = json.Unmarshal(v, &callID)
	}
	if v, ok := fields["toUserId"]; ok {
		_ = json.Unmarshal(v, &to)
	}
	if callID == "" || to == "" {
		return newError(CodeInvalidPayload, event+" needs callId and toUserId")
	}

	c, ok := r.calls.Get(callID)
	if !ok {
		return newError(CodeUnknownCall, "call not found")
	}
	if !c.Involves(from) || !c.Involves(to) || from == to {
		return newError(CodeNotParticipant, "not a participant of this call")
	}

	stamped, _ := json.Marshal(from)
	fields["fromUserId"] = stamped
	payload, err := json.Marshal(fields)
	if err != nil {
		return newError(CodeInternal, "failed to encode payload")
	}
	return r.publishRaw(ctx, to, event, payload)
}

// ============================================================================
// Publishing
// ============================================================================

func (r *Router) publish(ctx context.Context, userID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.publishRaw(ctx, userID, event, data)
}

func (r *Router) publishRaw(ctx context.Context, userID, event string, payload json.RawMessage) error {
	msg := &pubsub.Message{
		Topic:   pubsub.Topics.User(userID),
		Type:    event,
		Payload: payload,
	}
	return r.ps.Publish(ctx, msg.Topic, msg)
}

func (r *Router) callState(ctx context.Context, callID, conversationID, state string) {
	r.metrics.CallsInFlight(r.calls.Len())
	data, _ := json.Marshal(CallStatePayload{
		CallID:         callID,
		ConversationID: conversationID,
		State:          state,
		At:             r.now(),
	})
	msg := &pubsub.Message{
		Topic:   pubsub.Topics.Call(callID),
		Type:    EventCallState,
		Payload: data,
	}
	if err := r.ps.Publish(ctx, msg.Topic, msg); err != nil {
		r.logger.Debug("publish call state", "call_id", callID, "error", err)
	}
}
