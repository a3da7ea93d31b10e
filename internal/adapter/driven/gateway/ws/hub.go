package ws

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const inboundQueueSize = 256

// inbound carries an envelope or, when leave is set, the end of a
// connection. Sharing one queue keeps a client's last envelopes ahead of
// its departure.
type inbound struct {
	from  Client
	env   domain.Envelope
	leave bool
}

// callEntry is the minimal per-call state needed to fan terminal messages
// out to every leg. It is never consulted for call state.
type callEntry struct {
	group        bool
	groupCallID  domain.GroupCallID
	participants map[domain.ParticipantID]bool
	joined       map[domain.ParticipantID]bool
	createdAt    time.Time
}

func (e *callEntry) others(p domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(e.participants))
	for q := range e.participants {
		if q != p {
			out = append(out, q)
		}
	}
	slices.Sort(out)
	return out
}

// CallInfo is a snapshot of one call table entry.
type CallInfo struct {
	CallID       domain.CallID          `json:"callId"`
	Group        bool                   `json:"group"`
	GroupCallID  domain.GroupCallID     `json:"groupCallId,omitempty"`
	Participants []domain.ParticipantID `json:"participants"`
	Joined       []domain.ParticipantID `json:"joined,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Hub is the signaling relay. The routing table and the call table are only
// touched by the Run goroutine.
type Hub struct {
	clients  map[domain.ParticipantID]Client
	calls    map[domain.CallID]*callEntry
	register chan Client
	inbound  chan inbound
	queries  chan func()
	quit     chan struct{}
	done     chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[domain.ParticipantID]Client),
		calls:    make(map[domain.CallID]*callEntry),
		register: make(chan Client),
		inbound:  make(chan inbound, inboundQueueSize),
		queries:  make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for id, client := range h.clients {
				client.Close(CloseShutdown)
				delete(h.clients, id)
			}
			ConnectedParticipants.Set(0)
			return

		case client := <-h.register:
			h.attach(client)

		case in := <-h.inbound:
			if in.leave {
				h.detach(in.from)
				continue
			}
			h.route(in.from, in.env)

		case q := <-h.queries:
			q()
		}
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.inbound <- inbound{from: c, leave: true}:
	case <-h.quit:
	}
}

// Inbound hands an envelope received on c to the relay.
func (h *Hub) Inbound(c Client, env domain.Envelope) {
	select {
	case h.inbound <- inbound{from: c, env: env}:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// Connected returns the number of participants with a live connection.
func (h *Hub) Connected() int {
	var n int
	h.query(func() { n = len(h.clients) })
	return n
}

func (h *Hub) Calls() []CallInfo {
	var out []CallInfo
	h.query(func() {
		out = make([]CallInfo, 0, len(h.calls))
		for id, e := range h.calls {
			info := CallInfo{
				CallID:       id,
				Group:        e.group,
				GroupCallID:  e.groupCallID,
				Participants: keys(e.participants),
				CreatedAt:    e.createdAt,
			}
			if e.group {
				info.Joined = keys(e.joined)
			}
			out = append(out, info)
		}
		slices.SortFunc(out, func(a, b CallInfo) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
	})
	return out
}

func (h *Hub) query(fn func()) {
	done := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(done) }:
		<-done
	case <-h.quit:
	}
}

func (h *Hub) attach(c Client) {
	id := c.ID()
	if old, ok := h.clients[id]; ok && old != c {
		log.Info().Str("participant", id.String()).Msg("Connection superseded")
		old.Close(CloseSuperseded)
	}
	h.clients[id] = c
	ConnectedParticipants.Set(float64(len(h.clients)))
	log.Info().Str("participant", id.String()).Int("count", len(h.clients)).Msg("Participant registered")
}

// detach removes a connection and tells every counterpart of its calls that
// it is gone.
func (h *Hub) detach(c Client) {
	id := c.ID()
	if cur, ok := h.clients[id]; !ok || cur != c {
		return
	}
	delete(h.clients, id)
	c.Close(CloseGone)
	ConnectedParticipants.Set(float64(len(h.clients)))
	log.Info().Str("participant", id.String()).Int("count", len(h.clients)).Msg("Participant unregistered")

	for callID, e := range h.calls {
		if !e.participants[id] {
			continue
		}
		if e.group {
			h.synthesize(id, e.others(id), callID, domain.GroupCallLeave{Reason: domain.ReasonRemoteGone})
			h.removeFromGroup(domain.GroupCallID(callID), e, id)
			continue
		}
		h.synthesize(id, e.others(id), callID, domain.CallEnd{Reason: domain.ReasonRemoteGone})
		h.deleteCall(callID)
	}
}

func (h *Hub) route(from Client, env domain.Envelope) {
	sender := from.ID()
	if cur, ok := h.clients[sender]; !ok || cur != from {
		h.drop(env, "stale_connection")
		return
	}
	env.From = sender
	EnvelopesTotal.WithLabelValues(string(env.Type)).Inc()

	l := log.With().
		Str("type", string(env.Type)).
		Str("from", sender.String()).
		Str("call_id", env.CallID.String()).
		Logger()

	if env.CallID == "" {
		h.drop(env, "missing_call_id")
		return
	}

	switch env.Type {
	case domain.TypeCallRequest:
		if env.To == "" || env.To == sender {
			h.drop(env, "invalid_target")
			return
		}
		if _, ok := h.calls[env.CallID]; ok {
			l.Warn().Msg("Duplicate call request")
			h.drop(env, "duplicate_call")
			return
		}
		if !h.deliver(env.To, env) {
			h.unreachable(env)
			return
		}
		h.addCall(env.CallID, &callEntry{
			participants: map[domain.ParticipantID]bool{sender: true, env.To: true},
		})

	case domain.TypeCallAccept:
		e, ok := h.calls[env.CallID]
		if !ok || e.group || !e.participants[sender] {
			h.drop(env, "unknown_call")
			return
		}
		for _, p := range e.others(sender) {
			env.To = p
			if !h.deliver(p, env) {
				h.unreachable(env)
			}
		}

	case domain.TypeCallReject, domain.TypeCallEnd:
		e, ok := h.calls[env.CallID]
		if !ok {
			l.Debug().Msg("Terminal message for unknown call")
			h.drop(env, "terminal_repeat")
			return
		}
		if e.group || !e.participants[sender] {
			h.drop(env, "not_a_participant")
			return
		}
		for _, p := range e.others(sender) {
			env.To = p
			h.deliver(p, env)
		}
		h.deleteCall(env.CallID)

	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICE:
		if env.To == "" || env.To == sender {
			h.drop(env, "invalid_target")
			return
		}
		if env.Type == domain.TypeOffer {
			h.trackLeg(env)
		}
		if !h.deliver(env.To, env) {
			h.unreachable(env)
		}

	case domain.TypeGroupCallInvite:
		h.routeInvite(env)

	case domain.TypeGroupCallAccept:
		gid := domain.GroupCallID(env.CallID)
		e, ok := h.calls[env.CallID]
		if !ok || !e.group || !e.participants[sender] {
			l.Info().Msg("Accept for group call that no longer exists")
			h.synthesize("", []domain.ParticipantID{sender}, env.CallID, domain.CallReject{Reason: domain.ReasonUnreachable})
			return
		}
		for _, p := range keys(e.joined) {
			if p == sender {
				continue
			}
			env.To = p
			h.deliver(p, env)
		}
		e.joined[sender] = true
		l.Info().Str("group_call_id", gid.String()).Int("joined", len(e.joined)).Msg("Participant joined group call")

	case domain.TypeGroupCallLeave:
		e, ok := h.calls[env.CallID]
		if !ok || !e.group {
			h.drop(env, "unknown_call")
			return
		}
		if !e.participants[sender] {
			h.drop(env, "not_a_participant")
			return
		}
		for _, p := range e.others(sender) {
			env.To = p
			h.deliver(p, env)
		}
		h.removeFromGroup(domain.GroupCallID(env.CallID), e, sender)

	default:
		l.Warn().Msg("Unknown envelope type")
		h.drop(env, "unknown_type")
	}
}

func (h *Hub) routeInvite(env domain.Envelope) {
	sender := env.From
	if env.To == "" || env.To == sender {
		h.drop(env, "invalid_target")
		return
	}
	e, ok := h.calls[env.CallID]
	if !ok {
		var invite domain.GroupCallInvite
		if err := json.Unmarshal(env.Payload, &invite); err != nil {
			h.drop(env, "invalid_payload")
			return
		}
		e = &callEntry{
			group:        true,
			groupCallID:  domain.GroupCallID(env.CallID),
			participants: map[domain.ParticipantID]bool{sender: true},
			joined:       map[domain.ParticipantID]bool{sender: true},
		}
		for _, p := range invite.ParticipantIDs {
			e.participants[p] = true
		}
		h.addCall(env.CallID, e)
	}
	if !e.group || !e.joined[sender] {
		h.drop(env, "not_a_participant")
		return
	}
	e.participants[env.To] = true
	if !h.deliver(env.To, env) {
		h.unreachable(env)
		delete(e.participants, env.To)
	}
}

// trackLeg records the pairwise legs of a group call so that call_end on a
// leg can be fanned out like any other call.
func (h *Hub) trackLeg(env domain.Envelope) {
	if _, ok := h.calls[env.CallID]; ok {
		return
	}
	gid, ok := domain.GroupOf(env.CallID)
	if !ok {
		return
	}
	g, ok := h.calls[domain.CallID(gid)]
	if !ok || !g.group || !g.joined[env.From] || !g.participants[env.To] {
		return
	}
	if env.CallID != domain.LegCallID(gid, env.From, env.To) {
		return
	}
	h.addCall(env.CallID, &callEntry{
		groupCallID:  gid,
		participants: map[domain.ParticipantID]bool{env.From: true, env.To: true},
	})
}

func (h *Hub) removeFromGroup(gid domain.GroupCallID, e *callEntry, p domain.ParticipantID) {
	delete(e.participants, p)
	delete(e.joined, p)
	for id, leg := range h.calls {
		if leg.groupCallID == gid && !leg.group && leg.participants[p] {
			h.deleteCall(id)
		}
	}
	if len(e.joined) == 0 {
		for id, leg := range h.calls {
			if leg.groupCallID == gid && !leg.group {
				h.deleteCall(id)
			}
		}
		h.deleteCall(domain.CallID(gid))
	}
}

func (h *Hub) addCall(id domain.CallID, e *callEntry) {
	e.createdAt = time.Now()
	h.calls[id] = e
	CallsInFlight.Set(float64(len(h.calls)))
}

func (h *Hub) deleteCall(id domain.CallID) {
	delete(h.calls, id)
	CallsInFlight.Set(float64(len(h.calls)))
}

// deliver forwards env to p. A connection that cannot take more envelopes is
// closed; its read side then unregisters it.
func (h *Hub) deliver(p domain.ParticipantID, env domain.Envelope) bool {
	c, ok := h.clients[p]
	if !ok {
		UndeliverableTotal.WithLabelValues(string(env.Type)).Inc()
		return false
	}
	if err := c.Send(env); err != nil {
		log.Error().Err(err).Str("participant", p.String()).Msg("Error sending envelope")
		UndeliverableTotal.WithLabelValues(string(env.Type)).Inc()
		c.Close(CloseSlowConsumer)
		return false
	}
	return true
}

// unreachable answers env on behalf of its missing recipient.
func (h *Hub) unreachable(env domain.Envelope) {
	log.Info().
		Str("type", string(env.Type)).
		Str("from", env.From.String()).
		Str("to", env.To.String()).
		Str("call_id", env.CallID.String()).
		Msg("Recipient unreachable")
	if env.Type == domain.TypeCallRequest {
		h.deleteCall(env.CallID)
	}
	h.synthesize(env.To, []domain.ParticipantID{env.From}, env.CallID, domain.CallReject{Reason: domain.ReasonUnreachable})
}

func (h *Hub) synthesize(from domain.ParticipantID, to []domain.ParticipantID, callID domain.CallID, msg domain.Message) {
	for _, p := range to {
		env, err := domain.NewEnvelope(from, p, callID, msg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to synthesize envelope")
			return
		}
		reason := ""
		switch m := msg.(type) {
		case domain.CallReject:
			reason = string(m.Reason)
		case domain.CallEnd:
			reason = string(m.Reason)
		case domain.GroupCallLeave:
			reason = string(m.Reason)
		}
		SynthesizedTotal.WithLabelValues(string(msg.Type()), reason).Inc()
		h.deliver(p, env)
	}
}

func (h *Hub) drop(env domain.Envelope, reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
	log.Debug().Str("type", string(env.Type)).Str("call_id", env.CallID.String()).Str("reason", reason).Msg("Envelope dropped")
}

func keys(m map[domain.ParticipantID]bool) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
