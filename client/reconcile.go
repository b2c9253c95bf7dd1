package client

import (
	"sort"

	"github.com/sirupsen/logrus"

	"hfpd/call"
)

// actionTag identifies the AT command a queued action waits a result for.
type actionTag int

const (
	tagQueryCalls actionTag = iota
	tagQueryOperator
	tagSubscriberInfo
	tagDial
	tagAccept
	tagReject
	tagHold
	tagTerminate
	tagPrivateMode
	tagTransfer
	tagDTMF
	tagVendor
	tagVolume
	tagVRStart
	tagVRStop
	tagPolicyQuery
	tagPolicy
)

var tagNames = [...]string{
	tagQueryCalls:     "query_calls",
	tagQueryOperator:  "query_operator",
	tagSubscriberInfo: "subscriber_info",
	tagDial:           "dial",
	tagAccept:         "accept",
	tagReject:         "reject",
	tagHold:           "hold",
	tagTerminate:      "terminate",
	tagPrivateMode:    "private_mode",
	tagTransfer:       "transfer",
	tagDTMF:           "dtmf",
	tagVendor:         "vendor_at",
	tagVolume:         "volume",
	tagVRStart:        "vr_start",
	tagVRStop:         "vr_stop",
	tagPolicyQuery:    "policy_query",
	tagPolicy:         "policy",
}

func (t actionTag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "unknown"
}

// expectation is the state a call is expected to reach once the gateway
// acknowledges a call action.
type expectation struct {
	id         int
	state      call.State
	multiparty bool
}

// queuedAction is an AT command waiting for its final result code.
type queuedAction struct {
	tag    actionTag
	expect []expectation
}

func (m *Machine) enqueue(tag actionTag, expect []expectation) {
	m.queue = append(m.queue, queuedAction{tag: tag, expect: expect})
}

func (m *Machine) queued(tag actionTag) bool {
	for _, a := range m.queue {
		if a.tag == tag {
			return true
		}
	}
	return false
}

// dequeue removes the oldest action with tag.
func (m *Machine) dequeue(tag actionTag) bool {
	for i, a := range m.queue {
		if a.tag == tag {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Machine) onResult(e ResultEvent) {
	if len(m.queue) == 0 {
		m.log.WithField("result", e.Result).Debug("result without outstanding command")
		return
	}
	a := m.queue[0]
	m.queue = m.queue[1:]
	ok := e.Result == ResultOK
	log := m.log.WithFields(logrus.Fields{"action": a.tag, "result": e.Result})
	if !ok {
		log.WithField("cme", e.CME).Info("command failed")
	}

	switch a.tag {
	case tagQueryCalls:
		m.timers.Cancel(timerClcc)
		if ok {
			m.queryCallsDone()
			return
		}
		m.updates = make(map[int]*call.Call)
		m.schedulePoll()
	case tagDial:
		if ok {
			m.queryCalls()
			return
		}
		if c, found := m.calls[call.HFOriginatedID]; found {
			delete(m.calls, call.HFOriginatedID)
			c.State = call.StateTerminated
			m.notifyCall(c)
		}
	case tagAccept, tagReject, tagHold, tagTerminate, tagPrivateMode, tagTransfer:
		if ok {
			m.apply(a.expect)
		}
		m.queryCalls()
	case tagVRStart, tagVRStop:
		if ok {
			m.setVR(a.tag == tagVRStart)
		} else {
			m.setVR(m.vr)
		}
	case tagPolicyQuery:
		m.setPolicySupported(ok)
	}
}

// apply moves calls to the state an acknowledged action implies. Calls that
// already are in that state produce no notification.
func (m *Machine) apply(expect []expectation) {
	for _, x := range expect {
		c, ok := m.calls[x.id]
		if !ok {
			continue
		}
		if c.State == x.state && (c.Multiparty || !x.multiparty) {
			continue
		}
		c.State = x.state
		if x.multiparty {
			c.Multiparty = true
		}
		if x.state == call.StateTerminated {
			delete(m.calls, x.id)
		}
		m.notifyCall(c)
	}
}

// queryCalls asks the gateway for its current calls unless a query is
// already outstanding.
func (m *Machine) queryCalls() {
	if m.queued(tagQueryCalls) {
		return
	}
	m.timers.Cancel(timerPoll)
	if !m.env.native.QueryCurrentCalls(m.dev) {
		m.log.Warn("native current calls query rejected")
		return
	}
	m.updates = make(map[int]*call.Call)
	m.enqueue(tagQueryCalls, nil)
	m.timers.Start(timerClcc, m.env.cfg.ClccResponseTimeout, m.clccTimeout)
}

func (m *Machine) clccTimeout() {
	m.log.Warn("current calls report timed out")
	m.dequeue(tagQueryCalls)
	m.updates = make(map[int]*call.Call)
	m.schedulePoll()
}

func (m *Machine) onCall(e CallEvent) {
	if !m.queued(tagQueryCalls) {
		m.log.WithField("id", e.ID).Debug("call report without query")
		return
	}
	m.updates[e.ID] = call.New(e.ID, e.State, e.Number, e.Multiparty, e.Outgoing, e.InBandRing, m.env.clock.Now())
}

// queryCallsDone reconciles the finished current calls report with the
// tracked calls.
func (m *Machine) queryCallsDone() {
	updates := m.updates
	m.updates = make(map[int]*call.Call)
	now := m.env.clock.Now()

	var added, removed, retained []int
	for id := range updates {
		if _, ok := m.calls[id]; ok {
			retained = append(retained, id)
		} else {
			added = append(added, id)
		}
	}
	for id := range m.calls {
		if id == call.HFOriginatedID {
			continue
		}
		if _, ok := updates[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Ints(added)
	sort.Ints(removed)

	rekeyed := -1
	if pending, ok := m.calls[call.HFOriginatedID]; ok {
		switch {
		case len(added) > 0:
			// The lowest new id is taken to be the call we dialed.
			id := added[0]
			added = added[1:]
			delete(m.calls, call.HFOriginatedID)
			pending.ID = id
			m.calls[id] = pending
			retained = append(retained, id)
			rekeyed = id
			m.log.WithField("id", id).Debug("outgoing call assigned by gateway")
		case pending.Age(now) > m.env.cfg.OutgoingCallTimeout:
			m.log.WithField("age", pending.Age(now)).Warn("outgoing call never reported by gateway, hanging up")
			if m.env.native.HandleCallAction(m.dev, ActionCHUP, 0) {
				m.enqueue(tagTerminate, nil)
			}
			m.terminateAll()
			m.timers.Cancel(timerPoll)
			return
		}
	}
	sort.Ints(retained)

	for _, id := range removed {
		c := m.calls[id]
		delete(m.calls, id)
		c.State = call.StateTerminated
		m.notifyCall(c)
	}
	for _, id := range added {
		c := updates[id]
		m.calls[id] = c
		m.notifyCall(c)
	}
	for _, id := range retained {
		c, u := m.calls[id], updates[id]
		if !c.Differs(u) && id != rekeyed {
			continue
		}
		c.Merge(u)
		m.notifyCall(c)
	}
	m.schedulePoll()
}

// schedulePoll arms the next current calls query while calls remain.
func (m *Machine) schedulePoll() {
	if len(m.calls) == 0 {
		m.timers.Cancel(timerPoll)
		return
	}
	_, dialing := m.calls[call.HFOriginatedID]
	switch {
	case m.env.cfg.ClccPollDuringCall:
		m.timers.Start(timerPoll, m.env.cfg.ClccPollInterval, m.queryCalls)
	case dialing:
		m.timers.Start(timerPoll, m.env.cfg.ClccOutgoingPollInterval, m.queryCalls)
	default:
		m.timers.Cancel(timerPoll)
	}
}
