// Package telecom is the telephony stack behind the audio gateway. Phone
// keeps the call table the gateway reports to headsets and drives a
// signalling backend (SIP or Telegram) to place, answer and end calls.
package telecom

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hfpd/ag"
	"hfpd/call"
	"hfpd/hfp"
)

// Signaling places and controls calls on a network. Handles identify
// calls: outgoing handles are chosen by the Phone, incoming ones by the
// backend.
type Signaling interface {
	Dial(ctx context.Context, handle, number string) error
	Answer(ctx context.Context, handle string) error
	Hangup(ctx context.Context, handle string) error
	SendDTMF(ctx context.Context, handle string, digit byte) error
}

// Reporter receives the asynchronous answers of the phone; ag.Service
// implements it.
type Reporter interface {
	PhoneStateChanged(ps ag.PhoneState) error
	ClccResponse(dev hfp.Device, entry call.Call) error
}

type Config struct {
	Subscriber string
	Operator   string
	// Timeout bounds every backend request.
	Timeout time.Duration
	// Assistant enables voice recognition requests from headsets.
	Assistant bool
}

type leg struct {
	call   *call.Call
	handle string
}

// Phone implements ag.SystemInterface over a Signaling backend.
type Phone struct {
	cfg Config
	sig Signaling
	log *logrus.Entry
	now func() time.Time

	reports chan func(Reporter)

	mu   sync.Mutex
	rep  Reporter
	legs []*leg
	last ag.PhoneState
}

func NewPhone(cfg Config, sig Signaling, log *logrus.Entry) *Phone {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Phone{
		cfg:     cfg,
		sig:     sig,
		log:     log,
		now:     time.Now,
		reports: make(chan func(Reporter), 256),
	}
}

// Attach sets the reporter; reports are delivered once Run is running.
func (p *Phone) Attach(rep Reporter) {
	p.mu.Lock()
	p.rep = rep
	p.mu.Unlock()
}

// Run delivers reports until ctx is done. Reports never run on the
// goroutine that called into the phone.
func (p *Phone) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-p.reports:
			p.mu.Lock()
			rep := p.rep
			p.mu.Unlock()
			if rep != nil {
				fn(rep)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Phone) report(fn func(Reporter)) {
	select {
	case p.reports <- fn:
	default:
		p.log.Warn("report queue full, dropping report")
	}
}

// stateLocked derives the gateway phone state from the call table.
func (p *Phone) stateLocked() ag.PhoneState {
	var ps ag.PhoneState
	for _, l := range p.legs {
		switch l.call.State {
		case call.StateActive:
			ps.NumActive++
		case call.StateHeld:
			ps.NumHeld++
		case call.StateIncoming, call.StateWaiting:
			ps.Setup = ag.CallSetupIncoming
			ps.Number = l.call.Number
			ps.Type = numberType(l.call.Number)
		case call.StateDialing:
			if ps.Setup == ag.CallSetupIdle {
				ps.Setup = ag.CallSetupDialing
			}
		case call.StateAlerting:
			if ps.Setup == ag.CallSetupIdle {
				ps.Setup = ag.CallSetupAlerting
			}
		}
	}
	return ps
}

// changedLocked queues a phone state report when the state moved.
func (p *Phone) changedLocked() {
	ps := p.stateLocked()
	if ps == p.last {
		return
	}
	p.last = ps
	p.log.WithField("phone", ps).Debug("phone state")
	p.report(func(r Reporter) {
		if err := r.PhoneStateChanged(ps); err != nil {
			p.log.WithError(err).Warn("phone state not delivered")
		}
	})
}

func (p *Phone) nextIDLocked() int {
	used := make(map[int]bool, len(p.legs))
	for _, l := range p.legs {
		used[l.call.ID] = true
	}
	id := 1
	for used[id] {
		id++
	}
	return id
}

func (p *Phone) findLocked(match func(*leg) bool) *leg {
	for _, l := range p.legs {
		if match(l) {
			return l
		}
	}
	return nil
}

func (p *Phone) removeLocked(l *leg) {
	for i, x := range p.legs {
		if x == l {
			p.legs = append(p.legs[:i], p.legs[i+1:]...)
			return
		}
	}
}

func (p *Phone) inState(states ...call.State) func(*leg) bool {
	return func(l *leg) bool {
		for _, s := range states {
			if l.call.State == s {
				return true
			}
		}
		return false
	}
}

func byHandle(h string) func(*leg) bool {
	return func(l *leg) bool { return l.handle == h }
}

// request runs a backend call off the caller's goroutine.
func (p *Phone) request(what, handle string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.log.WithError(err).WithField("handle", handle).Warnf("%s failed", what)
			p.Ended(handle)
		}
	}()
}

// Incoming registers a call offered by the network.
func (p *Phone) Incoming(handle, number string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := call.StateIncoming
	if len(p.legs) > 0 {
		state = call.StateWaiting
	}
	c := call.New(p.nextIDLocked(), state, number, false, false, false, p.now())
	p.legs = append(p.legs, &leg{call: c, handle: handle})
	p.log.WithFields(logrus.Fields{"handle": handle, "call": c}).Info("incoming call")
	p.changedLocked()
}

// Alerting marks an outgoing call as ringing at the far end.
func (p *Phone) Alerting(handle string) {
	p.update(handle, func(c *call.Call) {
		if c.State == call.StateDialing {
			c.State = call.StateAlerting
		}
	})
}

// Answered marks a call as connected. Other active calls go on hold.
func (p *Phone) Answered(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.findLocked(byHandle(handle))
	if l == nil || l.call.State == call.StateActive {
		return
	}
	for _, o := range p.legs {
		if o != l && o.call.State == call.StateActive && !l.call.Multiparty {
			o.call.State = call.StateHeld
		}
	}
	l.call.State = call.StateActive
	p.changedLocked()
}

// Ended drops a call from the table.
func (p *Phone) Ended(handle string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.findLocked(byHandle(handle))
	if l == nil {
		return
	}
	p.removeLocked(l)
	p.log.WithField("call", l.call).Info("call ended")
	if len(p.legs) == 1 && p.legs[0].call.State == call.StateWaiting {
		p.legs[0].call.State = call.StateIncoming
	}
	p.changedLocked()
}

func (p *Phone) update(handle string, fn func(c *call.Call)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l := p.findLocked(byHandle(handle)); l != nil {
		fn(l.call)
		p.changedLocked()
	}
}

// Calls returns a snapshot of the call table ordered by id.
func (p *Phone) Calls() []call.Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]call.Call, 0, len(p.legs))
	for _, l := range p.legs {
		out = append(out, l.call.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Phone) AnswerCall(dev hfp.Device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.findLocked(p.inState(call.StateIncoming, call.StateWaiting))
	if l == nil {
		return false
	}
	h := l.handle
	p.request("answer", h, func(ctx context.Context) error {
		if err := p.sig.Answer(ctx, h); err != nil {
			return err
		}
		p.Answered(h)
		return nil
	})
	return true
}

// HangupCall rejects a ringing call, or ends the active or outgoing one.
func (p *Phone) HangupCall(dev hfp.Device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.findLocked(p.inState(call.StateIncoming))
	if l == nil {
		l = p.findLocked(p.inState(call.StateDialing, call.StateAlerting))
	}
	if l == nil {
		l = p.findLocked(p.inState(call.StateActive))
	}
	if l == nil {
		return false
	}
	p.hangupLocked(l)
	return true
}

func (p *Phone) hangupLocked(l *leg) {
	h := l.handle
	p.removeLocked(l)
	p.changedLocked()
	p.request("hangup", h, func(ctx context.Context) error { return p.sig.Hangup(ctx, h) })
}

func (p *Phone) Dial(dev hfp.Device, number string) bool {
	if number == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.legs {
		if o.call.State == call.StateActive {
			o.call.State = call.StateHeld
		}
	}
	c := call.New(p.nextIDLocked(), call.StateDialing, number, false, true, false, p.now())
	h := c.UUID.String()
	p.legs = append(p.legs, &leg{call: c, handle: h})
	p.log.WithFields(logrus.Fields{"device": dev, "call": c}).Info("dialing")
	p.changedLocked()
	p.request("dial", h, func(ctx context.Context) error { return p.sig.Dial(ctx, h, number) })
	return true
}

func (p *Phone) SendDTMF(dev hfp.Device, code byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.findLocked(p.inState(call.StateActive))
	if l == nil {
		return false
	}
	h := l.handle
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
		defer cancel()
		if err := p.sig.SendDTMF(ctx, h, code); err != nil {
			p.log.WithError(err).Warn("dtmf failed")
		}
	}()
	return true
}

// ProcessChld applies AT+CHLD. Values 1x and 2x arrive as 10+x and 20+x.
func (p *Phone) ProcessChld(dev hfp.Device, chld int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case chld == 0:
		if l := p.findLocked(p.inState(call.StateWaiting)); l != nil {
			p.hangupLocked(l)
			return true
		}
		held := p.filterLocked(call.StateHeld)
		for _, l := range held {
			p.hangupLocked(l)
		}
		return len(held) > 0
	case chld == 1:
		for _, l := range p.filterLocked(call.StateActive) {
			p.hangupLocked(l)
		}
		return p.resumeLocked()
	case chld == 2:
		return p.swapLocked()
	case chld == 3:
		if len(p.filterLocked(call.StateActive, call.StateHeld)) < 2 {
			return false
		}
		for _, l := range p.filterLocked(call.StateActive, call.StateHeld) {
			l.call.State = call.StateActive
			l.call.Multiparty = true
		}
		p.changedLocked()
		return true
	case chld > 10 && chld < 20:
		l := p.findLocked(func(l *leg) bool { return l.call.ID == chld-10 && l.call.State == call.StateActive })
		if l == nil {
			return false
		}
		p.hangupLocked(l)
		return true
	case chld > 20 && chld < 30:
		l := p.findLocked(func(l *leg) bool { return l.call.ID == chld-20 && l.call.Multiparty })
		if l == nil {
			return false
		}
		for _, o := range p.filterLocked(call.StateActive) {
			if o != l {
				o.call.State = call.StateHeld
			}
		}
		l.call.Multiparty = false
		p.changedLocked()
		return true
	}
	return false
}

func (p *Phone) filterLocked(states ...call.State) []*leg {
	var out []*leg
	match := p.inState(states...)
	for _, l := range p.legs {
		if match(l) {
			out = append(out, l)
		}
	}
	return out
}

// resumeLocked answers the waiting call or, failing that, resumes the held
// ones.
func (p *Phone) resumeLocked() bool {
	if l := p.findLocked(p.inState(call.StateWaiting, call.StateIncoming)); l != nil {
		h := l.handle
		p.request("answer", h, func(ctx context.Context) error {
			if err := p.sig.Answer(ctx, h); err != nil {
				return err
			}
			p.Answered(h)
			return nil
		})
		return true
	}
	held := p.filterLocked(call.StateHeld)
	for _, l := range held {
		l.call.State = call.StateActive
	}
	p.changedLocked()
	return true
}

// swapLocked holds the active calls and resumes the held or waiting one.
func (p *Phone) swapLocked() bool {
	active := p.filterLocked(call.StateActive)
	held := p.filterLocked(call.StateHeld)
	waiting := p.findLocked(p.inState(call.StateWaiting))
	if len(active) == 0 && len(held) == 0 {
		return false
	}
	for _, l := range active {
		l.call.State = call.StateHeld
	}
	if waiting != nil {
		h := waiting.handle
		p.request("answer", h, func(ctx context.Context) error {
			if err := p.sig.Answer(ctx, h); err != nil {
				return err
			}
			p.Answered(h)
			return nil
		})
	} else {
		for _, l := range held {
			l.call.State = call.StateActive
		}
	}
	p.changedLocked()
	return true
}

// ListCurrentCalls answers with one ClccResponse per call, then the
// terminating empty entry.
func (p *Phone) ListCurrentCalls(dev hfp.Device) bool {
	calls := p.Calls()
	p.report(func(r Reporter) {
		for _, c := range append(calls, call.Call{}) {
			if err := r.ClccResponse(dev, c); err != nil {
				p.log.WithError(err).WithField("device", dev).Warn("call list not delivered")
				return
			}
		}
	})
	return true
}

// QueryPhoneState re-sends the current state.
func (p *Phone) QueryPhoneState() bool {
	p.mu.Lock()
	ps := p.stateLocked()
	p.last = ps
	p.mu.Unlock()
	p.report(func(r Reporter) { r.PhoneStateChanged(ps) })
	return true
}

func (p *Phone) SubscriberNumber() string { return p.cfg.Subscriber }

func (p *Phone) NetworkOperator() string { return p.cfg.Operator }

func (p *Phone) ActivateVoiceRecognition() bool {
	p.log.WithField("assistant", p.cfg.Assistant).Info("voice recognition requested")
	return p.cfg.Assistant
}

func (p *Phone) DeactivateVoiceRecognition() bool { return p.cfg.Assistant }

func numberType(n string) int {
	if len(n) > 0 && n[0] == '+' {
		return 145
	}
	return 129
}
