package hfp

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// predecessors lists, for each state, the states it may be entered from.
var predecessors = map[State][]State{
	StateDisconnected: {
		StateConnecting, StateConnected, StateDisconnecting,
		StateAudioConnecting, StateAudioOn, StateAudioDisconnecting,
	},
	StateConnecting: {StateDisconnected},
	StateConnected: {
		StateConnecting, StateDisconnecting,
		StateAudioConnecting, StateAudioOn, StateAudioDisconnecting,
	},
	StateDisconnecting:      {StateConnected, StateAudioOn, StateAudioDisconnecting},
	StateAudioConnecting:    {StateConnected},
	StateAudioOn:            {StateAudioConnecting, StateAudioDisconnecting},
	StateAudioDisconnecting: {StateAudioOn},
}

// Legal reports whether from -> to is in the transition table.
func Legal(from, to State) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

func enterEvent(s State) string { return "enter_" + s.String() }

func transitionTable() fsm.Events {
	events := make(fsm.Events, 0, len(predecessors))
	for dst, srcs := range predecessors {
		names := make([]string, len(srcs))
		for i, s := range srcs {
			names[i] = s.String()
		}
		events = append(events, fsm.EventDesc{Name: enterEvent(dst), Src: names, Dst: dst.String()})
	}
	return events
}

// Link tracks the connection and audio state of one device. Every transition
// is checked against the table and mirrored to the notifier as connection
// and audio state changes. Link is not safe for concurrent use; it is owned
// by a machine loop.
type Link struct {
	device   Device
	fsm      *fsm.FSM
	state    State
	codec    Codec
	notifier Notifier
	log      *logrus.Entry
}

// NewLink returns a Link in StateDisconnected.
func NewLink(dev Device, n Notifier, log *logrus.Entry) *Link {
	return &Link{
		device:   dev,
		fsm:      fsm.NewFSM(StateDisconnected.String(), transitionTable(), fsm.Callbacks{}),
		state:    StateDisconnected,
		notifier: n,
		log:      log,
	}
}

func (l *Link) Device() Device              { return l.device }
func (l *Link) State() State                { return l.state }
func (l *Link) Connection() ConnectionState { return l.state.Connection() }
func (l *Link) Audio() AudioState           { return l.state.Audio() }
func (l *Link) Codec() Codec                { return l.codec }
func (l *Link) SetCodec(c Codec)            { l.codec = c }

// TransitionTo moves the link to the given state and returns the previous
// one. An illegal transition panics with *IllegalTransitionError.
func (l *Link) TransitionTo(to State) State {
	from := l.state
	ev := enterEvent(to)
	if !l.fsm.Can(ev) {
		l.illegal(from, to)
	}
	if err := l.fsm.Event(context.Background(), ev); err != nil {
		l.log.WithError(err).Error("transition table rejected event")
		l.illegal(from, to)
	}
	l.state = to
	l.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
	l.emit(from, to)
	return from
}

func (l *Link) illegal(from, to State) {
	err := &IllegalTransitionError{Device: l.device, From: from, To: to}
	l.log.WithFields(logrus.Fields{"from": from, "to": to}).Error(err.Error())
	panic(err)
}

func (l *Link) emit(from, to State) {
	pc, nc := from.Connection(), to.Connection()
	pa, na := from.Audio(), to.Audio()
	audio := func() {
		if pa != na {
			l.notifier.Notify(AudioStateChanged{Device: l.device, Prev: pa, State: na, Codec: l.codec})
		}
	}
	conn := func() {
		if pc != nc {
			l.notifier.Notify(ConnectionStateChanged{Device: l.device, Prev: pc, State: nc})
		}
	}
	if na == AudioDisconnected {
		audio()
		conn()
		return
	}
	conn()
	audio()
}

// RejectConnection reports a refused connection request without a
// transition.
func (l *Link) RejectConnection() {
	c := l.state.Connection()
	l.notifier.Notify(ConnectionStateChanged{Device: l.device, Prev: c, State: c})
}

// RejectAudio reports a refused audio request without a transition.
func (l *Link) RejectAudio() {
	a := l.state.Audio()
	l.notifier.Notify(AudioStateChanged{Device: l.device, Prev: a, State: a, Codec: l.codec})
}
