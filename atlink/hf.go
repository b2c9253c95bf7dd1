package atlink

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hfpd/ag"
	"hfpd/call"
	"hfpd/client"
	"hfpd/hfp"
)

// DefaultHFFeatures is the AT+BRSF bitmap sent by HF.
const DefaultHFFeatures = ag.HFFeatureECNR | ag.HFFeatureThreeWay | ag.HFFeatureCLIP |
	ag.HFFeatureVoiceRecognition | ag.HFFeatureRemoteVolume | ag.HFFeatureEnhancedStatus |
	ag.HFFeatureEnhancedControl | ag.HFFeatureCodecNegotiation

// DefaultSLCTimeout bounds the service level connection handshake.
const DefaultSLCTimeout = 10 * time.Second

// HFConfig configures the headset side of the AT link.
type HFConfig struct {
	Features   uint32
	Wideband   bool
	SLCTimeout time.Duration
}

type pendingCmd struct {
	// internal commands are answered here, not forwarded to the machine.
	internal bool
	done     chan client.ResultEvent
}

// hfSession is one connected gateway.
type hfSession struct {
	*conn
	h *HF

	mu      sync.Mutex
	pending []*pendingCmd
	slc     bool

	agFeatures uint32
	chld       uint32
	indicators []string
	initial    []string
	codec      hfp.Codec
}

// HF is the hands-free end of AT links to phones.
type HF struct {
	cfg    HFConfig
	dialer Dialer
	log    *logrus.Entry

	mu       sync.Mutex
	sink     func(client.StackEvent) error
	sessions map[hfp.Device]*hfSession
}

func NewHF(cfg HFConfig, dialer Dialer, log *logrus.Entry) *HF {
	if cfg.Features == 0 {
		cfg.Features = DefaultHFFeatures
	}
	if cfg.SLCTimeout == 0 {
		cfg.SLCTimeout = DefaultSLCTimeout
	}
	return &HF{cfg: cfg, dialer: dialer, log: log, sessions: make(map[hfp.Device]*hfSession)}
}

// Attach sets the receiver of stack events, normally client.Service.HandleEvent.
func (h *HF) Attach(sink func(client.StackEvent) error) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *HF) emit(ev client.StackEvent) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink(ev); err != nil {
		h.log.WithError(err).WithField("event", fmt.Sprintf("%T", ev)).Debug("stack event not delivered")
	}
}

func (h *HF) session(dev hfp.Device) *hfSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[dev]
}

// Accept runs the link over a channel the gateway opened to us.
func (h *HF) Accept(dev hfp.Device, rwc io.ReadWriteCloser) {
	h.emit(client.ConnectionEvent{Device: dev, State: client.LinkConnected})
	h.start(dev, rwc)
}

func (h *HF) Connect(dev hfp.Device) bool {
	if h.session(dev) != nil {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SLCTimeout)
		defer cancel()
		rwc, err := h.dialer.Dial(ctx, dev)
		if err != nil {
			h.log.WithError(err).WithField("device", dev).Warn("dial failed")
			h.emit(client.ConnectionEvent{Device: dev, State: client.LinkDisconnected})
			return
		}
		h.emit(client.ConnectionEvent{Device: dev, State: client.LinkConnected})
		h.start(dev, rwc)
	}()
	return true
}

func (h *HF) start(dev hfp.Device, rwc io.ReadWriteCloser) {
	s := &hfSession{
		conn:  newConn(dev, rwc, "AT", "\r", h.log.WithField("device", dev)),
		h:     h,
		codec: hfp.CodecNarrowband,
	}
	h.mu.Lock()
	if old := h.sessions[dev]; old != nil {
		old.close()
	}
	h.sessions[dev] = s
	h.mu.Unlock()

	go func() {
		err := s.read(s.onLine)
		s.log.WithError(err).Info("link closed")
		s.close()
		s.failPending()
		h.mu.Lock()
		if h.sessions[dev] == s {
			delete(h.sessions, dev)
		}
		h.mu.Unlock()
		h.emit(client.ConnectionEvent{Device: dev, State: client.LinkDisconnected})
	}()
	go s.handshake()
}

// command sends "AT"+cmd. Internal commands return a channel receiving
// their result.
func (s *hfSession) command(cmd string, internal bool) (chan client.ResultEvent, bool) {
	p := &pendingCmd{internal: internal}
	if internal {
		p.done = make(chan client.ResultEvent, 1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.send(cmd) {
		return nil, false
	}
	s.pending = append(s.pending, p)
	return p.done, true
}

// exchange sends an internal command and waits for its result.
func (s *hfSession) exchange(ctx context.Context, cmd string) error {
	done, ok := s.command(cmd, true)
	if !ok {
		return errClosed
	}
	select {
	case r := <-done:
		if r.Result != client.ResultOK {
			return fmt.Errorf("AT%s: %s", cmd, r.Result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("AT%s: %w", cmd, ctx.Err())
	}
}

func (s *hfSession) failPending() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range p {
		if c.internal {
			c.done <- client.ResultEvent{Device: s.dev, Result: client.ResultError}
		}
	}
}

func (s *hfSession) codecNegotiation() bool {
	return s.h.cfg.Features&ag.HFFeatureCodecNegotiation != 0 && s.agFeatures&client.FeatureCodecNegotiation != 0
}

// handshake establishes the service level connection.
func (s *hfSession) handshake() {
	ctx, cancel := context.WithTimeout(context.Background(), s.h.cfg.SLCTimeout)
	defer cancel()
	run := func(cmd string) bool {
		if err := s.exchange(ctx, cmd); err != nil {
			s.log.WithError(err).Warn("service level connection failed")
			s.close()
			return false
		}
		return true
	}
	if !run("+BRSF=" + strconv.Itoa(int(s.h.cfg.Features))) {
		return
	}
	if s.codecNegotiation() {
		codecs := "1"
		if s.h.cfg.Wideband {
			codecs = "1,2"
		}
		if !run("+BAC=" + codecs) {
			return
		}
	}
	for _, cmd := range []string{"+CIND=?", "+CIND?", "+CMER=3,0,0,1"} {
		if !run(cmd) {
			return
		}
	}
	if s.h.cfg.Features&ag.HFFeatureThreeWay != 0 && s.agFeatures&client.FeatureThreeWay != 0 {
		if !run("+CHLD=?") {
			return
		}
	}
	s.mu.Lock()
	s.slc = true
	initial := s.initial
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"ag_features": s.agFeatures, "chld": s.chld}).Info("service level connection up")
	s.h.emit(client.ConnectionEvent{
		Device:       s.dev,
		State:        client.LinkSLCConnected,
		PeerFeatures: s.agFeatures,
		ChldFeatures: s.chld,
	})
	for i, v := range initial {
		s.indicator(i+1, v)
	}
	for _, cmd := range []string{"+CLIP=1", "+CCWA=1", "+CMEE=1", "+COPS=3,0"} {
		s.command(cmd, true)
	}
}

func (s *hfSession) onLine(line string) {
	if r, cme, ok := finalResult(line); ok {
		s.onResult(client.ResultEvent{Device: s.dev, Result: r, CME: cme})
		return
	}
	cmd, args := cut(line)
	if fn, ok := hfHandlers[cmd]; ok {
		fn(s, args)
		return
	}
	s.h.emit(client.UnknownEvent{Device: s.dev, Command: line})
}

func (s *hfSession) onResult(r client.ResultEvent) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		s.log.WithField("result", r.Result).Debug("unsolicited result")
		return
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	if p.internal {
		p.done <- r
		return
	}
	s.h.emit(r)
}

var hfHandlers = map[string]func(s *hfSession, args string){
	"+BRSF": func(s *hfSession, args string) {
		n, _ := strconv.ParseUint(args, 10, 32)
		s.agFeatures = uint32(n)
	},
	"+CIND": func(s *hfSession, args string) {
		if strings.Contains(args, "(") {
			s.indicators = parseCindNames(args)
			return
		}
		s.mu.Lock()
		s.initial = splitArgs(args)
		s.mu.Unlock()
	},
	"+CHLD": func(s *hfSession, args string) { s.chld = parseChld(args) },
	"+CIEV": func(s *hfSession, args string) {
		a := splitArgs(args)
		if len(a) == 2 {
			s.indicator(intArg(a, 0, 0), a[1])
		}
	},
	"RING": func(s *hfSession, _ string) { s.h.emit(client.RingEvent{Device: s.dev}) },
	"+CLIP": func(s *hfSession, args string) {
		s.log.WithField("number", unquote(splitArgs(args)[0])).Debug("calling line")
	},
	"+CCWA": func(s *hfSession, _ string) {
		s.h.emit(client.CallIndicatorEvent{Device: s.dev, Indicator: client.IndicatorCallSetup, Value: 1})
	},
	"+CLCC": func(s *hfSession, args string) {
		a := splitArgs(args)
		st, ok := call.FromCLCC(intArg(a, 2, -1))
		if !ok {
			s.log.WithField("clcc", args).Warn("bad +CLCC")
			return
		}
		ev := client.CallEvent{
			Device:     s.dev,
			ID:         intArg(a, 0, 0),
			State:      st,
			Outgoing:   intArg(a, 1, 0) == 0,
			Multiparty: intArg(a, 4, 0) == 1,
		}
		if len(a) > 5 {
			ev.Number = unquote(a[5])
		}
		s.h.emit(ev)
	},
	"+COPS": func(s *hfSession, args string) {
		if a := splitArgs(args); len(a) >= 3 {
			s.h.emit(client.OperatorEvent{Device: s.dev, Name: unquote(a[2])})
		}
	},
	"+CNUM": func(s *hfSession, args string) {
		a := splitArgs(args)
		if len(a) >= 3 {
			s.h.emit(client.SubscriberEvent{Device: s.dev, Number: unquote(a[1]), Type: intArg(a, 2, 129)})
		}
	},
	"+BVRA": func(s *hfSession, args string) {
		s.h.emit(client.VoiceRecognitionEvent{Device: s.dev, Active: intArg(splitArgs(args), 0, 0) == 1})
	},
	"+VGS": func(s *hfSession, args string) {
		s.h.emit(client.VolumeEvent{Device: s.dev, Type: hfp.VolumeSpeaker, Level: intArg([]string{args}, 0, -1)})
	},
	"+VGM": func(s *hfSession, args string) {
		s.h.emit(client.VolumeEvent{Device: s.dev, Type: hfp.VolumeMicrophone, Level: intArg([]string{args}, 0, -1)})
	},
	"+BSIR": func(s *hfSession, args string) {
		s.h.emit(client.InBandRingEvent{Device: s.dev, Enabled: args == "1"})
	},
	"+BCS": func(s *hfSession, args string) {
		id := intArg([]string{args}, 0, 0)
		codec, ok := hfp.CodecFromID(id)
		if !ok || (codec == hfp.CodecWideband && !s.h.cfg.Wideband) || codec == hfp.CodecSuperWideband {
			// Not in our AT+BAC list: answer with what we support.
			s.command("+BAC=1", true)
			return
		}
		s.mu.Lock()
		s.codec = codec
		s.mu.Unlock()
		s.command("+BCS="+strconv.Itoa(id), true)
	},
}

// indicator maps +CIEV / +CIND value number i (1-based) to an event.
func (s *hfSession) indicator(i int, value string) {
	if i < 1 || i > len(s.indicators) {
		return
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	dev := s.dev
	switch s.indicators[i-1] {
	case "call":
		s.h.emit(client.CallIndicatorEvent{Device: dev, Indicator: client.IndicatorCall, Value: v})
	case "callsetup", "call_setup":
		s.h.emit(client.CallIndicatorEvent{Device: dev, Indicator: client.IndicatorCallSetup, Value: v})
	case "callheld":
		s.h.emit(client.CallIndicatorEvent{Device: dev, Indicator: client.IndicatorCallHeld, Value: v})
	case "service":
		s.h.emit(client.IndicatorEvent{Device: dev, Indicator: hfp.IndicatorService, Value: v})
	case "roam":
		s.h.emit(client.IndicatorEvent{Device: dev, Indicator: hfp.IndicatorRoaming, Value: v})
	case "signal":
		s.h.emit(client.IndicatorEvent{Device: dev, Indicator: hfp.IndicatorSignal, Value: v})
	case "battchg":
		s.h.emit(client.IndicatorEvent{Device: dev, Indicator: hfp.IndicatorBattery, Value: v})
	}
}

// ReportAudio is called by the owner of the SCO socket.
func (h *HF) ReportAudio(dev hfp.Device, state hfp.AudioState) {
	codec := hfp.CodecNarrowband
	if s := h.session(dev); s != nil {
		s.mu.Lock()
		codec = s.codec
		s.mu.Unlock()
	}
	h.emit(client.AudioEvent{Device: dev, State: state, Codec: codec})
}

// Close drops every link.
func (h *HF) Close() error {
	h.mu.Lock()
	sessions := make([]*hfSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

// linked returns the session of dev once its service level connection is up.
func (h *HF) linked(dev hfp.Device) *hfSession {
	s := h.session(dev)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.slc {
		return nil
	}
	return s
}

func (h *HF) at(dev hfp.Device, cmd string) bool {
	s := h.linked(dev)
	if s == nil {
		h.log.WithFields(logrus.Fields{"device": dev, "command": cmd}).Debug("no service level connection")
		return false
	}
	_, ok := s.command(cmd, false)
	return ok
}

func (h *HF) Disconnect(dev hfp.Device) bool {
	s := h.session(dev)
	if s == nil {
		return false
	}
	s.close()
	return true
}

// ConnectAudio asks the gateway for a codec connection when codecs are
// negotiated; otherwise the gateway or the SCO owner opens audio.
func (h *HF) ConnectAudio(dev hfp.Device) bool {
	s := h.linked(dev)
	if s == nil {
		return false
	}
	if s.codecNegotiation() {
		_, ok := s.command("+BCC", true)
		return ok
	}
	return true
}

// DisconnectAudio is refused: SCO is closed by its owner.
func (h *HF) DisconnectAudio(hfp.Device) bool { return false }

func (h *HF) StartVoiceRecognition(dev hfp.Device) bool { return h.at(dev, "+BVRA=1") }
func (h *HF) StopVoiceRecognition(dev hfp.Device) bool  { return h.at(dev, "+BVRA=0") }

func (h *HF) SetVolume(dev hfp.Device, t hfp.VolumeType, level int) bool {
	if t == hfp.VolumeMicrophone {
		return h.at(dev, "+VGM="+strconv.Itoa(level))
	}
	return h.at(dev, "+VGS="+strconv.Itoa(level))
}

func (h *HF) Dial(dev hfp.Device, number string) bool {
	if number == "" {
		return h.at(dev, "+BLDN")
	}
	return h.at(dev, "D"+number+";")
}

func (h *HF) HandleCallAction(dev hfp.Device, action client.Action, index int) bool {
	var cmd string
	switch action {
	case client.ActionCHLD0, client.ActionCHLD1, client.ActionCHLD2, client.ActionCHLD3, client.ActionCHLD4:
		cmd = "+" + action.String()
	case client.ActionCHLD1x:
		cmd = "+CHLD=1" + strconv.Itoa(index)
	case client.ActionCHLD2x:
		cmd = "+CHLD=2" + strconv.Itoa(index)
	case client.ActionATA:
		cmd = "A"
	case client.ActionCHUP:
		cmd = "+CHUP"
	case client.ActionBTRH0, client.ActionBTRH1, client.ActionBTRH2:
		cmd = "+" + action.String()
	default:
		return false
	}
	return h.at(dev, cmd)
}

func (h *HF) QueryCurrentCalls(dev hfp.Device) bool        { return h.at(dev, "+CLCC") }
func (h *HF) QueryCurrentOperatorName(dev hfp.Device) bool { return h.at(dev, "+COPS?") }
func (h *HF) RetrieveSubscriberInfo(dev hfp.Device) bool   { return h.at(dev, "+CNUM") }

func (h *HF) SendDTMF(dev hfp.Device, code byte) bool {
	return h.at(dev, "+VTS="+string(code))
}

func (h *HF) SendATCommand(dev hfp.Device, cmd string) bool { return h.at(dev, cmd) }
