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

// DefaultAGFeatures is the +BRSF bitmap sent by AG.
const DefaultAGFeatures = client.FeatureThreeWay | client.FeatureECNR | client.FeatureVoiceRecognition |
	client.FeatureRejectCall | client.FeatureEnhancedStatus | client.FeatureEnhancedControl |
	client.FeatureExtendedErrors | client.FeatureCodecNegotiation | client.FeatureHFIndicators

const (
	cindList = `("service",(0,1)),("call",(0,1)),("callsetup",(0-3)),("callheld",(0-2)),("signal",(0-5)),("roam",(0,1)),("battchg",(0-5))`
	chldList = "(0,1,1x,2,2x,3,4)"
)

// +CIEV indicator numbers, in cindList order.
const (
	indService = iota + 1
	indCall
	indCallSetup
	indCallHeld
	indSignal
	indRoam
	indBattery
	indCount
)

// AGConfig configures the gateway side of the AT link.
type AGConfig struct {
	Features      uint32
	Wideband      bool
	SuperWideband bool
	DialTimeout   time.Duration
}

// agSession is one connected headset.
type agSession struct {
	*conn
	a *AG

	mu         sync.Mutex
	hfFeatures uint32
	codecs     map[int]bool
	slc        bool
	cmer       bool
	cmee       bool
	clip       bool
	ccwa       bool
	ind        [indCount]int
}

// AG is the gateway end of AT links to headsets.
type AG struct {
	cfg    AGConfig
	dialer Dialer
	log    *logrus.Entry

	mu       sync.Mutex
	sink     func(ag.StackEvent) error
	sessions map[hfp.Device]*agSession
}

func NewAG(cfg AGConfig, dialer Dialer, log *logrus.Entry) *AG {
	if cfg.Features == 0 {
		cfg.Features = DefaultAGFeatures
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultSLCTimeout
	}
	return &AG{cfg: cfg, dialer: dialer, log: log, sessions: make(map[hfp.Device]*agSession)}
}

// Attach sets the receiver of stack events, normally ag.Service.HandleEvent.
func (a *AG) Attach(sink func(ag.StackEvent) error) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *AG) emit(ev ag.StackEvent) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink(ev); err != nil {
		a.log.WithError(err).WithField("event", fmt.Sprintf("%T", ev)).Debug("stack event not delivered")
	}
}

func (a *AG) session(dev hfp.Device) *agSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[dev]
}

// Accept runs the link over a channel a headset opened to us.
func (a *AG) Accept(dev hfp.Device, rwc io.ReadWriteCloser) {
	a.emit(ag.ConnectionEvent{Device: dev, State: ag.LinkConnected})
	a.start(dev, rwc)
}

func (a *AG) Connect(dev hfp.Device) bool {
	if a.session(dev) != nil {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
		defer cancel()
		rwc, err := a.dialer.Dial(ctx, dev)
		if err != nil {
			a.log.WithError(err).WithField("device", dev).Warn("dial failed")
			a.emit(ag.ConnectionEvent{Device: dev, State: ag.LinkDisconnected})
			return
		}
		a.emit(ag.ConnectionEvent{Device: dev, State: ag.LinkConnected})
		a.start(dev, rwc)
	}()
	return true
}

func (a *AG) start(dev hfp.Device, rwc io.ReadWriteCloser) {
	s := &agSession{
		conn:   newConn(dev, rwc, "\r\n", "\r\n", a.log.WithField("device", dev)),
		a:      a,
		codecs: map[int]bool{hfp.CodecNarrowband.CodecID(): true},
	}
	a.mu.Lock()
	if old := a.sessions[dev]; old != nil {
		old.close()
	}
	a.sessions[dev] = s
	a.mu.Unlock()

	go func() {
		err := s.read(s.onLine)
		s.log.WithError(err).Info("link closed")
		s.close()
		a.mu.Lock()
		if a.sessions[dev] == s {
			delete(a.sessions, dev)
		}
		a.mu.Unlock()
		a.emit(ag.ConnectionEvent{Device: dev, State: ag.LinkDisconnected})
	}()
}

func (s *agSession) ok()   { s.send("OK") }
func (s *agSession) fail() { s.send("ERROR") }

func (s *agSession) emit(ev ag.StackEvent) { s.a.emit(ev) }

func (s *agSession) onLine(line string) {
	if len(line) < 2 || !strings.EqualFold(line[:2], "AT") {
		s.log.WithField("line", line).Debug("not an AT command")
		return
	}
	body := line[2:]
	if body == "" {
		s.ok()
		return
	}
	switch c := body[0]; {
	case c == 'A' || c == 'a':
		if len(body) == 1 {
			s.emit(ag.AnswerCallEvent{Device: s.dev})
			return
		}
	case c == 'D' || c == 'd':
		s.emit(ag.DialEvent{Device: s.dev, Number: strings.TrimSpace(body[1:])})
		return
	}
	cmd, args := cut(body)
	cmd = strings.ToUpper(cmd)
	if fn, ok := agHandlers[cmd]; ok {
		fn(s, args)
		return
	}
	s.emit(ag.UnknownATEvent{Device: s.dev, Command: body})
}

// slcDone completes the service level connection once.
func (s *agSession) slcDone() {
	s.mu.Lock()
	if s.slc {
		s.mu.Unlock()
		return
	}
	s.slc = true
	features := s.hfFeatures
	s.mu.Unlock()
	s.log.WithField("hf_features", features).Info("service level connection up")
	s.emit(ag.ConnectionEvent{Device: s.dev, State: ag.LinkSLCConnected, Features: features})
}

func (s *agSession) threeWay() bool {
	return s.hfFeatures&ag.HFFeatureThreeWay != 0 && s.a.cfg.Features&client.FeatureThreeWay != 0
}

// bestCodec picks the widest codec both sides support.
func (s *agSession) bestCodec() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.a.cfg.SuperWideband && s.codecs[hfp.CodecSuperWideband.CodecID()] {
		return hfp.CodecSuperWideband.CodecID()
	}
	if s.a.cfg.Wideband && s.codecs[hfp.CodecWideband.CodecID()] {
		return hfp.CodecWideband.CodecID()
	}
	return hfp.CodecNarrowband.CodecID()
}

var agHandlers = map[string]func(s *agSession, args string){
	"+BRSF=": func(s *agSession, args string) {
		n, _ := strconv.ParseUint(args, 10, 32)
		s.mu.Lock()
		s.hfFeatures = uint32(n)
		s.mu.Unlock()
		s.send("+BRSF: " + strconv.Itoa(int(s.a.cfg.Features)))
		s.ok()
	},
	"+BAC=": func(s *agSession, args string) {
		s.mu.Lock()
		s.codecs = make(map[int]bool)
		for _, v := range splitArgs(args) {
			if id, err := strconv.Atoi(v); err == nil {
				s.codecs[id] = true
			}
		}
		s.mu.Unlock()
		s.ok()
	},
	"+CIND=": func(s *agSession, args string) {
		if args != "?" {
			s.fail()
			return
		}
		s.send("+CIND: " + cindList)
		s.ok()
	},
	"+CIND?": func(s *agSession, _ string) { s.emit(ag.CindEvent{Device: s.dev}) },
	"+CMER=": func(s *agSession, args string) {
		a := splitArgs(args)
		s.mu.Lock()
		s.cmer = intArg(a, 3, 0) == 1
		s.mu.Unlock()
		s.ok()
		if !s.threeWay() {
			s.slcDone()
		}
	},
	"+CHLD=": func(s *agSession, args string) {
		if args == "?" {
			s.send("+CHLD: " + chldList)
			s.ok()
			s.slcDone()
			return
		}
		n, err := strconv.Atoi(args)
		if err != nil {
			s.fail()
			return
		}
		s.emit(ag.ChldEvent{Device: s.dev, Chld: n})
	},
	"+CMEE=": func(s *agSession, args string) { s.setFlag(&s.cmee, args) },
	"+CLIP=": func(s *agSession, args string) { s.setFlag(&s.clip, args) },
	"+CCWA=": func(s *agSession, args string) { s.setFlag(&s.ccwa, args) },
	"+BIA=":  func(s *agSession, _ string) { s.ok() },
	"+COPS=": func(s *agSession, _ string) { s.ok() },
	"+COPS?": func(s *agSession, _ string) { s.emit(ag.CopsEvent{Device: s.dev}) },
	"+CHUP":  func(s *agSession, _ string) { s.emit(ag.HangupCallEvent{Device: s.dev}) },
	"+BLDN":  func(s *agSession, _ string) { s.emit(ag.DialEvent{Device: s.dev}) },
	"+CNUM":  func(s *agSession, _ string) { s.emit(ag.SubscriberNumberEvent{Device: s.dev}) },
	"+CLCC":  func(s *agSession, _ string) { s.emit(ag.ClccEvent{Device: s.dev}) },
	"+VTS=": func(s *agSession, args string) {
		code := unquote(args)
		if len(code) != 1 {
			s.fail()
			return
		}
		s.emit(ag.DTMFEvent{Device: s.dev, Code: code[0]})
	},
	"+NREC=": func(s *agSession, args string) {
		s.emit(ag.NoiseReductionEvent{Device: s.dev, Enabled: args == "1"})
	},
	"+BVRA=": func(s *agSession, args string) {
		s.emit(ag.VoiceRecognitionEvent{Device: s.dev, Active: args == "1"})
	},
	"+VGS=": func(s *agSession, args string) {
		s.emit(ag.VolumeEvent{Device: s.dev, Type: hfp.VolumeSpeaker, Level: intArg([]string{args}, 0, -1)})
	},
	"+VGM=": func(s *agSession, args string) {
		s.emit(ag.VolumeEvent{Device: s.dev, Type: hfp.VolumeMicrophone, Level: intArg([]string{args}, 0, -1)})
	},
	"+CKPD=": func(s *agSession, _ string) { s.emit(ag.KeyPressedEvent{Device: s.dev}) },
	"+BCC": func(s *agSession, _ string) {
		s.ok()
		s.send("+BCS: " + strconv.Itoa(s.bestCodec()))
	},
	"+BCS=": func(s *agSession, args string) {
		codec, ok := hfp.CodecFromID(intArg([]string{args}, 0, 0))
		if !ok {
			s.fail()
			return
		}
		s.ok()
		s.emit(ag.CodecEvent{Device: s.dev, Codec: codec})
	},
	"+BIND=": func(s *agSession, args string) {
		if args == "?" {
			s.send(fmt.Sprintf("+BIND: (%d,%d)", ag.HFIndicatorSafety, ag.HFIndicatorBattery))
			s.ok()
			return
		}
		var ids []int
		for _, v := range splitArgs(args) {
			if id, err := strconv.Atoi(v); err == nil {
				ids = append(ids, id)
			}
		}
		s.emit(ag.BindEvent{Device: s.dev, Indicators: ids})
	},
	"+BIND?": func(s *agSession, _ string) {
		s.send(fmt.Sprintf("+BIND: %d,1", ag.HFIndicatorSafety))
		s.send(fmt.Sprintf("+BIND: %d,1", ag.HFIndicatorBattery))
		s.ok()
	},
	"+BIEV=": func(s *agSession, args string) {
		a := splitArgs(args)
		if len(a) != 2 {
			s.fail()
			return
		}
		s.emit(ag.BievEvent{Device: s.dev, Indicator: intArg(a, 0, 0), Value: intArg(a, 1, 0)})
	},
}

func (s *agSession) setFlag(flag *bool, args string) {
	s.mu.Lock()
	*flag = args == "1"
	s.mu.Unlock()
	s.ok()
}

// ciev sends changed indicators when reporting is enabled.
func (s *agSession) ciev(values map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := indService; i < indCount; i++ {
		v, ok := values[i]
		if !ok || s.ind[i] == v {
			continue
		}
		s.ind[i] = v
		if s.cmer {
			s.send(fmt.Sprintf("+CIEV: %d,%d", i, v))
		}
	}
}

func phoneIndicators(ps ag.PhoneState) map[int]int {
	held := 0
	switch {
	case ps.NumHeld > 0 && ps.NumActive > 0:
		held = 1
	case ps.NumHeld > 0:
		held = 2
	}
	return map[int]int{
		indCall:      boolInt(ps.NumActive > 0 || ps.NumHeld > 0),
		indCallSetup: int(ps.Setup),
		indCallHeld:  held,
	}
}

func statusIndicators(st ag.DeviceStatus) map[int]int {
	return map[int]int{
		indService: st.Service,
		indRoam:    st.Roaming,
		indSignal:  st.Signal,
		indBattery: st.Battery,
	}
}

// ReportAudio is called by the owner of the SCO socket.
func (a *AG) ReportAudio(dev hfp.Device, state hfp.AudioState) {
	var st ag.AudioLinkState
	switch state {
	case hfp.AudioConnecting:
		st = ag.AudioLinkConnecting
	case hfp.AudioConnected:
		st = ag.AudioLinkConnected
	default:
		st = ag.AudioLinkDisconnected
	}
	a.emit(ag.AudioEvent{Device: dev, State: st})
}

// Close drops every link.
func (a *AG) Close() error {
	a.mu.Lock()
	sessions := make([]*agSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

func (a *AG) with(dev hfp.Device, fn func(s *agSession) bool) bool {
	s := a.session(dev)
	if s == nil {
		a.log.WithField("device", dev).Debug("no link")
		return false
	}
	return fn(s)
}

func (a *AG) Disconnect(dev hfp.Device) bool {
	return a.with(dev, func(s *agSession) bool {
		s.close()
		return true
	})
}

// ConnectAudio selects the codec with +BCS when codecs are negotiated; SCO
// itself is opened by its owner.
func (a *AG) ConnectAudio(dev hfp.Device) bool {
	return a.with(dev, func(s *agSession) bool {
		if s.hfFeatures&ag.HFFeatureCodecNegotiation == 0 || a.cfg.Features&client.FeatureCodecNegotiation == 0 {
			return true
		}
		return s.send("+BCS: " + strconv.Itoa(s.bestCodec()))
	})
}

// DisconnectAudio is refused: SCO is closed by its owner.
func (a *AG) DisconnectAudio(hfp.Device) bool { return false }

func (a *AG) StartVoiceRecognition(dev hfp.Device) bool {
	return a.with(dev, func(s *agSession) bool { return s.send("+BVRA: 1") })
}

func (a *AG) StopVoiceRecognition(dev hfp.Device) bool {
	return a.with(dev, func(s *agSession) bool { return s.send("+BVRA: 0") })
}

func (a *AG) SetVolume(dev hfp.Device, t hfp.VolumeType, level int) bool {
	cmd := "+VGS: "
	if t == hfp.VolumeMicrophone {
		cmd = "+VGM: "
	}
	return a.with(dev, func(s *agSession) bool { return s.send(cmd + strconv.Itoa(level)) })
}

func (a *AG) AtResponseCode(dev hfp.Device, code ag.ResponseCode, cme int) bool {
	return a.with(dev, func(s *agSession) bool {
		s.mu.Lock()
		cmee := s.cmee
		s.mu.Unlock()
		if code == ag.ResponseError && cme > 0 && cmee {
			return s.send("+CME ERROR: " + strconv.Itoa(cme))
		}
		return s.send(code.String())
	})
}

func (a *AG) AtResponseString(dev hfp.Device, resp string) bool {
	return a.with(dev, func(s *agSession) bool { return s.send(resp) })
}

func (a *AG) CindResponse(dev hfp.Device, st ag.DeviceStatus, ps ag.PhoneState) bool {
	return a.with(dev, func(s *agSession) bool {
		values := phoneIndicators(ps)
		for k, v := range statusIndicators(st) {
			values[k] = v
		}
		s.mu.Lock()
		parts := make([]string, 0, indCount-1)
		for i := indService; i < indCount; i++ {
			s.ind[i] = values[i]
			parts = append(parts, strconv.Itoa(values[i]))
		}
		s.mu.Unlock()
		s.send("+CIND: " + strings.Join(parts, ","))
		return s.send("OK")
	})
}

func (a *AG) CopsResponse(dev hfp.Device, operator string) bool {
	return a.with(dev, func(s *agSession) bool {
		s.send(fmt.Sprintf(`+COPS: 0,0,"%s"`, operator))
		return s.send("OK")
	})
}

func (a *AG) ClccResponse(dev hfp.Device, entry call.Call) bool {
	return a.with(dev, func(s *agSession) bool {
		if entry.ID == 0 {
			return s.send("OK")
		}
		stat, ok := entry.State.CLCC()
		if !ok {
			return false
		}
		line := fmt.Sprintf("+CLCC: %d,%d,%d,0,%d", entry.ID, boolInt(!entry.Outgoing), stat, boolInt(entry.Multiparty))
		if entry.Number != "" {
			line += fmt.Sprintf(`,"%s",%d`, entry.Number, numberType(entry.Number))
		}
		return s.send(line)
	})
}

// PhoneStateChange reports call indicators, and rings the headset for an
// incoming call.
func (a *AG) PhoneStateChange(dev hfp.Device, ps ag.PhoneState) bool {
	return a.with(dev, func(s *agSession) bool {
		s.mu.Lock()
		wasRinging := s.ind[indCallSetup] == int(ag.CallSetupIncoming)
		clip, ccwa := s.clip, s.ccwa
		s.mu.Unlock()
		s.ciev(phoneIndicators(ps))
		if ps.Ringing() && !wasRinging {
			if ps.InCall() {
				if ccwa {
					s.send(fmt.Sprintf(`+CCWA: "%s",%d`, ps.Number, numberType(ps.Number)))
				}
				return true
			}
			s.send("RING")
			if clip && ps.Number != "" {
				s.send(fmt.Sprintf(`+CLIP: "%s",%d`, ps.Number, numberType(ps.Number)))
			}
		}
		return true
	})
}

func (a *AG) NotifyDeviceStatus(dev hfp.Device, st ag.DeviceStatus) bool {
	return a.with(dev, func(s *agSession) bool {
		s.ciev(statusIndicators(st))
		return true
	})
}

func (a *AG) SendBsir(dev hfp.Device, enabled bool) bool {
	return a.with(dev, func(s *agSession) bool { return s.send("+BSIR: " + strconv.Itoa(boolInt(enabled))) })
}

// SetActiveDevice has nothing to do on the AT link.
func (a *AG) SetActiveDevice(dev hfp.Device) bool {
	a.log.WithField("device", dev).Debug("active device")
	return true
}
