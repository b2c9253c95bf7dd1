package telecom

import (
	"context"
	"fmt"
	"sync"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/sirupsen/logrus"
)

// Events receives call progress from a signalling backend; Phone
// implements it.
type Events interface {
	Incoming(handle, number string)
	Alerting(handle string)
	Answered(handle string)
	Ended(handle string)
}

type SIPConfig struct {
	// Host is the address put in Via and Contact; detected when empty.
	Host      string
	Port      int
	PortRange int
	// Domain receives outgoing calls as sip:<number>@<Domain>.
	Domain    string
	User      string
	UserAgent string
}

// SIP is a user agent carrying the calls of the gateway.
type SIP struct {
	cfg SIPConfig
	srv gosip.Server
	ev  Events
	log *logrus.Entry

	mu    sync.Mutex
	calls map[string]*sipCall
}

type sipCall struct {
	localAddr  *sip.Address
	remoteAddr *sip.Address
	cseq       uint
	invite     sip.Request
	clientTx   sip.ClientTransaction
	answered   bool
	cancel     context.CancelFunc
}

// NewSIP creates the user agent. wire receives the transport and
// transaction logs of gosip.
func NewSIP(cfg SIPConfig, log *logrus.Entry, wire *logrus.Entry) (*SIP, error) {
	if cfg.Host == "" {
		ip, err := detectHostIP()
		if err != nil {
			return nil, fmt.Errorf("sip host: %w", err)
		}
		cfg.Host = ip
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.User == "" {
		cfg.User = "hfpd"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hfpd"
	}
	logger := gosiplog.NewLogrusLogger(wire, "SIP", nil)
	return &SIP{
		cfg:   cfg,
		srv:   gosip.NewServer(gosip.ServerConfig{Host: cfg.Host, UserAgent: cfg.UserAgent}, nil, nil, logger),
		log:   log,
		calls: make(map[string]*sipCall),
	}, nil
}

// Start registers the request handlers and listens on the first free port
// of the configured range.
func (s *SIP) Start(ev Events) error {
	s.ev = ev
	for method, h := range map[sip.RequestMethod]gosip.RequestHandler{
		sip.INVITE: s.handleInvite,
		sip.ACK:    s.handleAck,
		sip.BYE:    s.handleBye,
		sip.CANCEL: s.handleCancel,
		sip.INFO:   s.handleInfo,
	} {
		if err := s.srv.OnRequest(method, h); err != nil {
			return err
		}
	}

	var listenErr error
	for i := 0; i <= s.cfg.PortRange; i++ {
		addr := fmt.Sprintf(":%d", s.cfg.Port+i)
		listenErr = s.srv.Listen("udp", addr)
		if listenErr == nil {
			s.log.Infof("SIP listening on %s/udp", addr)
			return nil
		}
		s.log.Warnf("failed to listen on %s: %v", addr, listenErr)
	}
	return fmt.Errorf("sip listen: %w", listenErr)
}

func (s *SIP) Close() {
	s.srv.Shutdown()
}

func callID(req sip.Request) string {
	if cid, ok := req.CallID(); ok && cid != nil {
		return cid.String()
	}
	return ""
}

func (s *SIP) take(id string) *sipCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.calls[id]
	delete(s.calls, id)
	return c
}

func (s *SIP) get(id string) (*sipCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	return c, ok
}

func (s *SIP) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	from, _ := req.From()
	to, _ := req.To()
	if from == nil || to == nil {
		s.srv.RespondOnRequest(req, 400, "Bad Request", "", nil)
		return
	}
	number := ""
	if from.Address != nil {
		if u := from.Address.User(); u != nil {
			number = u.String()
		}
	}
	s.log.WithFields(logrus.Fields{"call_id": id, "from": number}).Info("received SIP INVITE")

	s.mu.Lock()
	if _, dup := s.calls[id]; dup {
		s.mu.Unlock()
		return
	}
	s.calls[id] = &sipCall{
		localAddr:  sip.NewAddressFromToHeader(to),
		remoteAddr: sip.NewAddressFromFromHeader(from),
		cseq:       1,
		invite:     req,
	}
	s.mu.Unlock()

	s.srv.RespondOnRequest(req, 180, "Ringing", "", nil)
	s.ev.Incoming(id, number)
}

func (s *SIP) handleAck(req sip.Request, tx sip.ServerTransaction) {
	s.log.WithField("call_id", callID(req)).Debug("received SIP ACK")
}

func (s *SIP) handleBye(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s.log.WithField("call_id", id).Info("received SIP BYE")
	s.srv.RespondOnRequest(req, 200, "OK", "", nil)
	if c := s.take(id); c != nil {
		if c.cancel != nil {
			c.cancel()
		}
		s.ev.Ended(id)
	}
}

func (s *SIP) handleCancel(req sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s.log.WithField("call_id", id).Info("received SIP CANCEL")
	s.srv.RespondOnRequest(req, 200, "OK", "", nil)
	if c := s.take(id); c != nil {
		if c.invite != nil {
			s.srv.RespondOnRequest(c.invite, 487, "Request Terminated", "", nil)
		}
		s.ev.Ended(id)
	}
}

func (s *SIP) handleInfo(req sip.Request, tx sip.ServerTransaction) {
	s.log.WithFields(logrus.Fields{"call_id": callID(req), "body": req.Body()}).Debug("received SIP INFO")
	s.srv.RespondOnRequest(req, 200, "OK", "", nil)
}

// Dial sends an INVITE whose Call-ID is handle.
func (s *SIP) Dial(ctx context.Context, handle, number string) error {
	s.log.WithFields(logrus.Fields{"call_id": handle, "number": number}).Info("SIP dial")
	toURI, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s", number, s.cfg.Domain))
	if err != nil {
		return fmt.Errorf("parse to uri: %w", err)
	}
	fromURI, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s", s.cfg.User, s.cfg.Host))
	if err != nil {
		return fmt.Errorf("parse from uri: %w", err)
	}
	fromAddr := &sip.Address{Uri: fromURI, Params: sip.NewParams().Add("tag", sip.String{Str: util.RandString(8)})}
	toAddr := &sip.Address{Uri: toURI, Params: sip.NewParams()}
	cid := sip.CallID(handle)

	req, err := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(toURI).
		SetFrom(fromAddr).
		SetTo(toAddr).
		SetContact(&sip.Address{Uri: fromURI.Clone()}).
		SetCallID(&cid).
		SetSeqNo(1).
		Build()
	if err != nil {
		return fmt.Errorf("build invite: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.srv.Request(req)
	if err != nil {
		return fmt.Errorf("send invite: %w", err)
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &sipCall{localAddr: fromAddr, remoteAddr: toAddr, cseq: 1, clientTx: tx, cancel: cancel}
	s.mu.Lock()
	s.calls[handle] = c
	s.mu.Unlock()
	go s.watchInvite(callCtx, handle, c, tx)
	return nil
}

// watchInvite follows the responses of an outgoing INVITE.
func (s *SIP) watchInvite(ctx context.Context, handle string, c *sipCall, tx sip.ClientTransaction) {
	log := s.log.WithField("call_id", handle)
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			log.Infof("received SIP response: %d %s", res.StatusCode(), res.Reason())
			code := res.StatusCode()
			switch {
			case code == 180 || code == 183:
				s.ev.Alerting(handle)
			case res.IsProvisional():
			case res.IsSuccess():
				if to, ok := res.To(); ok && to.Params != nil {
					if tag, ok := to.Params.Get("tag"); ok {
						s.mu.Lock()
						c.remoteAddr.Params = c.remoteAddr.Params.Add("tag", tag)
						c.answered = true
						s.mu.Unlock()
					}
				}
				s.ack(handle, c)
				s.ev.Answered(handle)
				return
			default:
				s.take(handle)
				s.ev.Ended(handle)
				return
			}
		case err := <-tx.Errors():
			if err != nil {
				log.WithError(err).Warn("SIP transaction error")
				s.take(handle)
				s.ev.Ended(handle)
			}
			return
		case <-tx.Done():
			return
		}
	}
}

// inDialog starts a request of the dialog of c, optionally with the next
// CSeq.
func (s *SIP) inDialog(method sip.RequestMethod, handle string, c *sipCall, next bool) *sip.RequestBuilder {
	s.mu.Lock()
	if next {
		c.cseq++
	}
	seq := c.cseq
	local, remote := c.localAddr, c.remoteAddr
	s.mu.Unlock()
	cid := sip.CallID(handle)
	return sip.NewRequestBuilder().
		SetMethod(method).
		SetRecipient(remote.Uri).
		SetFrom(local).
		SetTo(remote).
		SetContact(local).
		SetCallID(&cid).
		SetSeqNo(seq)
}

func (s *SIP) ack(handle string, c *sipCall) {
	req, err := s.inDialog(sip.ACK, handle, c, false).Build()
	if err == nil {
		err = s.srv.Send(req)
	}
	if err != nil {
		s.log.WithError(err).WithField("call_id", handle).Warn("send ACK failed")
	}
}

// Answer accepts an incoming INVITE with 200 OK.
func (s *SIP) Answer(ctx context.Context, handle string) error {
	s.log.WithField("call_id", handle).Info("SIP answer")
	c, ok := s.get(handle)
	if !ok || c.invite == nil {
		return fmt.Errorf("call %s not found", handle)
	}
	res := sip.NewResponseFromRequest("", c.invite, 200, "OK", "")
	tag := sip.String{Str: util.RandString(8)}
	if to, ok := res.To(); ok {
		to.Params = to.Params.Add("tag", tag)
	}
	s.mu.Lock()
	c.localAddr.Params = c.localAddr.Params.Add("tag", tag)
	c.answered = true
	s.mu.Unlock()
	if _, err := s.srv.Respond(res); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	return nil
}

// Hangup rejects, cancels or ends the call depending on how far it got.
func (s *SIP) Hangup(ctx context.Context, handle string) error {
	s.log.WithField("call_id", handle).Info("SIP hangup")
	c := s.take(handle)
	if c == nil {
		return nil
	}
	if c.cancel != nil {
		defer c.cancel()
	}
	switch {
	case !c.answered && c.invite != nil:
		if _, err := s.srv.RespondOnRequest(c.invite, 486, "Busy Here", "", nil); err != nil {
			return fmt.Errorf("send 486: %w", err)
		}
		return nil
	case !c.answered && c.clientTx != nil:
		return c.clientTx.Cancel()
	}
	req, err := s.inDialog(sip.BYE, handle, c, true).Build()
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if _, err := s.srv.Request(req); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	return nil
}

// SendDTMF relays one digit with an INFO request.
func (s *SIP) SendDTMF(ctx context.Context, handle string, digit byte) error {
	c, ok := s.get(handle)
	if !ok {
		return fmt.Errorf("call %s not found", handle)
	}
	ctype := sip.ContentType("application/dtmf-relay")
	req, err := s.inDialog(sip.INFO, handle, c, true).
		SetContentType(&ctype).
		SetBody(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", digit)).
		Build()
	if err != nil {
		return fmt.Errorf("build INFO: %w", err)
	}
	if _, err := s.srv.Request(req); err != nil {
		return fmt.Errorf("send INFO: %w", err)
	}
	return nil
}
