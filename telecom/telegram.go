//go:build tdlib

package telecom

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	client "github.com/zelenin/go-tdlib/client"
)

// Telegram places and receives calls of a Telegram account. Call media is
// not bridged; the backend only carries call control.
type Telegram struct {
	cl       *client.Client
	contacts *ContactCache
	log      *logrus.Entry

	mu      sync.Mutex
	handles map[int32]string
	ids     map[string]int32
}

var tgProtocol = &client.CallProtocol{UdpP2p: true, UdpReflector: true, MinLayer: 65, MaxLayer: 92}

// ConfigureTDLibLog sends the TDLib log to path at verbosity level.
func ConfigureTDLibLog(path string, level int) error {
	if _, err := client.SetLogStream(&client.SetLogStreamRequest{
		LogStream: &client.LogStreamFile{Path: path, MaxFileSize: 100 * 1024 * 1024},
	}); err != nil {
		return err
	}
	_, err := client.SetLogVerbosityLevel(&client.SetLogVerbosityLevelRequest{NewVerbosityLevel: int32(level)})
	return err
}

// NewTelegram authorizes the account, prompting on the terminal when
// TDLib asks for a code.
func NewTelegram(cfg TelegramConfig, log *logrus.Entry) (*Telegram, error) {
	dataDir := cfg.DatabaseFolder
	if dataDir == "" {
		dataDir = ".tdlib"
	}
	params := &client.SetTdlibParametersRequest{
		DatabaseDirectory:      filepath.Join(dataDir, "database"),
		FilesDirectory:         filepath.Join(dataDir, "files"),
		UseFileDatabase:        true,
		UseChatInfoDatabase:    true,
		UseMessageDatabase:     true,
		ApiId:                  int32(cfg.APIID),
		ApiHash:                cfg.APIHash,
		SystemLanguageCode:     cfg.SystemLanguageCode,
		DeviceModel:            cfg.DeviceModel,
		SystemVersion:          cfg.SystemVersion,
		ApplicationVersion:     cfg.ApplicationVersion,
		EnableStorageOptimizer: true,
	}
	authorizer := client.ClientAuthorizer(params)
	go client.CliInteractor(authorizer)

	cl, err := client.NewClient(authorizer)
	if err != nil {
		return nil, fmt.Errorf("tdlib client: %w", err)
	}
	if cfg.ProxyAddress != "" && cfg.ProxyPort != 0 {
		if _, err := cl.AddProxy(&client.AddProxyRequest{
			Server: cfg.ProxyAddress,
			Port:   int32(cfg.ProxyPort),
			Enable: true,
			Type:   &client.ProxyTypeSocks5{Username: cfg.ProxyUsername, Password: cfg.ProxyPassword},
		}); err != nil {
			return nil, fmt.Errorf("telegram.add_proxy: %w", err)
		}
	}
	me, err := cl.GetMe()
	if err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	log.Infof("telegram authorized as %s %s (@%s)", me.FirstName, me.LastName, username(me))
	return &Telegram{
		cl:       cl,
		contacts: NewContactCache(),
		log:      log,
		handles:  make(map[int32]string),
		ids:      make(map[string]int32),
	}, nil
}

func username(u *client.User) string {
	if u == nil || u.Usernames == nil {
		return ""
	}
	if u.Usernames.EditableUsername != "" {
		return u.Usernames.EditableUsername
	}
	if len(u.Usernames.ActiveUsernames) > 0 {
		return u.Usernames.ActiveUsernames[0]
	}
	return ""
}

func (t *Telegram) addUser(u *client.User) {
	if u != nil {
		t.contacts.Add(u.Id, username(u), u.PhoneNumber)
	}
}

// refreshContacts reloads the contact cache.
func (t *Telegram) refreshContacts() error {
	contacts, err := t.cl.GetContacts()
	if err != nil {
		return err
	}
	t.contacts.Reset()
	for _, id := range contacts.UserIds {
		u, err := t.cl.GetUser(&client.GetUserRequest{UserId: id})
		if err != nil {
			continue
		}
		t.addUser(u)
	}
	return nil
}

// resolve finds the user behind a dialed number, searching the account
// contacts on a cache miss.
func (t *Telegram) resolve(number string) (int64, bool) {
	if id, ok := t.contacts.Resolve(number); ok {
		return id, true
	}
	res, err := t.cl.SearchContacts(&client.SearchContactsRequest{Query: strings.TrimPrefix(number, "+"), Limit: 1})
	if err != nil || len(res.UserIds) == 0 {
		return 0, false
	}
	u, err := t.cl.GetUser(&client.GetUserRequest{UserId: res.UserIds[0]})
	if err != nil {
		return 0, false
	}
	t.addUser(u)
	return u.Id, true
}

func (t *Telegram) bind(id int32, handle string) {
	t.mu.Lock()
	t.handles[id] = handle
	t.ids[handle] = id
	t.mu.Unlock()
}

func (t *Telegram) handle(id int32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

func (t *Telegram) id(handle string) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.ids[handle]
	return id, ok
}

func (t *Telegram) unbind(id int32) {
	t.mu.Lock()
	delete(t.ids, t.handles[id])
	delete(t.handles, id)
	t.mu.Unlock()
}

func (t *Telegram) Dial(ctx context.Context, handle, number string) error {
	uid, ok := t.resolve(number)
	if !ok {
		return fmt.Errorf("no telegram user for %s", number)
	}
	cid, err := t.cl.CreateCall(&client.CreateCallRequest{UserId: uid, Protocol: tgProtocol})
	if err != nil {
		return fmt.Errorf("createCall: %w", err)
	}
	t.bind(cid.Id, handle)
	return nil
}

func (t *Telegram) Answer(ctx context.Context, handle string) error {
	id, ok := t.id(handle)
	if !ok {
		return fmt.Errorf("call %s not found", handle)
	}
	_, err := t.cl.AcceptCall(&client.AcceptCallRequest{CallId: id, Protocol: tgProtocol})
	return err
}

func (t *Telegram) Hangup(ctx context.Context, handle string) error {
	id, ok := t.id(handle)
	if !ok {
		return nil
	}
	_, err := t.cl.DiscardCall(&client.DiscardCallRequest{CallId: id})
	return err
}

func (t *Telegram) SendDTMF(context.Context, string, byte) error {
	return fmt.Errorf("telegram calls carry no DTMF")
}

// Run follows account updates until ctx is done.
func (t *Telegram) Run(ctx context.Context, ev Events) error {
	if err := t.refreshContacts(); err != nil {
		t.log.Warnf("initial contacts load failed: %v", err)
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	listener := t.cl.GetListener()
	defer listener.Close()
	for {
		select {
		case update := <-listener.Updates:
			switch u := update.(type) {
			case *client.UpdateCall:
				t.onCall(u.Call, ev)
			case *client.UpdateUser:
				t.addUser(u.User)
			}
		case <-ticker.C:
			if err := t.refreshContacts(); err != nil {
				t.log.Warnf("contact refresh failed: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Telegram) onCall(c *client.Call, ev Events) {
	h, known := t.handle(c.Id)
	log := t.log.WithFields(logrus.Fields{"tg_call": c.Id, "state": fmt.Sprintf("%T", c.State)})
	log.Debug("telegram call update")
	switch s := c.State.(type) {
	case *client.CallStatePending:
		switch {
		case !known && !c.IsOutgoing:
			h = "tg-" + strconv.Itoa(int(c.Id))
			t.bind(c.Id, h)
			number := t.contacts.Number(c.UserId)
			if number == "" {
				number = strconv.FormatInt(c.UserId, 10)
			}
			ev.Incoming(h, number)
		case known && s.IsReceived:
			ev.Alerting(h)
		}
	case *client.CallStateReady:
		if known {
			ev.Answered(h)
		}
	case *client.CallStateHangingUp, *client.CallStateDiscarded, *client.CallStateError:
		if known {
			t.unbind(c.Id)
			ev.Ended(h)
		}
	}
}
