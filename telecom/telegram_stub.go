//go:build !tdlib

package telecom

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

var errNoTDLib = errors.New("telecom: built without the tdlib tag")

type Telegram struct{}

func ConfigureTDLibLog(string, int) error { return nil }

func NewTelegram(TelegramConfig, *logrus.Entry) (*Telegram, error) { return nil, errNoTDLib }

func (*Telegram) Dial(context.Context, string, string) error { return errNoTDLib }
func (*Telegram) Answer(context.Context, string) error { return errNoTDLib }
func (*Telegram) Hangup(context.Context, string) error { return errNoTDLib }
func (*Telegram) SendDTMF(context.Context, string, byte) error { return errNoTDLib }
func (*Telegram) Run(context.Context, Events) error { return errNoTDLib }
