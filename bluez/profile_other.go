//go:build !linux

package bluez

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

var errNoBlueZ = errors.New("bluez: only available on linux")

type Profile struct{}

func Register(Options, Acceptor, *logrus.Entry) (*Profile, error) { return nil, errNoBlueZ }

func (*Profile) Dial(context.Context, hfp.Device) (io.ReadWriteCloser, error) {
	return nil, errNoBlueZ
}

func (*Profile) Close() error { return nil }
