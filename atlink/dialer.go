package atlink

import (
	"context"
	"fmt"
	"io"

	"github.com/tarm/serial"

	"hfpd/hfp"
)

// Dialer opens the RFCOMM channel to a device.
type Dialer interface {
	Dial(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error) {
	return f(ctx, dev)
}

// SerialDialer reaches devices through RFCOMM TTYs bound with rfcomm(1),
// one port per device address.
type SerialDialer struct {
	Ports map[hfp.Device]string
	Baud  int
}

func (d SerialDialer) Dial(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error) {
	name, ok := d.Ports[dev]
	if !ok {
		return nil, fmt.Errorf("no serial port for %s: %w", dev, hfp.ErrUnknownDevice)
	}
	baud := d.Baud
	if baud == 0 {
		baud = 115200
	}
	type result struct {
		p   *serial.Port
		err error
	}
	ch := make(chan result, 1)
	go func() {
		// Reads block: a read timeout would end the line scanner.
		p, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
		ch <- result{p, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", name, r.err)
		}
		return r.p, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.p != nil {
				r.p.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
