// Package atlink carries the hands-free AT command set over a byte stream
// (an RFCOMM socket or TTY). HF drives the headset side and implements
// client.Native; AG answers a headset and implements ag.Native.
//
// The AT link does not own SCO sockets. Audio connect is mapped to codec
// connection (AT+BCC / +BCS) and the owner of the SCO socket reports audio
// state with ReportAudio.
package atlink

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

var errClosed = errors.New("atlink: connection closed")

const writeQueueSize = 32

// conn is one AT channel: a reader goroutine delivering lines and a writer
// goroutine framing outgoing ones.
type conn struct {
	dev    hfp.Device
	rwc    io.ReadWriteCloser
	log    *logrus.Entry
	prefix string
	suffix string

	out       chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(dev hfp.Device, rwc io.ReadWriteCloser, prefix, suffix string, log *logrus.Entry) *conn {
	c := &conn{
		dev:    dev,
		rwc:    rwc,
		log:    log,
		prefix: prefix,
		suffix: suffix,
		out:    make(chan string, writeQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.out:
			c.log.WithField("tx", line).Trace("at")
			if _, err := io.WriteString(c.rwc, c.prefix+line+c.suffix); err != nil {
				c.log.WithError(err).Warn("write failed, closing link")
				c.close()
				return
			}
		}
	}
}

// send queues one line and reports whether the channel is still open.
func (c *conn) send(line string) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- line:
		return true
	case <-c.done:
		return false
	}
}

// read delivers every line to onLine until the stream ends.
func (c *conn) read(onLine func(string)) error {
	sc := bufio.NewScanner(c.rwc)
	sc.Split(scanATLines)
	for sc.Scan() {
		line := string(bytes.TrimSpace(sc.Bytes()))
		if line == "" {
			continue
		}
		c.log.WithField("rx", line).Trace("at")
		onLine(line)
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.rwc.Close()
	})
}

// scanATLines splits on CR, LF or both and drops empty lines.
func scanATLines(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}
