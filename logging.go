package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"

	"hfpd/telecom"
)

var (
	coreLog *logrus.Entry
	linkLog *logrus.Entry
	sipLog  *logrus.Entry
	httpLog *logrus.Entry
	logFile *lumberjack.Logger
)

// initLogging creates one logger per component, each writing to the
// console and the rotated log file with its own minimum level.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("hfpd.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 1,
	}

	var sipFilter func(*logrus.Entry) bool
	if !sec.Key("sip_messages").MustBool(true) {
		sipFilter = isSIPMessage
	}
	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile, nil)
	linkLog = newLogger("link", toLogrusLevel(sec.Key("link").MustInt(2)), consoleMin, fileMin, logFile, nil)
	sipLog = newLogger("sip", toLogrusLevel(sec.Key("sip").MustInt(2)), consoleMin, fileMin, logFile, sipFilter)
	httpLog = newLogger("http", toLogrusLevel(sec.Key("http").MustInt(3)), consoleMin, fileMin, logFile, nil)

	return telecom.ConfigureTDLibLog("tdlib.log", sec.Key("tdlib").MustInt(3))
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Skip      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Skip != nil && h.Skip(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer, skip func(*logrus.Entry) bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin), Skip: skip})
	logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin), Skip: skip})
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

// toLogrusLevel maps 0 (trace) .. 5 (fatal); anything higher is off.
func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// isSIPMessage matches the full message dumps of the SIP transport.
func isSIPMessage(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, "received SIP message") || strings.HasPrefix(e.Message, "sending SIP message")
}
