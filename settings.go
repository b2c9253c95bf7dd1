package main

import (
	"fmt"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"

	"hfpd/ag"
	"hfpd/atlink"
	"hfpd/bluez"
	"hfpd/client"
	"hfpd/hfp"
	"hfpd/telecom"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	role         string
	linkTimeout  time.Duration
	audioTimeout time.Duration

	clccPollDuringCall       bool
	clccPollInterval         time.Duration
	clccOutgoingPollInterval time.Duration
	clientClccTimeout        time.Duration
	outgoingCallTimeout      time.Duration
	clientRouteAllowed       bool
	hfFeatures               uint32

	maxConnectedDevices int
	inBandRing          bool
	forceSco            bool
	wideband            bool
	superWideband       bool
	agRouteAllowed      bool
	dialOutTimeout      time.Duration
	vrTimeout           time.Duration
	agClccTimeout       time.Duration
	audioRetries        int
	agFeatures          uint32
	telephony           string
	subscriber          string
	operator            string
	assistant           bool

	transport   string
	serialPorts map[hfp.Device]string
	baud        int
	adapter     string
	channel     int

	forbidden []hfp.Device

	sipPort       int
	sipPortRange  int
	publicAddress string
	sipDomain     string
	sipUser       string

	apiID              int
	apiHash            string
	dbFolder           string
	systemLanguageCode string
	deviceModel        string
	systemVersion      string
	applicationVersion string
	proxyAddress       string
	proxyPort          int
	proxyUsername      string
	proxyPassword      string

	httpAddress string
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("hfp")
	s.role = sec.Key("role").In("client", []string{"client", "ag", "both"})
	s.linkTimeout = sec.Key("link_timeout").MustDuration(10 * time.Second)
	s.audioTimeout = sec.Key("audio_timeout").MustDuration(10 * time.Second)

	sec = cfg.Section("client")
	s.clccPollDuringCall = sec.Key("clcc_poll_during_call").MustBool(false)
	s.clccPollInterval = sec.Key("clcc_poll_interval").MustDuration(2 * time.Second)
	s.clccOutgoingPollInterval = sec.Key("clcc_outgoing_poll_interval").MustDuration(500 * time.Millisecond)
	s.clientClccTimeout = sec.Key("clcc_response_timeout").MustDuration(5 * time.Second)
	s.outgoingCallTimeout = sec.Key("outgoing_call_timeout").MustDuration(10 * time.Second)
	s.clientRouteAllowed = sec.Key("audio_route_allowed").MustBool(true)
	s.hfFeatures = uint32(sec.Key("features").MustUint(0))

	sec = cfg.Section("ag")
	s.maxConnectedDevices = sec.Key("max_connected_devices").MustInt(2)
	s.inBandRing = sec.Key("inband_ring").MustBool(false)
	s.forceSco = sec.Key("force_sco").MustBool(false)
	s.wideband = sec.Key("wideband").MustBool(true)
	s.superWideband = sec.Key("super_wideband").MustBool(false)
	s.agRouteAllowed = sec.Key("audio_route_allowed").MustBool(true)
	s.dialOutTimeout = sec.Key("dial_timeout").MustDuration(10 * time.Second)
	s.vrTimeout = sec.Key("voice_recognition_timeout").MustDuration(5 * time.Second)
	s.agClccTimeout = sec.Key("clcc_response_timeout").MustDuration(5 * time.Second)
	s.audioRetries = sec.Key("audio_disconnect_retries").MustInt(3)
	s.agFeatures = uint32(sec.Key("features").MustUint(0))
	s.telephony = sec.Key("telephony").In("sip", []string{"sip", "telegram"})
	s.subscriber = sec.Key("subscriber_number").String()
	s.operator = sec.Key("operator").MustString("hfpd")
	s.assistant = sec.Key("voice_assistant").MustBool(false)

	sec = cfg.Section("link")
	s.transport = sec.Key("transport").In("bluez", []string{"bluez", "serial"})
	s.baud = sec.Key("baud").MustInt(115200)
	s.adapter = sec.Key("adapter").MustString("hci0")
	s.channel = sec.Key("channel").MustInt(0)
	s.serialPorts = make(map[hfp.Device]string)
	for _, entry := range sec.Key("serial_ports").Strings(",") {
		dev, port, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("link.serial_ports: %q is not <address>=<tty>", entry)
		}
		s.serialPorts[hfp.Device(strings.ToUpper(strings.TrimSpace(dev)))] = strings.TrimSpace(port)
	}

	for _, dev := range cfg.Section("policy").Key("forbidden").Strings(",") {
		s.forbidden = append(s.forbidden, hfp.Device(strings.ToUpper(dev)))
	}

	sec = cfg.Section("sip")
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipPortRange = sec.Key("port_range").MustInt(0)
	s.publicAddress = sec.Key("public_address").String()
	s.sipDomain = sec.Key("domain").MustString("localhost")
	s.sipUser = sec.Key("user").MustString("hfpd")

	sec = cfg.Section("telegram")
	s.apiID = sec.Key("api_id").MustInt(0)
	s.apiHash = sec.Key("api_hash").String()
	s.dbFolder = sec.Key("database_folder").MustString("/data")
	s.systemLanguageCode = sec.Key("system_language_code").MustString("en-US")
	s.deviceModel = sec.Key("device_model").MustString("PC")
	s.systemVersion = sec.Key("system_version").MustString("Linux")
	s.applicationVersion = sec.Key("application_version").MustString("1.0")
	if sec.Key("use_proxy").MustBool(false) {
		s.proxyAddress = sec.Key("proxy_address").String()
		s.proxyPort = sec.Key("proxy_port").MustInt(0)
		s.proxyUsername = sec.Key("proxy_username").String()
		s.proxyPassword = sec.Key("proxy_password").String()
	}

	s.httpAddress = cfg.Section("http").Key("address").MustString("127.0.0.1:8090")

	if s.transport == "serial" && len(s.serialPorts) == 0 {
		return nil, fmt.Errorf("link.serial_ports must be set for the serial transport")
	}
	if s.GatewayEnabled() && s.telephony == "telegram" && (s.apiID == 0 || s.apiHash == "") {
		return nil, fmt.Errorf("telegram api settings must be set")
	}
	if s.maxConnectedDevices < 1 {
		return nil, fmt.Errorf("ag.max_connected_devices must be positive")
	}
	return s, nil
}

func (s *Settings) Role() string         { return s.role }
func (s *Settings) ClientEnabled() bool  { return s.role != "ag" }
func (s *Settings) GatewayEnabled() bool { return s.role != "client" }
func (s *Settings) Transport() string    { return s.transport }
func (s *Settings) Telephony() string    { return s.telephony }
func (s *Settings) HTTPAddress() string  { return s.httpAddress }

func (s *Settings) Forbidden() []hfp.Device { return s.forbidden }

func (s *Settings) ClientConfig() client.Config {
	return client.Config{
		LinkTimeout:              s.linkTimeout,
		AudioTimeout:             s.audioTimeout,
		ClccPollDuringCall:       s.clccPollDuringCall,
		ClccPollInterval:         s.clccPollInterval,
		ClccOutgoingPollInterval: s.clccOutgoingPollInterval,
		ClccResponseTimeout:      s.clientClccTimeout,
		OutgoingCallTimeout:      s.outgoingCallTimeout,
		AudioRouteAllowed:        s.clientRouteAllowed,
	}
}

func (s *Settings) GatewayConfig() ag.Config {
	return ag.Config{
		LinkTimeout:             s.linkTimeout,
		AudioTimeout:            s.audioTimeout,
		AudioDisconnectRetries:  s.audioRetries,
		ClccResponseTimeout:     s.agClccTimeout,
		DialOutTimeout:          s.dialOutTimeout,
		VoiceRecognitionTimeout: s.vrTimeout,
		MaxConnectedDevices:     s.maxConnectedDevices,
		InBandRing:              s.inBandRing,
		ForceSco:                s.forceSco,
		AudioRouteAllowed:       s.agRouteAllowed,
	}
}

func (s *Settings) HFLinkConfig() atlink.HFConfig {
	return atlink.HFConfig{Features: s.hfFeatures, Wideband: s.wideband, SLCTimeout: s.linkTimeout}
}

func (s *Settings) AGLinkConfig() atlink.AGConfig {
	return atlink.AGConfig{
		Features:      s.agFeatures,
		Wideband:      s.wideband,
		SuperWideband: s.superWideband,
		DialTimeout:   s.linkTimeout,
	}
}

func (s *Settings) SerialDialer() atlink.SerialDialer {
	return atlink.SerialDialer{Ports: s.serialPorts, Baud: s.baud}
}

// ProfileOptions describes the BlueZ registration of the role with uuid.
func (s *Settings) ProfileOptions(uuid string) bluez.Options {
	return bluez.Options{UUID: uuid, Adapter: s.adapter, Channel: uint16(s.channel)}
}

func (s *Settings) PhoneConfig() telecom.Config {
	return telecom.Config{Subscriber: s.subscriber, Operator: s.operator, Assistant: s.assistant}
}

func (s *Settings) SIPConfig() telecom.SIPConfig {
	return telecom.SIPConfig{
		Host:      s.publicAddress,
		Port:      s.sipPort,
		PortRange: s.sipPortRange,
		Domain:    s.sipDomain,
		User:      s.sipUser,
	}
}

func (s *Settings) TelegramConfig() telecom.TelegramConfig {
	return telecom.TelegramConfig{
		APIID:              s.apiID,
		APIHash:            s.apiHash,
		DatabaseFolder:     s.dbFolder,
		SystemLanguageCode: s.systemLanguageCode,
		DeviceModel:        s.deviceModel,
		SystemVersion:      s.systemVersion,
		ApplicationVersion: s.applicationVersion,
		ProxyAddress:       s.proxyAddress,
		ProxyPort:          s.proxyPort,
		ProxyUsername:      s.proxyUsername,
		ProxyPassword:      s.proxyPassword,
	}
}
