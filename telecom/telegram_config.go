package telecom

type TelegramConfig struct {
	APIID              int
	APIHash            string
	DatabaseFolder     string
	SystemLanguageCode string
	DeviceModel        string
	SystemVersion      string
	ApplicationVersion string

	ProxyAddress  string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string
}
