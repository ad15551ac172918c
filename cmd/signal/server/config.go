package server

// Config is the signaling server configuration, loaded from TOML.
type Config struct {
	Signal struct {
		Addr        string `mapstructure:"addr"`
		MaxRoomSize int    `mapstructure:"maxroomsize"`
	} `mapstructure:"signal"`
	Auth struct {
		Enabled bool   `mapstructure:"enabled"`
		Secret  string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Turn TurnConfig `mapstructure:"turn"`
	Log  struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

const defaultMaxRoomSize = 16
