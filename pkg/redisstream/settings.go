package redisstream

// Settings holds the Redis Streams transport configuration for the event
// mirror. When Enabled is false the mirror stays in process.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chatsync",
		Consumer: "chatsync-1",
	}
}
