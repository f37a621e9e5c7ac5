package redisstream

// Settings holds Redis Streams transport configuration for the update bus.
// With Group empty every subscriber reads the whole stream (fan-out); with a
// group set, subscribers sharing it split the messages between them.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// MaxLen caps the stream length after each publish; 0 disables trimming.
	MaxLen int64 `yaml:"max_len"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: false,
		Addr:    "localhost:6379",
		Stream:  "roomsync.updates",
		MaxLen:  10000,
	}
}
