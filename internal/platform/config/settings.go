package config

import "time"

// Settings is the process configuration read from the environment.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string
	LogSource bool

	SegmentDuration         time.Duration
	MaxStreams              int
	MaxStreamsPerUser       int
	FetchTimeout            time.Duration
	TranscodeTimeout        time.Duration
	StreamIdleTimeout       time.Duration
	PrefetchSegments        int
	MaxConcurrentTranscodes int
	FFmpegPath              string
	CatalogFile             string

	CacheMemoryEntries int
	CacheDir           string
	CacheMaxBytes      int64
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string

	ABRSampleWindow    time.Duration
	ABRCooldown        time.Duration
	ABRMinSamples      int
	ABREmergencyBuffer float64
	ABRMaxBuffer       float64
	ABRUpgradeMargin   float64
	ABRSafetyMargin    float64
	ABRIdleTimeout     time.Duration
	ABRDefaultQuality  string
}

// LoadSettings reads Settings from the environment, applying defaults.
// Call Load first to pick up a .env file.
func LoadSettings() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),
		LogSource: GetEnvBool("LOG_SOURCE", false),

		SegmentDuration:         GetEnvDuration("SEGMENT_DURATION", 4*time.Second),
		MaxStreams:              GetEnvInt("MAX_STREAMS", 1000),
		MaxStreamsPerUser:       GetEnvInt("MAX_STREAMS_PER_USER", 3),
		FetchTimeout:            GetEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		TranscodeTimeout:        GetEnvDuration("TRANSCODE_TIMEOUT", 60*time.Second),
		StreamIdleTimeout:       GetEnvDuration("STREAM_IDLE_TIMEOUT", 5*time.Minute),
		PrefetchSegments:        GetEnvInt("PREFETCH_SEGMENTS", 2),
		MaxConcurrentTranscodes: GetEnvInt("MAX_CONCURRENT_TRANSCODES", 4),
		FFmpegPath:              GetEnv("FFMPEG_PATH", "ffmpeg"),
		CatalogFile:             GetEnv("CATALOG_FILE", "catalog.json"),

		CacheMemoryEntries: GetEnvInt("CACHE_MEMORY_ENTRIES", 256),
		CacheDir:           GetEnv("CACHE_DIR", "./cache"),
		CacheMaxBytes:      GetEnvInt64("CACHE_MAX_BYTES", 1<<30),
		RedisAddr:          GetEnv("REDIS_ADDR", ""),
		RedisPassword:      GetEnv("REDIS_PASSWORD", ""),
		RedisDB:            GetEnvInt("REDIS_DB", 0),
		RedisPrefix:        GetEnv("REDIS_PREFIX", "audio:cache:"),

		ABRSampleWindow:    GetEnvDuration("ABR_SAMPLE_WINDOW", 5*time.Second),
		ABRCooldown:        GetEnvDuration("ABR_COOLDOWN", 10*time.Second),
		ABRMinSamples:      GetEnvInt("ABR_MIN_SAMPLES", 3),
		ABREmergencyBuffer: GetEnvFloat("ABR_EMERGENCY_BUFFER", 1),
		ABRMaxBuffer:       GetEnvFloat("ABR_MAX_BUFFER", 10),
		ABRUpgradeMargin:   GetEnvFloat("ABR_UPGRADE_MARGIN", 1.2),
		ABRSafetyMargin:    GetEnvFloat("ABR_SAFETY_MARGIN", 1.1),
		ABRIdleTimeout:     GetEnvDuration("ABR_IDLE_TIMEOUT", 10*time.Minute),
		ABRDefaultQuality:  GetEnv("ABR_DEFAULT_QUALITY", "medium"),
	}
}
