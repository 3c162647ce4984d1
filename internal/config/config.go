package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the assessment service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DBDriver    string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	Peer       PeerConfig
	Submission SubmissionConfig

	ScoreCacheTTL     time.Duration
	FeedbackMaxLength int
	PeerRateLimit     int
	PeerRateWindow    time.Duration
}

// PeerConfig carries the default step configuration and allocation tuning.
type PeerConfig struct {
	Steps             []string
	MustGrade         int
	MustBeGradedBy    int
	OverGradePolicy   string
	Aggregation       string
	AssignmentTimeout time.Duration
	AllocationRetries int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	LockTTL           time.Duration
}

// SubmissionConfig tunes submission acceptance.
type SubmissionConfig struct {
	DuplicatePolicy string
	MaxAnswerLength int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ORA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Peer Assessment")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("peer.steps", "peer,self")
	v.SetDefault("peer.must_grade", 5)
	v.SetDefault("peer.must_be_graded_by", 3)
	v.SetDefault("peer.overgrade_policy", "always")
	v.SetDefault("peer.aggregation", "median")
	v.SetDefault("peer.assignment_timeout", "8h")
	v.SetDefault("peer.allocation_retries", 5)
	v.SetDefault("peer.retry_base_delay", "20ms")
	v.SetDefault("peer.retry_max_delay", "500ms")
	v.SetDefault("peer.lock_ttl", "5s")
	v.SetDefault("peer.rate_limit", 30)
	v.SetDefault("peer.rate_window", "1m")
	v.SetDefault("submission.duplicate_policy", "reject_identical")
	v.SetDefault("submission.max_answer_length", 100000)
	v.SetDefault("score.cache_ttl", "5m")
	v.SetDefault("feedback.max_length", 10000)
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{"peer.assignment_timeout", "peer.retry_base_delay", "peer.retry_max_delay", "peer.lock_ttl", "peer.rate_window", "score.cache_ttl"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DBDriver:    strings.ToLower(v.GetString("database.driver")),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		Peer: PeerConfig{
			Steps:             splitSteps(v.GetString("peer.steps")),
			MustGrade:         v.GetInt("peer.must_grade"),
			MustBeGradedBy:    v.GetInt("peer.must_be_graded_by"),
			OverGradePolicy:   strings.ToLower(v.GetString("peer.overgrade_policy")),
			Aggregation:       strings.ToLower(v.GetString("peer.aggregation")),
			AssignmentTimeout: durations["peer.assignment_timeout"],
			AllocationRetries: v.GetInt("peer.allocation_retries"),
			RetryBaseDelay:    durations["peer.retry_base_delay"],
			RetryMaxDelay:     durations["peer.retry_max_delay"],
			LockTTL:           durations["peer.lock_ttl"],
		},
		Submission: SubmissionConfig{
			DuplicatePolicy: strings.ToLower(v.GetString("submission.duplicate_policy")),
			MaxAnswerLength: v.GetInt("submission.max_answer_length"),
		},
		ScoreCacheTTL:     durations["score.cache_ttl"],
		FeedbackMaxLength: v.GetInt("feedback.max_length"),
		PeerRateLimit:     v.GetInt("peer.rate_limit"),
		PeerRateWindow:    durations["peer.rate_window"],
	}

	switch cfg.Peer.OverGradePolicy {
	case "always", "until_quota", "never":
	default:
		return Config{}, fmt.Errorf("unknown overgrade policy %q", cfg.Peer.OverGradePolicy)
	}

	switch cfg.Peer.Aggregation {
	case "median", "mean":
	default:
		return Config{}, fmt.Errorf("unknown aggregation %q", cfg.Peer.Aggregation)
	}

	switch cfg.Submission.DuplicatePolicy {
	case "reject_identical", "reject_open", "allow":
	default:
		return Config{}, fmt.Errorf("unknown duplicate policy %q", cfg.Submission.DuplicatePolicy)
	}

	for _, step := range cfg.Peer.Steps {
		if step == "peer" && (cfg.Peer.MustGrade < 1 || cfg.Peer.MustBeGradedBy < 1) {
			return Config{}, fmt.Errorf("peer step needs must_grade and must_be_graded_by of at least 1, got %d and %d", cfg.Peer.MustGrade, cfg.Peer.MustBeGradedBy)
		}
	}

	if cfg.Peer.AllocationRetries < 0 {
		cfg.Peer.AllocationRetries = 0
	}

	return cfg, nil
}

func splitSteps(raw string) []string {
	parts := strings.Split(raw, ",")
	steps := make([]string, 0, len(parts))
	for _, part := range parts {
		step := strings.ToLower(strings.TrimSpace(part))
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}
