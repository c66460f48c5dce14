// Package config loads the settings of the extask-worker process from an
// env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/petrijr/extask/pkg/api"
)

// Environment keys.
const (
	KeyEngineURL            = "EXTASK_ENGINE_URL"
	KeyUsername             = "EXTASK_USERNAME"
	KeyPassword             = "EXTASK_PASSWORD"
	KeyTopics               = "EXTASK_TOPICS"
	KeyMaxTasks             = "EXTASK_MAX_TASKS"
	KeyLockDuration         = "EXTASK_LOCK_DURATION"
	KeyAsyncResponseTimeout = "EXTASK_ASYNC_RESPONSE_TIMEOUT"
	KeyRetries              = "EXTASK_RETRIES"
	KeyRetryTimeout         = "EXTASK_RETRY_TIMEOUT"
	KeySleepInterval        = "EXTASK_SLEEP_INTERVAL"
	KeyUsePriority          = "EXTASK_USE_PRIORITY"
	KeyLogDir               = "EXTASK_LOG_DIR"
	KeyWorkerIDPrefix       = "EXTASK_WORKER_ID_PREFIX"
	KeyMQTTBroker           = "EXTASK_MQTT_BROKER"
	KeyMQTTTopicPrefix      = "EXTASK_MQTT_TOPIC_PREFIX"
)

// DefaultEngineURL is the REST root of a local Camunda 7 engine.
const DefaultEngineURL = "http://localhost:8080/engine-rest"

// DefaultMQTTTopicPrefix is used when a broker is configured without a prefix.
const DefaultMQTTTopicPrefix = "extask"

// Settings is the process configuration.
type Settings struct {
	EngineURL string
	Username  string
	Password  string

	// Topics lists the subscribed topics. At least one is required.
	Topics []string

	// Task is the polling configuration shared by every topic.
	Task api.Config

	LogDir         string
	WorkerIDPrefix string

	// MQTTBroker enables the MQTT observer when set, e.g. tcp://localhost:1883.
	MQTTBroker      string
	MQTTTopicPrefix string
}

// Load reads envPath with godotenv when the file exists, then builds
// Settings from the environment. Variables already set in the environment
// take precedence over the file. An empty envPath skips the file.
func Load(envPath string) (Settings, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}
	return FromEnv()
}

// FromEnv builds Settings from the current environment only.
func FromEnv() (Settings, error) {
	s := Settings{
		EngineURL:       getenv(KeyEngineURL, DefaultEngineURL),
		Username:        os.Getenv(KeyUsername),
		Password:        os.Getenv(KeyPassword),
		Topics:          splitList(os.Getenv(KeyTopics)),
		Task:            api.DefaultConfig(),
		LogDir:          os.Getenv(KeyLogDir),
		WorkerIDPrefix:  os.Getenv(KeyWorkerIDPrefix),
		MQTTBroker:      os.Getenv(KeyMQTTBroker),
		MQTTTopicPrefix: getenv(KeyMQTTTopicPrefix, DefaultMQTTTopicPrefix),
	}

	var errs []error
	intVar(&errs, KeyMaxTasks, &s.Task.MaxTasks)
	intVar(&errs, KeyRetries, &s.Task.DefaultRetries)
	// Plain integers are milliseconds, except the sleep interval, which is
	// given in seconds.
	durationVar(&errs, KeyLockDuration, time.Millisecond, &s.Task.LockDuration)
	durationVar(&errs, KeyAsyncResponseTimeout, time.Millisecond, &s.Task.AsyncResponseTimeout)
	durationVar(&errs, KeyRetryTimeout, time.Millisecond, &s.Task.RetryTimeout)
	durationVar(&errs, KeySleepInterval, time.Second, &s.Task.SleepInterval)
	if v, ok := lookup(KeyUsePriority); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", KeyUsePriority, err))
		}
		s.Task.UsePriority = b
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}

	if len(s.Topics) == 0 {
		return Settings{}, fmt.Errorf("config: %s must name at least one topic", KeyTopics)
	}
	if err := s.Task.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// ParseDuration accepts a Go duration ("1m30s") or a plain integer counted
// in unit.
func ParseDuration(v string, unit time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(v)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func getenv(key, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

func intVar(errs *[]error, key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = n
}

func durationVar(errs *[]error, key string, unit time.Duration, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v, unit)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
