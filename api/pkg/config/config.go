package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer WebServer
	Cloud     Cloud
	Scheduler Scheduler
	Auth      Auth

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8000"`
}

// Cloud configures the control-plane client for the provider hosting the
// GPU workspaces.
type Cloud struct {
	BaseURL           string `envconfig:"CLOUD_API_BASE_URL" required:"true"`
	AuthToken         string `envconfig:"CLOUD_API_AUTH_TOKEN" required:"true"`
	CSRFToken         string `envconfig:"CLOUD_API_CSRF_TOKEN"`
	MachineNameFilter string `envconfig:"CLOUD_API_MACHINE_NAME_FILTER" required:"true"`
}

// Scheduler holds the timing knobs for placement, reservations and the
// worker lifecycle.
type Scheduler struct {
	// ReservationTTL is how long a worker stays claimed for a user between
	// selection and request start. Doubles as the idle timeout before an
	// unused worker is paused.
	ReservationTTL time.Duration `envconfig:"SCHEDULER_RESERVATION_TTL" default:"10m"`
	// FallbackReservationTTL is the shorter claim used for passthrough
	// requests, which hold a slot only for a single round trip.
	FallbackReservationTTL time.Duration `envconfig:"SCHEDULER_FALLBACK_RESERVATION_TTL" default:"3m"`
	StartupTimeout         time.Duration `envconfig:"SCHEDULER_STARTUP_TIMEOUT" default:"120s"`
	WorkerReadinessWait    time.Duration `envconfig:"SCHEDULER_WORKER_READINESS_WAIT" default:"10s"`
	// UserLockTimeout bounds how long a second request from the same user
	// queues behind the first before being rejected with 429.
	UserLockTimeout time.Duration `envconfig:"SCHEDULER_USER_LOCK_TIMEOUT" default:"120s"`
	// SlotsPerWorker is the number of concurrent requests a single worker
	// serves. Ollama is effectively single-slot per model unless
	// OLLAMA_NUM_PARALLEL is raised on the workers.
	SlotsPerWorker int `envconfig:"SCHEDULER_SLOTS_PER_WORKER" default:"1"`
	// WorkerPort is the fixed port the inference server listens on.
	WorkerPort int `envconfig:"SCHEDULER_WORKER_PORT" default:"11434"`
}

type Auth struct {
	APIKeysFile string `envconfig:"AUTH_API_KEYS_FILE" default:"api_keys.json"`
}
