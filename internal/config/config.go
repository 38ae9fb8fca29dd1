package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"COURIER_DB_URI" envDefault:"./courier.sqlite"`

	DefaultFrom     string `env:"COURIER_DEFAULT_FROM" envDefault:"no-reply@localhost"`
	DefaultFromName string `env:"COURIER_DEFAULT_FROM_NAME"`

	SMTPRelay     string `env:"COURIER_SMTP_RELAY"` // host:port of the relay, empty means direct delivery to the recipient MX
	SMTPLocalName string `env:"COURIER_SMTP_LOCAL_NAME" envDefault:"localhost"`
	SMTPUser      string `env:"COURIER_SMTP_USER"`
	SMTPPassword  string `env:"COURIER_SMTP_PASSWORD"`

	SendTimeout time.Duration `env:"COURIER_SEND_TIMEOUT" envDefault:"30s"`

	MaxRetries int           `env:"COURIER_MAX_RETRIES" envDefault:"3"`
	RetryDelay time.Duration `env:"COURIER_RETRY_DELAY" envDefault:"1m"` // backoff base, grows exponentially per attempt

	Workers      int           `env:"COURIER_WORKERS" envDefault:"5"`
	PollInterval time.Duration `env:"COURIER_POLL_INTERVAL" envDefault:"1m"`
	PollBatch    int           `env:"COURIER_POLL_BATCH" envDefault:"50"`

	APIPort int      `env:"COURIER_API_PORT" envDefault:"8080"`
	APIKeys []string `env:"COURIER_API_KEYS" envSeparator:","`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
