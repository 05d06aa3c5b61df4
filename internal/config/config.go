package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`

	DBPoolMaxConns        int32  `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMaxConnLifetime string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Bus (AMQP topic exchange)
	AMQPURL          string        `envconfig:"AMQP_URL" required:"true"`
	AMQPExchange     string        `envconfig:"AMQP_EXCHANGE" default:"moca"`
	BusQueue         string        `envconfig:"BUS_QUEUE" default:"moca-server"`
	BusDialAttempts  int           `envconfig:"BUS_DIAL_ATTEMPTS" default:"5"`
	BusDialDelay     time.Duration `envconfig:"BUS_DIAL_DELAY" default:"1s"`

	// Connector call deadlines
	CallTimeout  time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	MediaTimeout time.Duration `envconfig:"MEDIA_TIMEOUT" default:"60s"`

	// Outbound call rails
	ConnectorRPS   float64 `envconfig:"CONNECTOR_RPS" default:"10"`
	ConnectorBurst int     `envconfig:"CONNECTOR_BURST" default:"20"`
}

type ConnectorConfig struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	AMQPURL       string `envconfig:"AMQP_URL" required:"true"`
	AMQPExchange  string `envconfig:"AMQP_EXCHANGE" default:"moca"`
	ConnectorType string `envconfig:"CONNECTOR_TYPE" default:"telegram"`
	ConnectorID   int64  `envconfig:"CONNECTOR_ID" default:"1"`
}

func LoadServer() ServerConfig {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadConnector() ConnectorConfig {
	var cfg ConnectorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
