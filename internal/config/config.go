package config

import (
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	OpenAI   *openAIConfig
	S3       *s3Config
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"receiptdesk"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string `envconfig:"RECEIPTDESK_ADDRESS" default:":3443"`
	BaseUrl         string `envconfig:"RECEIPTDESK_BASE_URL" default:"https://localhost:3443"`
	LogLevel        string `envconfig:"RECEIPTDESK_LOG_LEVEL" default:"info"`
	MigrationFolder string `envconfig:"RECEIPTDESK_MIGRATIONS_FOLDER" default:"db/migrations"`
}

type openAIConfig struct {
	APIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	BaseUrl string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com"`
	Model   string `envconfig:"OPENAI_MODEL" default:"gpt-5.1"`
}

type s3Config struct {
	Endpoint  string `envconfig:"S3_ENDPOINT" default:"localhost:9000"`
	Bucket    string `envconfig:"S3_BUCKET" default:"receipts"`
	AccessKey string `envconfig:"S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}
