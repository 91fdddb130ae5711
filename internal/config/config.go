package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	FEC      FECConfig      `yaml:"fec" mapstructure:"fec"`
	Congress CongressConfig `yaml:"congress" mapstructure:"congress"`
	Trades   TradesConfig   `yaml:"trades" mapstructure:"trades"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig configures the Postgres backend.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IngestConfig configures the shared pipeline machinery.
type IngestConfig struct {
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// FECConfig configures the campaign-finance pipeline.
type FECConfig struct {
	BulkBaseURL string `yaml:"bulk_base_url" mapstructure:"bulk_base_url"`
	MirrorURL   string `yaml:"mirror_url" mapstructure:"mirror_url"`
	CycleYear   int    `yaml:"cycle_year" mapstructure:"cycle_year"`
}

// CongressConfig configures the legislative-activity pipeline.
type CongressConfig struct {
	BulkDataURL string   `yaml:"bulkdata_url" mapstructure:"bulkdata_url"`
	Number      int      `yaml:"number" mapstructure:"number"`
	BillTypes   []string `yaml:"bill_types" mapstructure:"bill_types"`
}

// TradesConfig configures the stock-disclosure pipeline.
type TradesConfig struct {
	DisclosureURL string        `yaml:"disclosure_url" mapstructure:"disclosure_url"`
	MaxFilings    int           `yaml:"max_filings" mapstructure:"max_filings"`
	PDF           PDFTextConfig `yaml:"pdf" mapstructure:"pdf"`
}

// PDFTextConfig configures PDF text extraction for scanned filings.
type PDFTextConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	OCREndpoint   string `yaml:"ocr_endpoint" mapstructure:"ocr_endpoint"`
	OCRKey        string `yaml:"ocr_api_key" mapstructure:"ocr_api_key"`
}

// ServerConfig configures the trigger API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CIVICSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("ingest.data_dir", "/tmp/civicsync")
	v.SetDefault("ingest.user_agent", "civicsync/1.0 (data@civitas-labs.org)")
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("fec.bulk_base_url", "https://www.fec.gov/files/bulk-downloads")
	v.SetDefault("fec.cycle_year", 2024)
	v.SetDefault("congress.bulkdata_url", "https://www.govinfo.gov/bulkdata/BILLSTATUS")
	v.SetDefault("congress.number", 118)
	v.SetDefault("congress.bill_types", []string{"hr", "s", "hjres", "sjres"})
	v.SetDefault("trades.disclosure_url", "https://disclosures-clerk.house.gov/PublicDisclosure/FinancialDisclosure")
	v.SetDefault("trades.max_filings", 25)
	v.SetDefault("trades.pdf.provider", "local")
	v.SetDefault("trades.pdf.pdftotext_path", "pdftotext")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
