package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress prints redis credential info.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	LogLevel         string        `yaml:"log_level"`
	WalletConnect    WalletConnect `yaml:"walletconnect"`
	Timeouts         Timeouts      `yaml:"timeouts"`
	Session          Session       `yaml:"session"`
	Store            Store         `yaml:"store"`
	Kafka            Kafka         `yaml:"kafka"`
	Aws              Aws           `yaml:"aws"`
	HTTP             HTTP          `yaml:"http"`
	SentryDSN        string        `yaml:"sentry_dsn"`
	LarkAlarmWebhook string        `yaml:"lark_alarm_webhook"`
	DingTalk         DingTalk      `yaml:"dingtalk"`
}

type WalletConnect struct {
	ProjectID string `yaml:"project_id"`
	// ProjectIDSSMParameter 非空时从AWS SSM读取project id
	ProjectIDSSMParameter string   `yaml:"project_id_ssm_parameter"`
	BridgeURL             string   `yaml:"bridge_url"`
	DefaultChainID        int      `yaml:"default_chain_id"`
	Metadata              Metadata `yaml:"metadata"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	URL         string   `yaml:"url"`
	Icons       []string `yaml:"icons"`
}

// Timeouts 毫秒，零值表示使用默认值
type Timeouts struct {
	Connection    int64 `yaml:"connection"`
	Transaction   int64 `yaml:"transaction"`
	Signing       int64 `yaml:"signing"`
	ContractCall  int64 `yaml:"contract_call"`
	ContractRead  int64 `yaml:"contract_read"`
	GasEstimation int64 `yaml:"gas_estimation"`
}

type Session struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RestoreConcurrency 启动时并发恢复会话的数量
	RestoreConcurrency int `yaml:"restore_concurrency"`
	// KeepSessionsOnDestroy 关闭进程时保留已批准的会话，重启后恢复
	KeepSessionsOnDestroy bool `yaml:"keep_sessions_on_destroy"`
}

const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)

type Store struct {
	Driver     string       `yaml:"driver"`
	SQLitePath string       `yaml:"sqlite_path"`
	Postgres   DBCredential `yaml:"postgres"`
	Redis      DBCredential `yaml:"redis"`
	KeyPrefix  string       `yaml:"key_prefix"`
}

type Kafka struct {
	Servers string `yaml:"servers"`
	Topic   string `yaml:"topic"`
}

type Aws struct {
	Region   string `yaml:"region"`
	QRBucket string `yaml:"qr_bucket"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
	// ConnectPerMinute 每个用户每分钟允许的连接请求数，需配置redis
	ConnectPerMinute int `yaml:"connect_per_minute"`
}

type DingTalk struct {
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"`
}

func (c *Configuration) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WalletConnect.DefaultChainID == 0 {
		c.WalletConnect.DefaultChainID = 1
	}
	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = 24 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 10 * time.Minute
	}
	if c.Session.RestoreConcurrency <= 0 {
		c.Session.RestoreConcurrency = 8
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverMemory
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "wallet_sessions.db"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "wc:session:"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "wallet_gateway_events"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// LoadFile 读取并解析配置文件，缺省字段填充默认值
func LoadFile(path string) (*Configuration, error) {
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s does not exist", path)
		}
		return nil, err
	}
	return Parse(dat)
}

// Parse 解析yaml配置
func Parse(dat []byte) (*Configuration, error) {
	t := Configuration{}
	if err := yaml.Unmarshal(dat, &t); err != nil {
		return nil, fmt.Errorf("fail to decode config error: %v", err)
	}
	t.applyDefaults()
	return &t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := LoadFile(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = globalConfig
}
