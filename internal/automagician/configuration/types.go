package configuration

import (
	"time"

	"github.com/G-Research/automagician/internal/automagician/domain"
	commonconfig "github.com/G-Research/automagician/internal/common/config"
)

type DatabaseType string

const (
	SQLite   DatabaseType = "sqlite"
	Postgres DatabaseType = "postgres"
	MemDB    DatabaseType = "memdb"
	Redis    DatabaseType = "redis"
)

type AutomagicianConfiguration struct {
	// Cluster overrides hostname detection when set.
	Cluster domain.Cluster
	// HomeDir overrides the per-cluster default home ($HOME, or $WORK/.. on quota clusters).
	HomeDir   commonconfig.ExpandedPath
	RemoteDir string `validate:"required"`
	Database  DatabaseConfig
	Lock      LockConfig
	Ssh       SshConfig
	Templates TemplateConfig
	// Quota holds the submission ceiling of every quota cluster.
	Quota          map[domain.Cluster]int `validate:"dive,gte=0"`
	Tools          ToolsConfig
	CompletionIdle time.Duration `validate:"gt=0"`
	Squeue         SqueueConfig
	Metrics        MetricsConfig
	Run            RunConfig
}

type DatabaseConfig struct {
	Type DatabaseType `validate:"oneof=sqlite postgres memdb redis"`
	// Path of the sqlite file. Defaults to <home>/automagician.db.
	Path     commonconfig.ExpandedPath
	Postgres PostgresConfig
	Redis    RedisConfig
}

type PostgresConfig struct {
	Connection map[string]string
}

type RedisConfig struct {
	Addrs     []string
	Password  string
	DB        int
	KeyPrefix string
}

type LockConfig struct {
	Dir string `validate:"required"`
}

type SshConfig struct {
	User           string
	Port           int `validate:"gt=0"`
	KeyPath        commonconfig.ExpandedPath
	KnownHostsPath commonconfig.ExpandedPath
	Timeout        time.Duration
	ProbeRetries   uint
}

type TemplateConfig struct {
	Paired commonconfig.ExpandedPath `validate:"required"`
	Quota  commonconfig.ExpandedPath `validate:"required"`
}

type ToolsConfig struct {
	EnergyTrace string `validate:"required"`
	Archive     string `validate:"required"`
	SortPos     string `validate:"required"`
	SoftPbe     string `validate:"required"`
}

type SqueueConfig struct {
	Retries    uint
	RetryDelay time.Duration
}

type MetricsConfig struct {
	// TextfilePath, when set, receives the run's metrics in the node exporter textfile format.
	TextfilePath commonconfig.ExpandedPath
}

// RunConfig holds the per-invocation parameters. Every field can also be set on the command line.
type RunConfig struct {
	Balance           bool
	Limit             int `validate:"gt=0"`
	ContinuePastLimit bool
	ClearCertificate  bool
}
