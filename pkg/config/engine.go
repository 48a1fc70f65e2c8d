package config

import "time"

// EngineConfig holds runtime configuration for the control-plane daemon.
type EngineConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string

	CacheRedisAddr     string
	CacheRedisPassword string
	CacheRedisDB       int
	CacheMaxEntries    int

	DockerHost       string
	DeploymentsRoot  string
	WorkspaceRoot    string
	StaticServerRoot string

	HealthProbeTimeout  time.Duration
	HealthSettleDelay   time.Duration
	HealthPollInterval  time.Duration
	StaleThreshold      time.Duration
	ReconcileInterval   time.Duration
	RetentionInterval   time.Duration
	RetentionKeep       int
	ShutdownGracePeriod time.Duration

	LogStreamBuffer int
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ENGINE_ADDR", ":4100"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://stackdock:stackdock@db:5432/stackdock?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		CacheRedisAddr:     GetString("CACHE_REDIS_ADDR", ""),
		CacheRedisPassword: GetString("CACHE_REDIS_PASSWORD", ""),
		CacheRedisDB:       GetInt("CACHE_REDIS_DB", 0),
		CacheMaxEntries:    GetInt("CACHE_MAX_ENTRIES_PER_BRANCH", 10),

		DockerHost:       GetString("DOCKER_HOST_OVERRIDE", ""),
		DeploymentsRoot:  GetString("DEPLOYMENTS_ROOT", "/var/lib/stackdock/deployments"),
		WorkspaceRoot:    GetString("WORKSPACE_ROOT", "/var/lib/stackdock/workspaces"),
		StaticServerRoot: GetString("STATIC_SERVER_ROOT", "/var/lib/stackdock/static"),

		HealthProbeTimeout:  time.Duration(GetInt("HEALTH_PROBE_TIMEOUT_SECONDS", 10)) * time.Second,
		HealthSettleDelay:   time.Duration(GetInt("HEALTH_SETTLE_DELAY_SECONDS", 3)) * time.Second,
		HealthPollInterval:  time.Duration(GetInt("HEALTH_POLL_SECONDS", 60)) * time.Second,
		StaleThreshold:      time.Duration(GetInt("STALE_DEPLOYMENT_MINUTES", 15)) * time.Minute,
		ReconcileInterval:   time.Duration(GetInt("RECONCILE_SECONDS", 120)) * time.Second,
		RetentionInterval:   time.Duration(GetInt("RETENTION_SWEEP_MINUTES", 60)) * time.Minute,
		RetentionKeep:       GetInt("RETENTION_KEEP_SUCCESSFUL", 5),
		ShutdownGracePeriod: time.Duration(GetInt("SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,

		LogStreamBuffer: GetInt("LOG_STREAM_BUFFER", 100),
	}
}
