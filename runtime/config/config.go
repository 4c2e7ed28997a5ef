// Package config resolves Lucia's orchestration configuration following the
// precedence §6.3 specifies: command-line flags, then environment
// variables, then a Mongo-backed overrides collection, then built-in
// defaults. Each layer only supplies a key the layers before it left unset.
package config

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Orchestration holds the Orchestration.* keys (§6.3).
type Orchestration struct {
	RouterModel                  string
	MaxParallelAgents            int
	RoutingConfidenceThreshold   float64
	MaxConversationHistory       int
	EnableMultiAgentCoordination bool
}

// TaskStoreConfig holds the TaskStore.* keys.
type TaskStoreConfig struct {
	TTL time.Duration
}

// AgentInvokerConfig holds the AgentInvoker.* keys.
type AgentInvokerConfig struct {
	Timeout time.Duration
}

// MongoConfig holds the Mongo.* database name keys.
type MongoConfig struct {
	ConfigDb string
	TracesDb string
	TasksDb  string
}

// Config is the fully resolved configuration for one process.
type Config struct {
	Orchestration   Orchestration
	TaskStore       TaskStoreConfig
	AgentInvoker    AgentInvokerConfig
	RedisConnection string
	Mongo           MongoConfig
}

// Defaults returns the §6.3 documented defaults.
func Defaults() Config {
	return Config{
		Orchestration: Orchestration{
			MaxParallelAgents:            3,
			RoutingConfidenceThreshold:   0.7,
			MaxConversationHistory:       10,
			EnableMultiAgentCoordination: true,
		},
		TaskStore:    TaskStoreConfig{TTL: 24 * time.Hour},
		AgentInvoker: AgentInvokerConfig{Timeout: 30 * time.Second},
		Mongo: MongoConfig{
			ConfigDb: "lucia_config",
			TracesDb: "lucia_traces",
			TasksDb:  "lucia_tasks",
		},
	}
}

// overrideDocument is the shape of documents in the Mongo overrides
// collection: one document per dotted key, e.g. {"key": "Orchestration.RouterModel", "value": "claude-opus-4"}.
type overrideDocument struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// Loader resolves Config by layering flags, environment, and a Mongo
// overrides collection on top of Defaults.
type Loader struct {
	FlagSet *flag.FlagSet
	Args    []string
	Mongo   *mongo.Client
	ConfigDb string
}

// Load builds a Config. Precedence, highest first: flags, env,
// Mongo-backed overrides, defaults.
func (l Loader) Load(ctx context.Context) (Config, error) {
	cfg := Defaults()

	overrides, err := l.loadMongoOverrides(ctx)
	if err != nil {
		return Config{}, err
	}
	applyOverrides(&cfg, overrides)
	applyEnv(&cfg)
	if err := l.applyFlags(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) loadMongoOverrides(ctx context.Context) (map[string]string, error) {
	if l.Mongo == nil {
		return nil, nil
	}
	db := l.ConfigDb
	if db == "" {
		db = Defaults().Mongo.ConfigDb
	}
	cur, err := l.Mongo.Database(db).Collection("orchestration_config").Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[string]string)
	for cur.Next(ctx) {
		var doc overrideDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.Key] = doc.Value
	}
	return out, cur.Err()
}

func applyOverrides(cfg *Config, overrides map[string]string) {
	set := func(key string, apply func(string)) {
		if v, ok := overrides[key]; ok && v != "" {
			apply(v)
		}
	}
	set("Orchestration.RouterModel", func(v string) { cfg.Orchestration.RouterModel = v })
	set("Orchestration.MaxParallelAgents", func(v string) { cfg.Orchestration.MaxParallelAgents = atoiOr(v, cfg.Orchestration.MaxParallelAgents) })
	set("Orchestration.RoutingConfidenceThreshold", func(v string) { cfg.Orchestration.RoutingConfidenceThreshold = atofOr(v, cfg.Orchestration.RoutingConfidenceThreshold) })
	set("Orchestration.MaxConversationHistory", func(v string) { cfg.Orchestration.MaxConversationHistory = atoiOr(v, cfg.Orchestration.MaxConversationHistory) })
	set("Orchestration.EnableMultiAgentCoordination", func(v string) { cfg.Orchestration.EnableMultiAgentCoordination = v == "true" })
	set("TaskStore.TTL", func(v string) { cfg.TaskStore.TTL = durationOr(v, cfg.TaskStore.TTL) })
	set("AgentInvoker.Timeout", func(v string) { cfg.AgentInvoker.Timeout = durationOr(v, cfg.AgentInvoker.Timeout) })
	set("Redis.ConnectionString", func(v string) { cfg.RedisConnection = v })
	set("Mongo.ConfigDb", func(v string) { cfg.Mongo.ConfigDb = v })
	set("Mongo.TracesDb", func(v string) { cfg.Mongo.TracesDb = v })
	set("Mongo.TasksDb", func(v string) { cfg.Mongo.TasksDb = v })
}

func applyEnv(cfg *Config) {
	getenv := func(key string, apply func(string)) {
		if v := os.Getenv(key); v != "" {
			apply(v)
		}
	}
	getenv("LUCIA_ROUTER_MODEL", func(v string) { cfg.Orchestration.RouterModel = v })
	getenv("LUCIA_MAX_PARALLEL_AGENTS", func(v string) { cfg.Orchestration.MaxParallelAgents = atoiOr(v, cfg.Orchestration.MaxParallelAgents) })
	getenv("LUCIA_ROUTING_CONFIDENCE_THRESHOLD", func(v string) { cfg.Orchestration.RoutingConfidenceThreshold = atofOr(v, cfg.Orchestration.RoutingConfidenceThreshold) })
	getenv("LUCIA_MAX_CONVERSATION_HISTORY", func(v string) { cfg.Orchestration.MaxConversationHistory = atoiOr(v, cfg.Orchestration.MaxConversationHistory) })
	getenv("LUCIA_ENABLE_MULTI_AGENT_COORDINATION", func(v string) { cfg.Orchestration.EnableMultiAgentCoordination = v == "true" })
	getenv("LUCIA_TASK_STORE_TTL", func(v string) { cfg.TaskStore.TTL = durationOr(v, cfg.TaskStore.TTL) })
	getenv("LUCIA_AGENT_INVOKER_TIMEOUT", func(v string) { cfg.AgentInvoker.Timeout = durationOr(v, cfg.AgentInvoker.Timeout) })
	getenv("LUCIA_REDIS_CONNECTION_STRING", func(v string) { cfg.RedisConnection = v })
}

func (l Loader) applyFlags(cfg *Config) error {
	fs := l.FlagSet
	if fs == nil {
		fs = flag.NewFlagSet("lucia", flag.ContinueOnError)
	}

	routerModel := fs.String("router-model", cfg.Orchestration.RouterModel, "chat model used by the RouterExecutor")
	maxParallel := fs.Int("max-parallel-agents", cfg.Orchestration.MaxParallelAgents, "maximum agents fanned out to concurrently")
	confidence := fs.Float64("routing-confidence-threshold", cfg.Orchestration.RoutingConfidenceThreshold, "minimum router confidence before dispatching without clarification")
	maxHistory := fs.Int("max-conversation-history", cfg.Orchestration.MaxConversationHistory, "number of prior turns kept in the routing prompt")
	multiAgent := fs.Bool("enable-multi-agent-coordination", cfg.Orchestration.EnableMultiAgentCoordination, "allow the router to fan out to more than one agent")
	taskTTL := fs.Duration("task-store-ttl", cfg.TaskStore.TTL, "TTL applied to persisted task records")
	invokerTimeout := fs.Duration("agent-invoker-timeout", cfg.AgentInvoker.Timeout, "per-agent invocation timeout")
	redisConn := fs.String("redis-connection-string", cfg.RedisConnection, "Redis connection string for the task store")

	if err := fs.Parse(l.Args); err != nil {
		return err
	}

	cfg.Orchestration.RouterModel = *routerModel
	cfg.Orchestration.MaxParallelAgents = *maxParallel
	cfg.Orchestration.RoutingConfidenceThreshold = *confidence
	cfg.Orchestration.MaxConversationHistory = *maxHistory
	cfg.Orchestration.EnableMultiAgentCoordination = *multiAgent
	cfg.TaskStore.TTL = *taskTTL
	cfg.AgentInvoker.Timeout = *invokerTimeout
	cfg.RedisConnection = *redisConn
	return nil
}

func atoiOr(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return fallback
}

func atofOr(s string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return fallback
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return fallback
}
