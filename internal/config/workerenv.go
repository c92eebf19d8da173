package config

import "github.com/caarlos0/env/v11"

// WorkerEnv captures the process-local environment variables named in
// spec.md §6. These are read once at process start (not hot-reloaded,
// unlike Config) because they describe the identity of this OS process.
type WorkerEnv struct {
	NodeName               string `env:"NODE_NAME,required"`
	WorkersPerProvider     int    `env:"WORKERS_PER_PROVIDER" envDefault:"2"`
	Providers              string `env:"PROVIDERS"`
	MaxTotalProcesses      int    `env:"MAX_TOTAL_PROCESSES" envDefault:"32"`
	MaxProcessesPerProvider int   `env:"MAX_PROCESSES_PER_PROVIDER" envDefault:"8"`
	GuardInterval           int   `env:"GUARD_INTERVAL" envDefault:"30"`
}

// LoadWorkerEnv parses WorkerEnv from the process environment.
func LoadWorkerEnv() (*WorkerEnv, error) {
	var w WorkerEnv
	if err := env.Parse(&w); err != nil {
		return nil, err
	}
	return &w, nil
}
