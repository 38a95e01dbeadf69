// Package app provides the composition layer for yieldvault.
//
// # Architecture Role
//
// The app package sits above the vault components (registry, ledger,
// distribution, harvest, queue, optimizer) and the ambient services (audit,
// storage, metrics, scheduler, HTTP API). It builds them from a config.Config
// and manages their lifecycle. It holds no business logic; that belongs to
// internal/vault and the packages it orchestrates.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── scenario.go         # scripted run used by `yieldvault simulate`
//	└── system/             # Service interface and lifecycle Manager
//
// # Dependency Direction
//
//	cmd/yieldvault/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/vault ──► registry, ledger, distribution, harvest, queue, optimizer
//	      │
//	      ├──► internal/adapter/simulated, internal/adapter/llama
//	      │
//	      ├──► internal/httpapi ──► internal/middleware, internal/httputil
//	      │
//	      └──► internal/scheduler, internal/events, internal/storage, internal/metrics
//
// # Backends
//
// Every configured backend is an in-process simulated lending market. A
// backend with a pool id reports the yield published for that pool by the
// yields API instead of its own APY; funds still move through the simulation.
package app
