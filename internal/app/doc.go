// Package app is the composition layer of the custody ledger.
//
// # Architecture Role
//
// The app package wires storage, the external ledger client and the signer
// into the domain services and owns their lifecycle. It holds no business
// rules: those live in internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── account/        # Custodial accounts
//	│   ├── ledger/         # Balances, entries and holds
//	│   ├── withdrawal/     # Withdrawal state machine
//	│   ├── chaintx/        # External ledger records and client contracts
//	│   ├── sponsor/        # Fee sponsorship budget
//	│   └── transfer/       # Pending transfers
//	├── services/           # Ledger, withdrawal, indexer, sponsor, transfers, accounts
//	├── storage/            # Store interfaces plus memory and postgres implementations
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Background service lifecycle
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/ledgerd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/app/storage/
//	      │
//	      ├──► internal/chain/ (Neo RPC client and signer)
//	      │
//	      └──► internal/platform/ (migrations)
//
// Every service that mutates balances goes through ledger.Service.Atomic, so
// a withdrawal, an indexer credit or a transfer settlement commits its ledger
// entries and its own records in one storage transaction.
package app
