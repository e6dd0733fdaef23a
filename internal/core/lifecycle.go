package core

import (
	"context"

	"gopkg.in/yaml.v3"
)

// Optional module hooks. App and AppContext call them in this order:
// Configure, Provision, Validate while loading; Start in load order; Stop in
// reverse order on shutdown. Reload and HealthCheck may run at any time
// between Start and Stop.

// Configurable modules decode their section of the modules map. Configure
// is skipped when the section is absent.
type Configurable interface {
	Configure(node *yaml.Node) error
}

// Provisioner modules apply defaults, open resources and register the
// services other modules resolve through AppContext.
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator modules check their provisioned state. Validate must not have
// side effects.
type Validator interface {
	Validate() error
}

// Starter modules launch their goroutines, listeners or pollers.
type Starter interface {
	Start() error
}

// Stopper modules release what Start or Provision acquired. Stop is also
// called on modules that failed to finish loading, so it must tolerate a
// module that never started.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Reloader modules apply a changed configuration without a restart.
type Reloader interface {
	Reload(ctx *AppContext) error
}

// HealthChecker modules report whether the resource they own, such as a
// database or remote API, is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
