// Package service exposes the resilience control plane to the ops transports.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewResilienceService)
