package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SSO gate and provider metrics. Defined in a standalone package so the
// gate and the HTTP layer can both record without import cycles.

var (
	GateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_gate_decisions_total",
		Help: "SSO gate decisions by outcome (bypass, authenticated, challenge)",
	}, []string{"outcome"})

	ProviderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_provider_errors_total",
		Help: "Provider flow failures by provider and error class",
	}, []string{"provider", "class"})

	Logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sso_logins_total",
		Help: "Completed logins by provider",
	}, []string{"provider"})
)

// Register registers the SSO metrics on the given registry (or the
// default one if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{GateDecisions, ProviderErrors, Logins} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
