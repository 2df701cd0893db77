package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelsearch_models_registered_total",
		Help: "Distinct models added to the registry",
	})

	branchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelsearch_branches_created_total",
		Help: "Branches created by kind",
	}, []string{"kind"})
)
