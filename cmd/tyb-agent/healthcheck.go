package main

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const healthcheckTimeout = 10 * time.Second

type healthcheck func(ctx context.Context) error

type healthcheckManager struct {
	healthchecks map[string]healthcheck
}

func newHealthcheckManager() *healthcheckManager {
	return &healthcheckManager{healthchecks: make(map[string]healthcheck)}
}

func (m *healthcheckManager) AddCheck(name string, h healthcheck) {
	m.healthchecks[name] = h
}

// CheckHealth runs the checks in name order and returns the first failure.
func (m *healthcheckManager) CheckHealth(ctx context.Context) error {
	names := make([]string, 0, len(m.healthchecks))
	for name := range m.healthchecks {
		names = append(names, name)
	}
	sort.Strings(names)

	cerr := make(chan error, 1)
	go func() {
		for _, name := range names {
			if err := m.healthchecks[name](ctx); err != nil {
				cerr <- errors.Wrapf(err, "%s is unhealthy", name)
				return
			}
		}
		cerr <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-cerr:
		return err
	}
}

func (m *healthcheckManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	// run healthchecks
	if err := m.CheckHealth(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}
