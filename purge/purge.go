// Package purge tears a project down: container, image, then files.
package purge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tynkerbase/tynkerbase-agent/docker"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/project"
	"github.com/tynkerbase/tynkerbase-agent/stats"
)

// DefaultRetries is the number of passes when the caller does not say.
const DefaultRetries = 2

// Runtime deletes a project's container and image.
type Runtime interface {
	DeleteContainer(ctx context.Context, project string) error
	DeleteImage(ctx context.Context, project string) error
}

// Projects deletes a project's files.
type Projects interface {
	Delete(name string) error
}

// Error lists the subtasks still failing after the last pass.
type Error struct {
	Project  string
	Failures map[string]error
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %s", name, e.Failures[name])
	}
	return fmt.Sprintf("failed to delete images and/or containers of `%s`: %s", e.Project, strings.Join(parts, "; "))
}

type subtask struct {
	name string
	run  func(ctx context.Context) error
	err  error
	done bool
}

// Coordinator runs purges.
type Coordinator struct {
	runtime  Runtime
	projects Projects
	stats    stats.Stats
	logger   *log.Logger
}

func NewCoordinator(runtime Runtime, projects Projects, st stats.Stats) *Coordinator {
	return &Coordinator{
		runtime:  runtime,
		projects: projects,
		stats:    st.WithPrefix("purge"),
		logger:   log.Get().Named("Purge"),
	}
}

// Purge deletes the container and image of name concurrently, retrying
// failures for up to retries passes, then deletes the project directory.
// Anything already absent counts as deleted, so purging twice succeeds twice.
func (c *Coordinator) Purge(ctx context.Context, name string, retries int) error {
	if err := c.purgeRuntime(ctx, name, retries); err != nil {
		c.stats.Incr("failure", stats.Tags{"stage": "runtime"}, 1)
		return err
	}

	if err := c.projects.Delete(name); err != nil && !errors.Is(err, project.ErrNotExist) {
		c.stats.Incr("failure", stats.Tags{"stage": "files"}, 1)
		return errors.Wrap(err, "failed to delete project files")
	}

	c.stats.Incr("success", nil, 1)
	c.logger.Infow("Purged project", "project", name)
	return nil
}

func (c *Coordinator) purgeRuntime(ctx context.Context, name string, retries int) error {
	tasks := []*subtask{
		{name: "container", run: func(ctx context.Context) error { return c.runtime.DeleteContainer(ctx, name) }},
		{name: "image", run: func(ctx context.Context) error { return c.runtime.DeleteImage(ctx, name) }},
	}
	for _, t := range tasks {
		t.err = errors.Errorf("%s was not attempted", t.name)
	}

	if retries > 0 {
		pass := 0
		b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(retries-1)), ctx)
		_ = backoff.Retry(func() error {
			pass++
			pending := c.runPass(ctx, tasks)
			if pending > 0 {
				c.logger.Debugw("Purge pass incomplete", "project", name, "pass", pass, "pending", pending)
				return errors.Errorf("%d subtasks pending", pending)
			}
			return nil
		}, b)
	}

	failures := map[string]error{}
	for _, t := range tasks {
		if !t.done {
			failures[t.name] = t.err
		}
	}
	if len(failures) > 0 {
		return &Error{Project: name, Failures: failures}
	}
	return nil
}

// runPass runs every pending subtask concurrently and returns how many are
// still pending.
func (c *Coordinator) runPass(ctx context.Context, tasks []*subtask) int {
	var g errgroup.Group
	for _, t := range tasks {
		if t.done {
			continue
		}
		t := t
		g.Go(func() error {
			err := t.run(ctx)
			switch {
			case err == nil:
				t.done = true
			case docker.IsAbsent(err):
				t.done = true
				c.logger.Debugw("Already absent", "subtask", t.name, "error", err)
			default:
				t.err = err
			}
			return nil
		})
	}
	_ = g.Wait()

	pending := 0
	for _, t := range tasks {
		if !t.done {
			pending++
		}
	}
	return pending
}
