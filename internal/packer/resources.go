package packer

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type resource struct {
	name    string
	release func() error
}

// resources is the stack of everything attached so far (loop devices,
// device-mapper entries, mounts, scratch directories). Each entry is released
// exactly once, most recent first.
type resources struct {
	stack []resource
}

func (r *resources) push(name string, release func() error) {
	logrus.WithField("resource", name).Debug("acquired")
	r.stack = append(r.stack, resource{name: name, release: release})
}

// pop releases the most recently acquired resource.
func (r *resources) pop() error {
	if len(r.stack) == 0 {
		return nil
	}
	res := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	logrus.WithField("resource", res.name).Debug("releasing")
	if err := res.release(); err != nil {
		return fmt.Errorf("releasing %s: %w", res.name, err)
	}
	return nil
}

// releaseAll releases all resources, continuing past failures.
func (r *resources) releaseAll() error {
	var result *multierror.Error
	for len(r.stack) > 0 {
		if err := r.pop(); err != nil {
			logrus.Warn(err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
