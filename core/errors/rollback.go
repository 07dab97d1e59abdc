package errors

import (
	"sync"
)

// IntermediateResource is something created part-way through an operation
// that must be removed if the operation does not complete.
type IntermediateResource struct {
	ResourceID  string
	Description string
	Cleanup     func() error
}

// ResourceTracker tracks intermediate resources for cleanup on failure.
type ResourceTracker struct {
	mu        sync.Mutex
	resources []*IntermediateResource
}

// NewResourceTracker creates a new resource tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		resources: make([]*IntermediateResource, 0),
	}
}

// Track adds a resource to be cleaned up on failure.
func (rt *ResourceTracker) Track(res *IntermediateResource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources = append(rt.resources, res)
}

// CleanupAll cleans up all tracked resources in reverse order.
func (rt *ResourceTracker) CleanupAll() []error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	errs := make([]error, 0)
	for i := len(rt.resources) - 1; i >= 0; i-- {
		if rt.resources[i].Cleanup != nil {
			if err := rt.resources[i].Cleanup(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	rt.resources = rt.resources[:0]
	return errs
}

// Clear removes all tracked resources without cleanup. Called once the
// operation has committed and the resources are now owned elsewhere.
func (rt *ResourceTracker) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources = rt.resources[:0]
}

// Rollback runs CleanupAll and folds the outcome into cause. When cleanup
// itself fails the state can no longer be vouched for, so the result is
// escalated to KindRepositoryUnavailable.
func (rt *ResourceTracker) Rollback(op string, cause error) error {
	cleanupErrs := rt.CleanupAll()
	if len(cleanupErrs) == 0 {
		return cause
	}
	all := append([]error{cause}, cleanupErrs...)
	return New(KindRepositoryUnavailable, op, "rollback failed", Join(all...))
}
