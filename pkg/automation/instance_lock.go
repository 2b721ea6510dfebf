package automation

import (
	"sync"
)

// runningInstance pairs an instance key with its execution mutex. The mutex
// serializes step execution per instance: a slow scan and a manual
// ExecuteNextStep call must never run two steps of the same instance
// concurrently.
type runningInstance struct {
	refs int
	mu   *sync.Mutex
}

type runningInstancesCache struct {
	instances map[int64]*runningInstance
	mu        sync.Mutex
}

func newRunningInstancesCache() *runningInstancesCache {
	return &runningInstancesCache{
		instances: make(map[int64]*runningInstance),
	}
}

func (c *runningInstancesCache) lockInstance(instanceKey int64) {
	c.mu.Lock()
	ins, ok := c.instances[instanceKey]
	if !ok {
		ins = &runningInstance{mu: &sync.Mutex{}}
		c.instances[instanceKey] = ins
	}
	ins.refs++
	c.mu.Unlock()
	ins.mu.Lock()
}

func (c *runningInstancesCache) unlockInstance(instanceKey int64) {
	c.mu.Lock()
	ins := c.instances[instanceKey]
	ins.refs--
	if ins.refs == 0 {
		delete(c.instances, instanceKey)
	}
	c.mu.Unlock()
	ins.mu.Unlock()
}
