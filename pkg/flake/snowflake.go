package flake

import (
	"hash/adler32"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	globalNode *snowflake.Node
	once       sync.Once
)

// Node returns the process-wide ID generator, creating it on first use.
func Node() *snowflake.Node {
	once.Do(func() {
		globalNode = NewNode()
	})
	return globalNode
}

// NewNode creates a new ID generator seeded from the process environment,
// constraints: creating two new instances within a few microseconds, will create generators with the same seed
func NewNode() *snowflake.Node {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	node, err := snowflake.NewNode(int64(hash32.Sum32() % 1024))
	if err != nil {
		panic("can't initialize snowflake ID generator. Message: " + err.Error())
	}
	return node
}
