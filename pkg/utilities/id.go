package utilities

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// snowflakeNode returns the process-wide node. The node id comes from
// SNOWFLAKE_NODE and defaults to 1.
func snowflakeNode() *snowflake.Node {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				nodeID = n
			}
		}
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			n, _ = snowflake.NewNode(1)
		}
		node = n
	})
	return node
}

// NewReferralCode returns a short uppercase code derived from a snowflake ID.
// Snowflake IDs are unique per node, so codes never collide within a deployment
// that assigns distinct SNOWFLAKE_NODE values.
func NewReferralCode() string {
	return strings.ToUpper(snowflakeNode().Generate().Base36())
}
