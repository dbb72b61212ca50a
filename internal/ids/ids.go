// Package ids generates time-ordered 64-bit identifiers. Snowflake layout
// (epoch ms in the high bits, node id + sequence in the low bits) keeps ids
// monotone-friendly across distributed writers.
package ids

import (
	"github.com/bwmarrin/snowflake"

	"github.com/powermem/powermem/internal/types"
)

type Generator struct {
	node *snowflake.Node
}

// NewGenerator builds a generator for the given writer node. Node ids must be
// unique per process writing to the same backend.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, types.E(types.KindValidation, "ids.NewGenerator", "invalid node id", err)
	}
	return &Generator{node: node}, nil
}

func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
