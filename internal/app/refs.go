package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/thrifty/ledger-service/internal/domain"
)

// RefGenerator issues transaction references of the form
// `<type>-<mode>-<snowflake>`. Snowflake ids embed the node id, so two
// instances with distinct NODE_ID values never collide.
type RefGenerator struct {
	node *snowflake.Node
}

func NewRefGenerator(nodeID int64) (*RefGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node %d: %w", nodeID, err)
	}
	return &RefGenerator{node: node}, nil
}

func (g *RefGenerator) Next(txType domain.TransactionType, mode domain.TransactionMode) string {
	return fmt.Sprintf("%s-%s-%s", typeCode(txType), modeCode(mode), g.node.Generate().String())
}

func typeCode(txType domain.TransactionType) string {
	switch txType {
	case domain.TransactionTypeInstantTransfer:
		return "IT"
	case domain.TransactionTypeBillPayment:
		return "BP"
	case domain.TransactionTypeFundsDeposit:
		return "FD"
	case domain.TransactionTypeFundsWithdrawal:
		return "FW"
	default:
		return "TX"
	}
}

func modeCode(mode domain.TransactionMode) string {
	if mode == domain.TransactionModeCredit {
		return "CR"
	}
	return "DR"
}
