package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const escrowABIJSON = `[
 {"type":"function","name":"createEscrow","stateMutability":"nonpayable",
  "inputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"escrowId","type":"bytes32"}]},
 {"type":"function","name":"fundEscrow","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"releaseFunds","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"ownerReleaseFunds","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"raiseDispute","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"resolveDispute","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"},{"name":"buyerPercentage","type":"uint8"}],"outputs":[]},
 {"type":"function","name":"autoRelease","stateMutability":"nonpayable",
  "inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"getEscrow","stateMutability":"view",
  "inputs":[{"name":"escrowId","type":"bytes32"}],
  "outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},
   {"name":"status","type":"uint8"},{"name":"createdAt","type":"uint256"},{"name":"fundedAt","type":"uint256"},
   {"name":"autoReleaseAt","type":"uint256"},{"name":"disputed","type":"bool"}]},
 {"type":"event","name":"EscrowCreated","anonymous":false,
  "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"buyer","type":"address","indexed":true},
   {"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowFunded","anonymous":false,
  "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"EscrowCompleted","anonymous":false,
  "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"sellerAmount","type":"uint256","indexed":false},
   {"name":"fee","type":"uint256","indexed":false}]},
 {"type":"event","name":"DisputeRaised","anonymous":false,
  "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"raisedBy","type":"address","indexed":true}]},
 {"type":"event","name":"DisputeResolved","anonymous":false,
  "inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"buyerAmount","type":"uint256","indexed":false},
   {"name":"sellerAmount","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	escrowABI = mustParseABI(escrowABIJSON)
	erc20ABI  = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// getEscrowResult matches the named outputs of getEscrow.
type getEscrowResult struct {
	Buyer         common.Address
	Seller        common.Address
	Amount        *big.Int
	Status        uint8
	CreatedAt     *big.Int
	FundedAt      *big.Int
	AutoReleaseAt *big.Int
	Disputed      bool
}
