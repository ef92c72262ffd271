package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AgreementCreatedSignature is the factory event emitted when a new agreement
// contract is deployed. The client and the agreement address are indexed, so
// the agreement address is carried in the third topic.
const AgreementCreatedSignature = "EscrowCreated(address,address,address,uint256)"

// AgreementTopicIndex is the position of the agreement address among the
// creation event topics.
const AgreementTopicIndex = 2

// AgreementCreatedTopic is topic zero of the creation event.
var AgreementCreatedTopic = crypto.Keccak256Hash([]byte(AgreementCreatedSignature))

// AddressFromTopic extracts the low 20 bytes of a topic as an address.
func AddressFromTopic(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}
