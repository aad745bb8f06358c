package kernel

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ChainType selects the set of consensus parameters a context operates on.
type ChainType int

const (
	ChainTypeMainnet ChainType = iota
	ChainTypeTestnet
	ChainTypeTestnet4
	ChainTypeSignet
	ChainTypeRegtest
)

func (t ChainType) String() string {
	switch t {
	case ChainTypeMainnet:
		return "mainnet"
	case ChainTypeTestnet:
		return "testnet"
	case ChainTypeTestnet4:
		return "testnet4"
	case ChainTypeSignet:
		return "signet"
	case ChainTypeRegtest:
		return "regtest"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ChainTypeFromString maps a network name to its ChainType.
func ChainTypeFromString(s string) (ChainType, error) {
	switch s {
	case "mainnet", "main":
		return ChainTypeMainnet, nil
	case "testnet", "testnet3", "test":
		return ChainTypeTestnet, nil
	case "testnet4":
		return ChainTypeTestnet4, nil
	case "signet":
		return ChainTypeSignet, nil
	case "regtest":
		return ChainTypeRegtest, nil
	default:
		return 0, fmt.Errorf("unknown chain type %q", s)
	}
}

// ChainParameters holds the consensus parameters for one chain type.
type ChainParameters struct {
	chainType ChainType
	params    *chaincfg.Params
}

// NewChainParameters builds the parameters for the given chain type.
func NewChainParameters(chainType ChainType) (*ChainParameters, error) {
	var params *chaincfg.Params
	switch chainType {
	case ChainTypeMainnet:
		params = &chaincfg.MainNetParams
	case ChainTypeTestnet:
		params = &chaincfg.TestNet3Params
	case ChainTypeTestnet4:
		params = &chaincfg.TestNet4Params
	case ChainTypeSignet:
		params = &chaincfg.SigNetParams
	case ChainTypeRegtest:
		params = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("unknown chain type %d", int(chainType))
	}
	return &ChainParameters{chainType: chainType, params: params}, nil
}

func (p *ChainParameters) ChainType() ChainType { return p.chainType }

// Params exposes the underlying btcd parameter set.
func (p *ChainParameters) Params() *chaincfg.Params { return p.params }
