package funding

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// The cross-chain conversion providers are intentionally unimplemented: the
// machine's contract is the sequencing and state reporting, independent of
// which provider executes the swap. Both stubs fail over to a manual-bridge
// message until real provider wiring lands.

// OneInchProvider is the 1inch Fusion conversion path.
type OneInchProvider struct {
	BridgeURL string
}

func (p *OneInchProvider) Name() string { return "1inch-fusion" }

func (p *OneInchProvider) Swap(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	return "", fmt.Errorf("1inch fusion integration pending, bridge USDC manually at %s", p.BridgeURL)
}

// CCTPProvider is the Circle CCTP conversion path.
type CCTPProvider struct {
	BridgeURL string
}

func (p *CCTPProvider) Name() string { return "circle-cctp" }

func (p *CCTPProvider) Swap(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	return "", fmt.Errorf("cctp integration pending, bridge USDC manually at %s", p.BridgeURL)
}
