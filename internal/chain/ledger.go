package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/custody_ledger/internal/app/domain/chaintx"
)

var errScriptFault = errors.New("script fault")

var _ chaintx.LedgerClient = (*Client)(nil)

// Head returns the height of the latest block.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	count, err := c.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return count - 1, nil
}

// GetActivitySince scans the blocks after checkpoint, at most BatchSize of
// them, for NEP-17 transfers touching the given addresses. The returned
// checkpoint is the last block fully scanned.
func (c *Client) GetActivitySince(ctx context.Context, checkpoint uint64, addresses []string) (chaintx.ActivityBatch, error) {
	head, err := c.Head(ctx)
	if err != nil {
		return chaintx.ActivityBatch{}, err
	}
	batch := chaintx.ActivityBatch{Checkpoint: checkpoint, Head: head}
	if checkpoint >= head {
		return batch, nil
	}

	end := checkpoint + c.batchSize
	if end > head {
		end = head
	}
	if len(addresses) == 0 {
		batch.Checkpoint = end
		return batch, nil
	}

	watched := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		watched[addr] = struct{}{}
	}

	for height := checkpoint + 1; height <= end; height++ {
		activities, err := c.blockActivity(ctx, height, watched)
		if err != nil {
			return chaintx.ActivityBatch{}, fmt.Errorf("scan block %d: %w", height, err)
		}
		batch.Activities = append(batch.Activities, activities...)
	}
	batch.Checkpoint = end
	return batch, nil
}

func (c *Client) blockActivity(ctx context.Context, height uint64, watched map[string]struct{}) ([]chaintx.Activity, error) {
	block, err := c.GetBlock(ctx, height)
	if err != nil {
		return nil, err
	}

	var out []chaintx.Activity
	for _, tx := range block.Get("tx").Array() {
		hash := tx.Get("hash").String()
		sysFee, err := parseUint(tx.Get("sysfee"))
		if err != nil {
			return nil, err
		}
		netFee, err := parseUint(tx.Get("netfee"))
		if err != nil {
			return nil, err
		}

		var signers []string
		for _, s := range tx.Get("signers").Array() {
			addr, ok := scriptHashToAddress(s.Get("account").String())
			if !ok {
				continue
			}
			if _, w := watched[addr]; w {
				signers = append(signers, addr)
			}
		}

		appLog, err := c.GetApplicationLog(ctx, hash)
		if err != nil {
			return nil, err
		}
		out = append(out, c.parseExecution(txContext{
			hash:    hash,
			height:  height,
			fee:     sysFee + netFee,
			signers: signers,
		}, appLog, watched)...)
	}
	return out, nil
}

type txContext struct {
	hash    string
	height  uint64
	fee     uint64
	signers []string
}

// parseExecution turns the Application execution of one transaction into
// activities. A faulted transaction yields one failed OUT activity per
// watched signer; a halted one yields an activity per Transfer notification
// endpoint that is watched.
func (c *Client) parseExecution(tx txContext, appLog gjson.Result, watched map[string]struct{}) []chaintx.Activity {
	exec := appLog.Get(`executions.#(trigger=="Application")`)
	if !exec.Exists() {
		return nil
	}

	state := exec.Get("vmstate").String()
	if strings.Contains(state, "FAULT") {
		out := make([]chaintx.Activity, 0, len(tx.signers))
		for _, signer := range tx.signers {
			out = append(out, chaintx.Activity{
				Signature: tx.hash,
				Direction: chaintx.DirectionOut,
				Address:   signer,
				Height:    tx.height,
				Outcome:   chaintx.OutcomeFailed,
				Fee:       tx.fee,
				Reason:    exec.Get("exception").String(),
			})
		}
		return out
	}
	if state != "HALT" {
		return nil
	}

	var out []chaintx.Activity
	for _, n := range exec.Get("notifications").Array() {
		if n.Get("eventname").String() != "Transfer" {
			continue
		}
		asset, ok := c.assets.ByContract(n.Get("contract").String())
		if !ok {
			continue
		}
		items := n.Get("state.value").Array()
		if len(items) != 3 {
			continue
		}
		from := stackAddress(items[0])
		to := stackAddress(items[1])
		amount, err := parseUint(items[2].Get("value"))
		if err != nil || amount == 0 {
			continue
		}

		if _, ok := watched[to]; ok && to != "" {
			out = append(out, chaintx.Activity{
				Signature:    tx.hash,
				Direction:    chaintx.DirectionIn,
				Address:      to,
				Counterparty: from,
				Asset:        asset.Symbol,
				Amount:       amount,
				Height:       tx.height,
				Outcome:      chaintx.OutcomeConfirmed,
			})
		}
		if _, ok := watched[from]; ok && from != "" {
			out = append(out, chaintx.Activity{
				Signature:    tx.hash,
				Direction:    chaintx.DirectionOut,
				Address:      from,
				Counterparty: to,
				Asset:        asset.Symbol,
				Amount:       amount,
				Height:       tx.height,
				Outcome:      chaintx.OutcomeConfirmed,
				Fee:          tx.fee,
			})
		}
	}
	return out
}

// Submit broadcasts a signed transaction. A transaction the node already
// knows counts as submitted; a definitive refusal wraps chaintx.ErrRejected.
func (c *Client) Submit(ctx context.Context, tx chaintx.SignedTransaction) (string, error) {
	hash, err := c.SendRawTransaction(ctx, tx.Raw)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			if rpcErr.AlreadyKnown() {
				return tx.Hash, nil
			}
			if rpcErr.Rejected() {
				return "", fmt.Errorf("%w: %s", chaintx.ErrRejected, rpcErr.Error())
			}
		}
		return "", err
	}
	if hash == "" {
		hash = tx.Hash
	}
	return hash, nil
}

// GetStatus reports the final outcome of a transaction, or unknown when the
// node has not persisted it.
func (c *Client) GetStatus(ctx context.Context, signature string) (chaintx.Outcome, error) {
	appLog, err := c.GetApplicationLog(ctx, signature)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.NotFound() {
			return chaintx.OutcomeUnknown, nil
		}
		return chaintx.OutcomeUnknown, err
	}
	state := appLog.Get(`executions.#(trigger=="Application").vmstate`).String()
	switch {
	case state == "HALT":
		return chaintx.OutcomeConfirmed, nil
	case strings.Contains(state, "FAULT"):
		return chaintx.OutcomeFailed, nil
	default:
		return chaintx.OutcomeUnknown, nil
	}
}

// GetBalance returns the on-chain balance of address in smallest units.
func (c *Client) GetBalance(ctx context.Context, addr, symbol string) (uint64, error) {
	asset, ok := c.assets.Lookup(symbol)
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", symbol)
	}
	account, err := address.StringToUint160(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	result, err := c.InvokeFunction(ctx, "0x"+asset.Hash.StringLE(), "balanceOf", []ContractParam{
		{Type: "Hash160", Value: "0x" + account.StringLE()},
	})
	if err != nil {
		return 0, err
	}
	if state := result.Get("state").String(); state != "HALT" {
		return 0, fmt.Errorf("%w: balanceOf: %s", errScriptFault, result.Get("exception").String())
	}
	return parseUint(result.Get("stack.0.value"))
}

func scriptHashToAddress(hash string) (string, bool) {
	u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(hash, "0x"))
	if err != nil {
		return "", false
	}
	return address.Uint160ToString(u), true
}

// stackAddress decodes a Hash160 carried as a ByteString stack item. Mints
// and burns carry a null item and decode to "".
func stackAddress(item gjson.Result) string {
	if item.Get("type").String() != "ByteString" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(item.Get("value").String())
	if err != nil {
		return ""
	}
	u, err := util.Uint160DecodeBytesBE(raw)
	if err != nil {
		return ""
	}
	return address.Uint160ToString(u)
}
